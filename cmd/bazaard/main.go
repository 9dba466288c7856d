package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"bazaar/config"
	"bazaar/crypto"
	"bazaar/native/market"
	"bazaar/observability/logging"
	"bazaar/rpc"
	"bazaar/state"
	"bazaar/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BAZAAR_ENV"))
	logger := logging.Setup("bazaard", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	arbiter, err := cfg.ArbiterAddress()
	if err != nil {
		logger.Error("Failed to resolve arbiter address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := applyGenesis(manager, cfg.Genesis); err != nil {
		logger.Error("Failed to apply genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}

	engine := market.NewEngine(arbiter)
	engine.SetState(manager)

	logger.Info("Marketplace engine ready",
		slog.String("network", cfg.NetworkName),
		slog.String("arbiter", crypto.NewAddress(arbiter).String()),
		slog.String("rpc", cfg.RPCAddress),
	)

	server := rpc.NewServer(engine)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// applyGenesis seeds configured account balances exactly once per data
// directory.
func applyGenesis(manager *state.Manager, allocs []config.GenesisAlloc) error {
	applied, err := manager.GenesisApplied()
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	for _, alloc := range allocs {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return fmt.Errorf("genesis alloc %s: %w", alloc.Address, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok {
			return fmt.Errorf("genesis alloc %s: invalid balance %q", alloc.Address, alloc.Balance)
		}
		raw := addr.Bytes()
		if err := manager.Credit(raw[:], balance); err != nil {
			return err
		}
	}
	return manager.SetGenesisApplied()
}
