package config

import (
	"fmt"
	"math/big"
	"strings"

	"bazaar/crypto"
)

// Validate checks structural and referential integrity of a loaded config.
// The arbiter must be provisioned here: there is no re-provisioning interface
// once the engine is constructed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if strings.TrimSpace(cfg.Arbiter) == "" {
		return fmt.Errorf("config: Arbiter address must be provisioned")
	}
	if _, err := crypto.DecodeAddress(strings.TrimSpace(cfg.Arbiter)); err != nil {
		return fmt.Errorf("config: invalid Arbiter address: %w", err)
	}
	for i, alloc := range cfg.Genesis {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address)); err != nil {
			return fmt.Errorf("config: genesis alloc %d: invalid address: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("config: genesis alloc %d: invalid balance %q", i, alloc.Balance)
		}
	}
	return nil
}

// ArbiterAddress returns the decoded arbiter principal.
func (c *Config) ArbiterAddress() ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(c.Arbiter))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Bytes(), nil
}
