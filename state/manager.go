package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bazaar/core/types"
	"bazaar/native/market"
	"bazaar/storage"
)

var (
	itemRecordPrefix  = []byte("market/item/")
	itemCountKeyBytes = []byte("market/item-count")
	heldRecordPrefix  = []byte("market/held/")
	accountPrefix     = []byte("market/account/")
	genesisMarkerKey  = []byte("market/genesis-applied")
	vaultSeed         = []byte("market/vault")
)

// Manager persists marketplace state into a key-value Database. Records are
// RLP encoded under keccak-derived keys so the layout stays stable across
// backends.
type Manager struct {
	db storage.Database
}

// NewManager wraps a Database as the engine's state backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func itemStorageKey(id uint64) []byte {
	buf := make([]byte, len(itemRecordPrefix)+8)
	copy(buf, itemRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(itemRecordPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func heldStorageKey(id uint64) []byte {
	buf := make([]byte, len(heldRecordPrefix)+8)
	copy(buf, heldRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(heldRecordPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func accountStorageKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

// storedItem is the RLP shape of an item record. Signed integers are carried
// as big.Int because RLP has no signed encoding.
type storedItem struct {
	ID        uint64
	Seller    [20]byte
	Buyer     [20]byte
	Price     *big.Int
	Sold      bool
	Delivered bool
	Disputed  bool
	ListedAt  *big.Int
}

func newStoredItem(i *market.Item) *storedItem {
	if i == nil {
		return nil
	}
	price := big.NewInt(0)
	if i.Price != nil {
		price = new(big.Int).Set(i.Price)
	}
	return &storedItem{
		ID:        i.ID,
		Seller:    i.Seller,
		Buyer:     i.Buyer,
		Price:     price,
		Sold:      i.Sold,
		Delivered: i.Delivered,
		Disputed:  i.Disputed,
		ListedAt:  big.NewInt(i.ListedAt),
	}
}

func (s *storedItem) toItem() *market.Item {
	if s == nil {
		return nil
	}
	out := &market.Item{
		ID:        s.ID,
		Seller:    s.Seller,
		Buyer:     s.Buyer,
		Price:     big.NewInt(0),
		Sold:      s.Sold,
		Delivered: s.Delivered,
		Disputed:  s.Disputed,
	}
	if s.Price != nil {
		out.Price = new(big.Int).Set(s.Price)
	}
	if s.ListedAt != nil {
		out.ListedAt = s.ListedAt.Int64()
	}
	return out
}

// MarketItemPut stores the item record.
func (m *Manager) MarketItemPut(item *market.Item) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager: database not configured")
	}
	if item == nil {
		return fmt.Errorf("state manager: nil item")
	}
	encoded, err := rlp.EncodeToBytes(newStoredItem(item))
	if err != nil {
		return fmt.Errorf("state manager: encode item %d: %w", item.ID, err)
	}
	return m.db.Put(itemStorageKey(item.ID), encoded)
}

// MarketItemGet loads a clone of the item record.
func (m *Manager) MarketItemGet(id uint64) (*market.Item, bool) {
	if m == nil || m.db == nil {
		return nil, false
	}
	raw, err := m.db.Get(itemStorageKey(id))
	if err != nil {
		return nil, false
	}
	var stored storedItem
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false
	}
	return stored.toItem(), true
}

// MarketItemCount returns the number of items ever listed.
func (m *Manager) MarketItemCount() (uint64, error) {
	if m == nil || m.db == nil {
		return 0, fmt.Errorf("state manager: database not configured")
	}
	raw, err := m.db.Get(itemCountKeyBytes)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state manager: malformed item count record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// MarketSetItemCount persists the item counter.
func (m *Manager) MarketSetItemCount(count uint64) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager: database not configured")
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return m.db.Put(itemCountKeyBytes, buf)
}

// MarketHeldPut records the amount held in custody for an item.
func (m *Manager) MarketHeldPut(id uint64, amount *big.Int) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager: database not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state manager: held amount must be positive")
	}
	return m.db.Put(heldStorageKey(id), amount.Bytes())
}

// MarketHeldGet returns the amount held for an item, if any.
func (m *Manager) MarketHeldGet(id uint64) (*big.Int, bool) {
	if m == nil || m.db == nil {
		return nil, false
	}
	raw, err := m.db.Get(heldStorageKey(id))
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	return new(big.Int).SetBytes(raw), true
}

// MarketHeldClear removes the custody record for an item. The record is
// overwritten with an empty marker rather than deleted so the Database
// interface stays append-only.
func (m *Manager) MarketHeldClear(id uint64) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager: database not configured")
	}
	return m.db.Put(heldStorageKey(id), nil)
}

// MarketVaultAddress returns the module's custody vault address, derived
// deterministically from the module seed.
func (m *Manager) MarketVaultAddress() ([20]byte, error) {
	var out [20]byte
	digest := ethcrypto.Keccak256(vaultSeed)
	copy(out[:], digest[12:])
	return out, nil
}

// GetAccount loads a clone of the account record, returning a zero-balance
// account when none exists.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state manager: database not configured")
	}
	raw, err := m.db.Get(accountStorageKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state manager: decode account: %w", err)
	}
	return stored.toAccount(), nil
}

// PutAccount stores the account record.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager: database not configured")
	}
	encoded, err := rlp.EncodeToBytes(newStoredAccount(account))
	if err != nil {
		return fmt.Errorf("state manager: encode account: %w", err)
	}
	return m.db.Put(accountStorageKey(addr), encoded)
}

// GenesisApplied reports whether genesis allocations were already seeded
// into this database. Provisioning runs exactly once per data directory.
func (m *Manager) GenesisApplied() (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state manager: database not configured")
	}
	return m.db.Has(genesisMarkerKey)
}

// SetGenesisApplied persists the one-shot provisioning marker.
func (m *Manager) SetGenesisApplied() error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state manager: database not configured")
	}
	return m.db.Put(genesisMarkerKey, []byte{1})
}

// Credit adds amount to an account balance. Used by provisioning to seed
// genesis allocations before the engine starts serving traffic.
func (m *Manager) Credit(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state manager: credit amount must be non-negative")
	}
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return m.PutAccount(addr, acc)
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func newStoredAccount(a *types.Account) *storedAccount {
	if a == nil {
		return &storedAccount{Balance: big.NewInt(0)}
	}
	balance := big.NewInt(0)
	if a.Balance != nil {
		balance = new(big.Int).Set(a.Balance)
	}
	return &storedAccount{Nonce: a.Nonce, Balance: balance}
}

func (s *storedAccount) toAccount() *types.Account {
	if s == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	out := &types.Account{Nonce: s.Nonce, Balance: big.NewInt(0)}
	if s.Balance != nil {
		out.Balance = new(big.Int).Set(s.Balance)
	}
	return out
}
