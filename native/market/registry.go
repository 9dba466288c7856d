package market

import (
	"fmt"
	"math/big"
)

// Registry owns the authoritative item set and sequential identifier
// assignment. All validation beyond price positivity lives in the engine;
// the internal mutators are direct field updates so the invariant checks stay
// centralized in one place.
type Registry struct {
	state engineState
}

func newRegistry(state engineState) *Registry {
	return &Registry{state: state}
}

// Create appends a new item for the seller and returns its sequential id.
func (r *Registry) Create(seller [20]byte, price *big.Int, now int64) (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	if price == nil || price.Sign() <= 0 {
		return 0, ErrInvalidPrice
	}
	count, err := r.state.MarketItemCount()
	if err != nil {
		return 0, err
	}
	id := count + 1
	item := &Item{
		ID:       id,
		Seller:   seller,
		Price:    new(big.Int).Set(price),
		ListedAt: now,
	}
	if err := r.state.MarketItemPut(item); err != nil {
		return 0, err
	}
	if err := r.state.MarketSetItemCount(id); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns a clone of the item record.
func (r *Registry) Get(id uint64) (*Item, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	item, ok := r.state.MarketItemGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return item, nil
}

// Count returns the total number of items ever listed.
func (r *Registry) Count() (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	return r.state.MarketItemCount()
}

func (r *Registry) markPurchased(id uint64, buyer [20]byte) error {
	return r.update(id, func(item *Item) {
		item.Sold = true
		item.Buyer = buyer
	})
}

func (r *Registry) markDelivered(id uint64) error {
	return r.update(id, func(item *Item) {
		item.Delivered = true
	})
}

func (r *Registry) setDisputed(id uint64, disputed bool) error {
	return r.update(id, func(item *Item) {
		item.Disputed = disputed
	})
}

func (r *Registry) update(id uint64, mutate func(*Item)) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	item, ok := r.state.MarketItemGet(id)
	if !ok {
		return fmt.Errorf("market registry: update of unknown item %d", id)
	}
	mutate(item)
	return r.state.MarketItemPut(item)
}
