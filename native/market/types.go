package market

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidPrice rejects a listing whose price is not strictly positive.
	ErrInvalidPrice = errors.New("market: price must be above zero")
	// ErrNotFound rejects a reference to an id outside the assigned range.
	ErrNotFound = errors.New("market: item not found")
	// ErrAlreadySold rejects a purchase of an item that has already been sold.
	ErrAlreadySold = errors.New("market: item already sold")
	// ErrIncorrectAmount rejects a purchase whose attached value does not
	// exactly equal the listed price.
	ErrIncorrectAmount = errors.New("market: incorrect amount")
	// ErrUnauthorized rejects a caller that lacks the required role.
	ErrUnauthorized = errors.New("market: unauthorized")
	// ErrInvalidState rejects an operation attempted outside the required
	// lifecycle state.
	ErrInvalidState = errors.New("market: invalid state")
	// ErrInsufficientFunds rejects a purchase the buyer account cannot cover.
	ErrInsufficientFunds = errors.New("market: insufficient funds")
)

// Item is a single listing. IDs are assigned sequentially starting at 1 and
// records are never deleted; a delivered item stays readable as audit trail.
type Item struct {
	ID        uint64
	Seller    [20]byte
	Buyer     [20]byte
	Price     *big.Int
	Sold      bool
	Delivered bool
	Disputed  bool
	ListedAt  int64
}

// Clone returns a deep copy of the item so callers can safely mutate the copy
// without affecting the stored instance.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Price != nil {
		clone.Price = new(big.Int).Set(i.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// SanitizeItem validates the structural invariants of an item record and
// returns a cloned instance with a non-nil price. The original value is not
// mutated.
func SanitizeItem(i *Item) (*Item, error) {
	if i == nil {
		return nil, fmt.Errorf("nil item")
	}
	clone := i.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("item id must be positive")
	}
	if clone.Price == nil || clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("item price must be positive")
	}
	if clone.Sold == (clone.Buyer == [20]byte{}) {
		return nil, fmt.Errorf("buyer must be set exactly when item is sold")
	}
	if clone.Delivered && clone.Disputed {
		return nil, fmt.Errorf("item cannot be delivered and disputed")
	}
	if (clone.Delivered || clone.Disputed) && !clone.Sold {
		return nil, fmt.Errorf("unsold item cannot be delivered or disputed")
	}
	return clone, nil
}
