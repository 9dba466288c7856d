package market

import (
	"fmt"
	"math/big"

	"bazaar/core/types"
)

// Ledger tracks which items currently have funds in custody and performs the
// only two allowed fund movements: hold into the vault on purchase and
// release out of the vault on a terminal transition. Exactly one of
// {held, released-to-seller, released-to-buyer} is ever true for a sold item.
type Ledger struct {
	state engineState
}

func newLedger(state engineState) *Ledger {
	return &Ledger{state: state}
}

// Hold moves the purchase amount from the buyer account into the module vault
// and records the custody entry for the item. The buyer balance check is an
// invariant here, not a user-facing error: the engine validates funding
// before committing the purchase.
func (l *Ledger) Hold(id uint64, buyer [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market ledger: hold amount must be positive")
	}
	if _, held := l.state.MarketHeldGet(id); held {
		return fmt.Errorf("%w: funds already held for item %d", errInvariant, id)
	}
	vault, err := l.state.MarketVaultAddress()
	if err != nil {
		return err
	}
	if err := l.transfer(buyer, vault, amount); err != nil {
		return fmt.Errorf("%w: hold for item %d: %v", errInvariant, id, err)
	}
	return l.state.MarketHeldPut(id, amount)
}

// Release moves the held amount for the item from the vault to the recipient
// and clears the custody entry. It must be called at most once per item; the
// engine commits the item's terminal flags before invoking it, so a reentrant
// call observes the item as already resolved.
func (l *Ledger) Release(id uint64, recipient [20]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amount, held := l.state.MarketHeldGet(id)
	if !held {
		return fmt.Errorf("%w: no funds held for item %d", errInvariant, id)
	}
	vault, err := l.state.MarketVaultAddress()
	if err != nil {
		return err
	}
	if err := l.transfer(vault, recipient, amount); err != nil {
		return fmt.Errorf("%w: release for item %d: %v", errInvariant, id, err)
	}
	return l.state.MarketHeldClear(id)
}

// Held returns the amount currently in custody for the item, if any.
func (l *Ledger) Held(id uint64) (*big.Int, bool) {
	if l == nil || l.state == nil {
		return nil, false
	}
	return l.state.MarketHeldGet(id)
}

// CanFund reports whether the account can cover the amount. Used by the
// engine during precondition evaluation, before any mutation.
func (l *Ledger) CanFund(addr [20]byte, amount *big.Int) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	acc, err := l.state.GetAccount(addr[:])
	if err != nil {
		return false, err
	}
	acc = ensureAccount(acc)
	return acc.Balance.Cmp(amount) >= 0, nil
}

func (l *Ledger) transfer(from, to [20]byte, amount *big.Int) error {
	amt := new(big.Int).Set(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("market ledger: negative transfer amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	if from == to {
		// A self-transfer moves nothing but must still satisfy the
		// sufficiency check. Loading the account twice and writing both
		// records back would let the credit clobber the debit.
		acc, err := l.state.GetAccount(from[:])
		if err != nil {
			return err
		}
		acc = ensureAccount(acc)
		if acc.Balance.Cmp(amt) < 0 {
			return fmt.Errorf("market ledger: insufficient balance")
		}
		return nil
	}
	fromAcc, err := l.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := l.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("market ledger: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := l.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return l.state.PutAccount(to[:], toAcc)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
