package market

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"bazaar/core/events"
	"bazaar/core/types"
)

var (
	errNilState = errors.New("market engine: state not configured")
	// errInvariant marks a custody-invariant violation. It is unreachable
	// through any valid external call sequence and indicates a bug in the
	// engine rather than a user-input error.
	errInvariant = errors.New("market engine: custody invariant violated")
)

// IsInvariantViolation reports whether an error is a fatal custody-invariant
// failure rather than an ordinary precondition rejection.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, errInvariant)
}

type engineState interface {
	MarketItemPut(*Item) error
	MarketItemGet(id uint64) (*Item, bool)
	MarketItemCount() (uint64, error)
	MarketSetItemCount(count uint64) error
	MarketHeldPut(id uint64, amount *big.Int) error
	MarketHeldGet(id uint64) (*big.Int, bool)
	MarketHeldClear(id uint64) error
	MarketVaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine is the marketplace state machine and the sole entry point for
// external callers. It validates caller identity and item state, then drives
// the registry and the escrow ledger through the transition, in that order:
// registry state is committed before any outbound fund movement so a
// reentrant call always observes the item in its post-transition state.
//
// Writes within a transition are sequential puts; the backing store must not
// fail a put after accepting the transition's first write, or a partial state
// persists.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	registry *Registry
	ledger   *Ledger
	access   *AccessControl
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates a marketplace engine with the provisioned arbiter and a
// no-op event emitter. Callers wire a state backend via SetState before use.
func NewEngine(arbiter [20]byte) *Engine {
	return &Engine{
		access:  NewAccessControl(arbiter),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine and its
// components.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.registry = newRegistry(state)
	e.ledger = newLedger(state)
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily so tests can supply
// deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Registry exposes the item registry for read-side collaborators.
func (e *Engine) Registry() *Registry { return e.registry }

// Ledger exposes the escrow ledger for read-side collaborators.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Access exposes the role table.
func (e *Engine) Access() *AccessControl { return e.access }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.registry == nil || e.ledger == nil {
		return errNilState
	}
	return nil
}

// guardPrincipal rejects the module vault address acting as a market
// principal. Custody accounting requires the vault to never appear on either
// side of a listing.
func (e *Engine) guardPrincipal(addr [20]byte) error {
	vault, err := e.state.MarketVaultAddress()
	if err != nil {
		return err
	}
	if addr == vault {
		return ErrUnauthorized
	}
	return nil
}

// ListItem creates a new listing for the caller and returns its id. The
// caller must not be the module vault and the price must be positive.
func (e *Engine) ListItem(caller [20]byte, price *big.Int) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardPrincipal(caller); err != nil {
		return 0, err
	}
	id, err := e.registry.Create(caller, price, e.now())
	if err != nil {
		return 0, err
	}
	item, err := e.registry.Get(id)
	if err != nil {
		return 0, err
	}
	e.emit(NewListedEvent(item))
	return id, nil
}

// PurchaseItem marks the item sold to the caller and moves the price into
// custody. The attached value must equal the price exactly and the caller
// must not be the module vault. Self-purchase is permitted; the lifecycle
// does not forbid a seller buying their own listing.
func (e *Engine) PurchaseItem(caller [20]byte, id uint64, paid *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardPrincipal(caller); err != nil {
		return err
	}
	item, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if item.Sold {
		return ErrAlreadySold
	}
	if paid == nil || paid.Cmp(item.Price) != 0 {
		return ErrIncorrectAmount
	}
	funded, err := e.ledger.CanFund(caller, item.Price)
	if err != nil {
		return err
	}
	if !funded {
		return ErrInsufficientFunds
	}
	if err := e.registry.markPurchased(id, caller); err != nil {
		return err
	}
	if err := e.ledger.Hold(id, caller, item.Price); err != nil {
		return err
	}
	purchased, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.emit(NewPurchasedEvent(purchased))
	return nil
}

// ConfirmDelivery releases the held funds to the seller once the buyer
// confirms receipt. The item state is committed before the fund movement.
func (e *Engine) ConfirmDelivery(caller [20]byte, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if !item.Sold || item.Delivered || item.Disputed {
		return ErrInvalidState
	}
	if caller != item.Buyer {
		return ErrUnauthorized
	}
	if err := e.registry.markDelivered(id); err != nil {
		return err
	}
	if err := e.ledger.Release(id, item.Seller); err != nil {
		return err
	}
	delivered, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(delivered))
	return nil
}

// RaiseDispute flags the item as disputed. Only the buyer may raise a
// dispute, and only while the item is sold but not yet delivered. No funds
// move.
func (e *Engine) RaiseDispute(caller [20]byte, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if !item.Sold || item.Delivered || item.Disputed {
		return ErrInvalidState
	}
	if caller != item.Buyer {
		return ErrUnauthorized
	}
	if err := e.registry.setDisputed(id, true); err != nil {
		return err
	}
	disputed, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.emit(NewDisputedEvent(disputed))
	return nil
}

// ResolveDispute settles a disputed item by arbiter ruling: a full refund to
// the buyer or a full release to the seller. Either way the item reaches its
// terminal delivered state, so a resolved dispute can never be reopened.
func (e *Engine) ResolveDispute(caller [20]byte, id uint64, refundBuyer bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if !e.access.IsArbiter(caller) {
		return ErrUnauthorized
	}
	if !item.Disputed {
		return ErrInvalidState
	}
	if err := e.registry.setDisputed(id, false); err != nil {
		return err
	}
	if err := e.registry.markDelivered(id); err != nil {
		return err
	}
	recipient := item.Seller
	outcome := "release"
	if refundBuyer {
		recipient = item.Buyer
		outcome = "refund"
	}
	if err := e.ledger.Release(id, recipient); err != nil {
		return err
	}
	resolved, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.emit(NewResolvedEvent(resolved, outcome))
	return nil
}

// ItemCount returns the total number of items ever listed.
func (e *Engine) ItemCount() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Count()
}

// GetItem returns the full item record for the id.
func (e *Engine) GetItem(id uint64) (*Item, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Get(id)
}

// CustodialBalance returns the total amount currently held in the escrow
// vault.
func (e *Engine) CustodialBalance() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vault, err := e.state.MarketVaultAddress()
	if err != nil {
		return nil, err
	}
	acc, err := e.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	acc = ensureAccount(acc)
	return new(big.Int).Set(acc.Balance), nil
}

// BalanceOf returns the native balance of an account.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	acc = ensureAccount(acc)
	return new(big.Int).Set(acc.Balance), nil
}
