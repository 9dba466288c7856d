package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"bazaar/core/events"
	"bazaar/core/types"
)

var testVault = newTestAddress(0xEE)

type mockState struct {
	items    map[uint64]*Item
	count    uint64
	held     map[uint64]*big.Int
	accounts map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		items:    make(map[uint64]*Item),
		held:     make(map[uint64]*big.Int),
		accounts: make(map[[20]byte]*types.Account),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) MarketItemPut(item *Item) error {
	if item == nil {
		return fmt.Errorf("nil item")
	}
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *mockState) MarketItemGet(id uint64) (*Item, bool) {
	item, ok := m.items[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

func (m *mockState) MarketItemCount() (uint64, error) { return m.count, nil }

func (m *mockState) MarketSetItemCount(count uint64) error {
	m.count = count
	return nil
}

func (m *mockState) MarketHeldPut(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("held amount must be positive")
	}
	m.held[id] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) MarketHeldGet(id uint64) (*big.Int, bool) {
	amt, ok := m.held[id]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(amt), true
}

func (m *mockState) MarketHeldClear(id uint64) error {
	delete(m.held, id)
	return nil
}

func (m *mockState) MarketVaultAddress() ([20]byte, error) { return testVault, nil }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if acc, ok := m.accounts[key]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok && acc.Balance != nil {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

var testArbiter = newTestAddress(0xAB)

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine(testArbiter)
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

// checkCustody asserts the vault balance equals the sum of held amounts,
// which must equal the sum of prices over sold-but-undelivered items.
func checkCustody(t *testing.T, state *mockState) {
	t.Helper()
	heldSum := big.NewInt(0)
	for _, amt := range state.held {
		heldSum.Add(heldSum, amt)
	}
	if state.balance(testVault).Cmp(heldSum) != 0 {
		t.Fatalf("vault balance %s != held sum %s", state.balance(testVault), heldSum)
	}
	pending := big.NewInt(0)
	for _, item := range state.items {
		if item.Sold && !item.Delivered {
			pending.Add(pending, item.Price)
		}
	}
	if heldSum.Cmp(pending) != 0 {
		t.Fatalf("held sum %s != pending prices %s", heldSum, pending)
	}
}

func TestFreshEngineHasNoItems(t *testing.T) {
	engine := newTestEngine(newMockState())
	count, err := engine.ItemCount()
	if err != nil {
		t.Fatalf("item count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero items, got %d", count)
	}
}

func TestListItem(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)

	id, err := engine.ListItem(seller, big.NewInt(100))
	if err != nil {
		t.Fatalf("list item: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}
	count, err := engine.ItemCount()
	if err != nil {
		t.Fatalf("item count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
	item, err := engine.GetItem(1)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Seller != seller {
		t.Fatalf("unexpected seller")
	}
	if item.Price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected price %s", item.Price)
	}
	if item.Sold || item.Delivered || item.Disputed {
		t.Fatalf("fresh item must be unsold: %+v", item)
	}
	if item.ListedAt != 1_700_000_000 {
		t.Fatalf("unexpected listing time %d", item.ListedAt)
	}
}

func TestListItemRejectsNonPositivePrice(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)

	cases := []struct {
		name  string
		price *big.Int
	}{
		{"zero", big.NewInt(0)},
		{"negative", big.NewInt(-5)},
		{"nil", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.ListItem(seller, tc.price); !errors.Is(err, ErrInvalidPrice) {
				t.Fatalf("expected ErrInvalidPrice, got %v", err)
			}
		})
	}
	count, err := engine.ItemCount()
	if err != nil {
		t.Fatalf("item count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected listings must not change state, count %d", count)
	}
}

func TestListItemAssignsSequentialIDs(t *testing.T) {
	engine := newTestEngine(newMockState())
	seller := newTestAddress(0x01)
	for want := uint64(1); want <= 3; want++ {
		id, err := engine.ListItem(seller, big.NewInt(int64(want)*10))
		if err != nil {
			t.Fatalf("list %d: %v", want, err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
}

func TestPurchaseItem(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	id, err := engine.ListItem(seller, big.NewInt(100))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := engine.PurchaseItem(buyer, id, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	item, err := engine.GetItem(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !item.Sold || item.Buyer != buyer {
		t.Fatalf("item not marked sold to buyer: %+v", item)
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("buyer balance %s, want 900", got)
	}
	if got := state.balance(testVault); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault balance %s, want 100", got)
	}
	held, ok := engine.Ledger().Held(id)
	if !ok || held.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 held, got %v %v", held, ok)
	}
	checkCustody(t, state)
}

func TestPurchaseItemRejections(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	rival := newTestAddress(0x03)
	poor := newTestAddress(0x04)
	state.setBalance(buyer, 1000)
	state.setBalance(rival, 1000)
	state.setBalance(poor, 10)

	id, err := engine.ListItem(seller, big.NewInt(100))
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if err := engine.PurchaseItem(buyer, 99, big.NewInt(100)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := engine.PurchaseItem(buyer, id, big.NewInt(50)); !errors.Is(err, ErrIncorrectAmount) {
		t.Fatalf("expected ErrIncorrectAmount, got %v", err)
	}
	if err := engine.PurchaseItem(buyer, id, nil); !errors.Is(err, ErrIncorrectAmount) {
		t.Fatalf("expected ErrIncorrectAmount for nil value, got %v", err)
	}
	if err := engine.PurchaseItem(poor, id, big.NewInt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	item, _ := engine.GetItem(id)
	if item.Sold {
		t.Fatalf("rejected purchases must leave item unsold")
	}
	if got := state.balance(poor); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("rejected purchase moved funds: %s", got)
	}

	if err := engine.PurchaseItem(buyer, id, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.PurchaseItem(rival, id, big.NewInt(100)); !errors.Is(err, ErrAlreadySold) {
		t.Fatalf("expected ErrAlreadySold, got %v", err)
	}
	item, _ = engine.GetItem(id)
	if item.Buyer != buyer {
		t.Fatalf("second purchase must not change buyer")
	}
	checkCustody(t, state)
}

func TestSelfPurchaseIsPermitted(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	state.setBalance(seller, 500)

	id, err := engine.ListItem(seller, big.NewInt(200))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := engine.PurchaseItem(seller, id, big.NewInt(200)); err != nil {
		t.Fatalf("self purchase: %v", err)
	}
	item, _ := engine.GetItem(id)
	if !item.Sold || item.Buyer != seller {
		t.Fatalf("self purchase not recorded: %+v", item)
	}
	checkCustody(t, state)
}

func TestConfirmDelivery(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	id, _ := engine.ListItem(seller, big.NewInt(100))
	if err := engine.PurchaseItem(buyer, id, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.ConfirmDelivery(buyer, id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	item, _ := engine.GetItem(id)
	if !item.Delivered {
		t.Fatalf("item not delivered")
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller balance %s, want 100", got)
	}
	if got := state.balance(testVault); got.Sign() != 0 {
		t.Fatalf("vault must be empty after release, got %s", got)
	}
	if _, held := engine.Ledger().Held(id); held {
		t.Fatalf("custody record must be cleared")
	}
	checkCustody(t, state)
}

func TestConfirmDeliveryRejections(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	other := newTestAddress(0x03)
	state.setBalance(buyer, 1000)

	id, _ := engine.ListItem(seller, big.NewInt(100))
	if err := engine.ConfirmDelivery(buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm before sale: expected ErrInvalidState, got %v", err)
	}
	if err := engine.PurchaseItem(buyer, id, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.ConfirmDelivery(other, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("confirm by stranger: expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ConfirmDelivery(seller, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("confirm by seller: expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ConfirmDelivery(buyer, id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := engine.ConfirmDelivery(buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double confirm: expected ErrInvalidState, got %v", err)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller paid more than once: %s", got)
	}
	checkCustody(t, state)
}

func TestRaiseDispute(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	id, _ := engine.ListItem(seller, big.NewInt(100))
	if err := engine.RaiseDispute(buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute before sale: expected ErrInvalidState, got %v", err)
	}
	if err := engine.PurchaseItem(buyer, id, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.RaiseDispute(seller, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("dispute by seller: expected ErrUnauthorized, got %v", err)
	}
	vaultBefore := state.balance(testVault)
	if err := engine.RaiseDispute(buyer, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	item, _ := engine.GetItem(id)
	if !item.Disputed {
		t.Fatalf("item not disputed")
	}
	if state.balance(testVault).Cmp(vaultBefore) != 0 {
		t.Fatalf("dispute must not move funds")
	}
	if err := engine.RaiseDispute(buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double dispute: expected ErrInvalidState, got %v", err)
	}
	if err := engine.ConfirmDelivery(buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm while disputed: expected ErrInvalidState, got %v", err)
	}
	checkCustody(t, state)
}

func TestResolveDisputeRefundsBuyer(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	id, _ := engine.ListItem(seller, big.NewInt(100))
	mustPurchaseAndDispute(t, engine, buyer, id)

	if err := engine.ResolveDispute(buyer, id, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("resolve by non-arbiter: expected ErrUnauthorized, got %v", err)
	}
	item, _ := engine.GetItem(id)
	if !item.Disputed {
		t.Fatalf("failed resolve must leave dispute open")
	}

	if err := engine.ResolveDispute(testArbiter, id, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	item, _ = engine.GetItem(id)
	if item.Disputed {
		t.Fatalf("dispute not cleared")
	}
	if !item.Delivered {
		t.Fatalf("resolved item must reach terminal state")
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance %s, want full refund to 1000", got)
	}
	if got := state.balance(seller); got.Sign() != 0 {
		t.Fatalf("seller must receive nothing on refund, got %s", got)
	}
	checkCustody(t, state)
}

func TestResolveDisputePaysSeller(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	id, _ := engine.ListItem(seller, big.NewInt(50))
	mustPurchaseAndDispute(t, engine, buyer, id)

	if err := engine.ResolveDispute(testArbiter, id, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	item, _ := engine.GetItem(id)
	if item.Disputed || !item.Delivered {
		t.Fatalf("unexpected terminal state: %+v", item)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("seller balance %s, want 50", got)
	}
	if got := state.balance(buyer); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("buyer balance %s, want 950", got)
	}
	checkCustody(t, state)
}

func TestResolveDisputeCannotReopen(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	id, _ := engine.ListItem(seller, big.NewInt(100))
	if err := engine.ResolveDispute(testArbiter, id, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve undisputed: expected ErrInvalidState, got %v", err)
	}
	mustPurchaseAndDispute(t, engine, buyer, id)
	if err := engine.ResolveDispute(testArbiter, id, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := engine.ResolveDispute(testArbiter, id, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second resolve: expected ErrInvalidState, got %v", err)
	}
	if err := engine.RaiseDispute(buyer, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-dispute after resolve: expected ErrInvalidState, got %v", err)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller paid more than once: %s", got)
	}
	checkCustody(t, state)
}

func TestEndToEndDeliveryFlow(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 100)

	id, err := engine.ListItem(seller, big.NewInt(100))
	if err != nil || id != 1 {
		t.Fatalf("list: id=%d err=%v", id, err)
	}
	if err := engine.PurchaseItem(buyer, 1, big.NewInt(100)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.ConfirmDelivery(buyer, 1); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller balance %s, want 100", got)
	}
	for name, call := range map[string]func() error{
		"confirm": func() error { return engine.ConfirmDelivery(buyer, 1) },
		"dispute": func() error { return engine.RaiseDispute(buyer, 1) },
		"resolve": func() error { return engine.ResolveDispute(testArbiter, 1, true) },
	} {
		if err := call(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s on terminal item: expected ErrInvalidState, got %v", name, err)
		}
	}
	want := []string{EventTypeItemListed, EventTypeItemPurchased, EventTypeItemDelivered}
	got := emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	checkCustody(t, state)
}

func TestEndToEndDisputeFlow(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 50)

	id, err := engine.ListItem(seller, big.NewInt(50))
	if err != nil || id != 1 {
		t.Fatalf("list: id=%d err=%v", id, err)
	}
	if err := engine.PurchaseItem(buyer, 1, big.NewInt(50)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := engine.RaiseDispute(buyer, 1); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.ResolveDispute(testArbiter, 1, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	item, _ := engine.GetItem(1)
	if item.Disputed || !item.Delivered {
		t.Fatalf("unexpected final state: %+v", item)
	}
	if got := state.balance(seller); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("seller balance %s, want 50", got)
	}
	want := []string{EventTypeItemListed, EventTypeItemPurchased, EventTypeItemDisputed, EventTypeItemResolved}
	got := emitter.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	checkCustody(t, state)
}

func TestCustodyInvariantAcrossConcurrentListings(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyers := [][20]byte{newTestAddress(0x02), newTestAddress(0x03), newTestAddress(0x04)}
	for _, b := range buyers {
		state.setBalance(b, 10_000)
	}

	prices := []int64{100, 250, 400, 75, 900}
	for _, p := range prices {
		if _, err := engine.ListItem(seller, big.NewInt(p)); err != nil {
			t.Fatalf("list %d: %v", p, err)
		}
		checkCustody(t, state)
	}
	for i, p := range prices {
		id := uint64(i + 1)
		if err := engine.PurchaseItem(buyers[i%len(buyers)], id, big.NewInt(p)); err != nil {
			t.Fatalf("purchase %d: %v", id, err)
		}
		checkCustody(t, state)
	}
	// Mixed terminal outcomes: deliver, refund, release.
	if err := engine.ConfirmDelivery(buyers[0], 1); err != nil {
		t.Fatalf("confirm 1: %v", err)
	}
	checkCustody(t, state)
	if err := engine.RaiseDispute(buyers[1], 2); err != nil {
		t.Fatalf("dispute 2: %v", err)
	}
	checkCustody(t, state)
	if err := engine.ResolveDispute(testArbiter, 2, true); err != nil {
		t.Fatalf("resolve 2: %v", err)
	}
	checkCustody(t, state)
	if err := engine.RaiseDispute(buyers[2], 3); err != nil {
		t.Fatalf("dispute 3: %v", err)
	}
	if err := engine.ResolveDispute(testArbiter, 3, false); err != nil {
		t.Fatalf("resolve 3: %v", err)
	}
	checkCustody(t, state)
}

func TestVaultCannotActAsPrincipal(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	decoy, err := engine.ListItem(seller, big.NewInt(300))
	if err != nil {
		t.Fatalf("list decoy: %v", err)
	}
	if err := engine.PurchaseItem(buyer, decoy, big.NewInt(300)); err != nil {
		t.Fatalf("purchase decoy: %v", err)
	}

	if _, err := engine.ListItem(testVault, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for vault seller, got %v", err)
	}
	if count, _ := engine.ItemCount(); count != 1 {
		t.Fatalf("rejected listing must not assign an id, count %d", count)
	}

	id, err := engine.ListItem(seller, big.NewInt(100))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := engine.PurchaseItem(testVault, id, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for vault buyer, got %v", err)
	}

	if got := state.balance(testVault); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("vault balance %s, want 300", got)
	}
	checkCustody(t, state)
}

func TestSelfTransferKeepsBalanceIntact(t *testing.T) {
	state := newMockState()
	ledger := newLedger(state)
	addr := newTestAddress(0x07)
	state.setBalance(addr, 100)

	if err := ledger.transfer(addr, addr, big.NewInt(60)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if got := state.balance(addr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("self transfer changed balance: %s", got)
	}
	if err := ledger.transfer(addr, addr, big.NewInt(200)); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
}

func TestCustodialBalanceTracksVault(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)
	state.setBalance(buyer, 1000)

	total, err := engine.CustodialBalance()
	if err != nil {
		t.Fatalf("custodial balance: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("fresh engine custody %s, want 0", total)
	}

	id, err := engine.ListItem(seller, big.NewInt(250))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := engine.PurchaseItem(buyer, id, big.NewInt(250)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	total, err = engine.CustodialBalance()
	if err != nil {
		t.Fatalf("custodial balance: %v", err)
	}
	if total.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("custody after purchase %s, want 250", total)
	}

	if err := engine.ConfirmDelivery(buyer, id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	total, err = engine.CustodialBalance()
	if err != nil {
		t.Fatalf("custodial balance: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("custody after delivery %s, want 0", total)
	}
}

func TestReleaseWithoutCustodyIsInvariantViolation(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	err := engine.Ledger().Release(42, newTestAddress(0x01))
	if err == nil {
		t.Fatalf("expected invariant violation")
	}
	if !IsInvariantViolation(err) {
		t.Fatalf("expected invariant classification, got %v", err)
	}
}

func TestEngineWithoutStateRejectsCalls(t *testing.T) {
	engine := NewEngine(testArbiter)
	if _, err := engine.ListItem(newTestAddress(0x01), big.NewInt(1)); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
}

func mustPurchaseAndDispute(t *testing.T, engine *Engine, buyer [20]byte, id uint64) {
	t.Helper()
	item, err := engine.GetItem(id)
	if err != nil {
		t.Fatalf("get item %d: %v", id, err)
	}
	if err := engine.PurchaseItem(buyer, id, item.Price); err != nil {
		t.Fatalf("purchase %d: %v", id, err)
	}
	if err := engine.RaiseDispute(buyer, id); err != nil {
		t.Fatalf("dispute %d: %v", id, err)
	}
}
