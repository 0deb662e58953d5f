package transfer

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"agrichain/core/events"
	"agrichain/core/types"
	"agrichain/native/common"
	"agrichain/native/produce"
)

type mockState struct {
	products   map[types.ProductID]*produce.Product
	pendings   map[types.ProductID]*Pending
	byIdentity map[string]types.Address
	byAddress  map[types.Address]string
	seq        uint64
}

func newMockState() *mockState {
	return &mockState{
		products:   make(map[types.ProductID]*produce.Product),
		pendings:   make(map[types.ProductID]*Pending),
		byIdentity: make(map[string]types.Address),
		byAddress:  make(map[types.Address]string),
	}
}

func (m *mockState) TransferPut(p *Pending) error {
	sanitized, err := Sanitize(p)
	if err != nil {
		return err
	}
	m.pendings[sanitized.ProductID] = sanitized.Clone()
	return nil
}

func (m *mockState) TransferGet(id types.ProductID) (*Pending, bool) {
	pending, ok := m.pendings[id]
	if !ok {
		return nil, false
	}
	return pending.Clone(), true
}

func (m *mockState) TransferClear(id types.ProductID) error {
	delete(m.pendings, id)
	return nil
}

func (m *mockState) ProducePut(p *produce.Product) error {
	sanitized, err := produce.Sanitize(p)
	if err != nil {
		return err
	}
	m.products[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) ProduceGet(id types.ProductID) (*produce.Product, bool) {
	prod, ok := m.products[id]
	if !ok {
		return nil, false
	}
	return prod.Clone(), true
}

func (m *mockState) NextProductSeq() (uint64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockState) RegistryAddress(identity string) (types.Address, bool) {
	addr, ok := m.byIdentity[identity]
	return addr, ok
}

func (m *mockState) RegistryIdentity(addr types.Address) (string, bool) {
	identity, ok := m.byAddress[addr]
	return identity, ok
}

func (m *mockState) register(identity string, addr types.Address) {
	m.byIdentity[identity] = addr
	m.byAddress[addr] = identity
}

func newTestAddress(fill byte) types.Address {
	var addr types.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *mockState) {
	t.Helper()
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state
}

func seedProduct(t *testing.T, state *mockState, owner types.Address, quantity uint64) types.ProductID {
	t.Helper()
	seq, _ := state.NextProductSeq()
	prod := &produce.Product{
		ID:         produce.DeriveID(owner, "LOT-7", seq),
		Batch:      "LOT-7",
		Kind:       "arabica",
		Origin:     "huila",
		ProducedAt: 1_690_000_000,
		Quantity:   quantity,
		Owner:      owner,
		Status:     produce.StatusHarvested,
		Price:      big.NewInt(250),
		CreatedAt:  1_690_000_100,
	}
	if err := state.ProducePut(prod); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return prod.ID
}

func TestInitiateValidations(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	cases := []struct {
		name      string
		caller    types.Address
		recipient string
		quantity  uint64
		want      error
	}{
		{"not owner", stranger, "dist.andes", 10, ErrNotOwner},
		{"unregistered recipient", owner, "nobody.here", 10, ErrRecipientUnregistered},
		{"self transfer", owner, "farm.huila", 10, ErrSelfTransfer},
		{"zero quantity", owner, "dist.andes", 0, ErrInvalidQuantity},
		{"quantity above stock", owner, "dist.andes", 101, ErrInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.Initiate(id, tc.caller, tc.recipient, tc.quantity); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := engine.Initiate(id, owner, "dist.andes", 10); !errors.Is(err, ErrTransferAlreadyPending) {
		t.Fatalf("expected ErrTransferAlreadyPending, got %v", err)
	}
}

func TestInitiateMissingProduct(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	state.register("dist.andes", newTestAddress(0x02))
	var missing types.ProductID
	missing[0] = 0xFF
	_, err := engine.Initiate(missing, owner, "dist.andes", 1)
	reason, ok := common.ReasonOf(err)
	if !ok || reason != common.ReasonNotFound {
		t.Fatalf("expected PRODUCT_NOT_FOUND, got %v", err)
	}
}

func TestAcceptFullTransfer(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Initiate(id, owner, "dist.andes", 100); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	outcome, err := engine.Accept(id, recipient)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !outcome.Full {
		t.Fatalf("expected full transfer outcome")
	}
	if !outcome.Fragment.IsZero() {
		t.Fatalf("full transfer must not mint a fragment")
	}
	prod, _ := state.ProduceGet(id)
	if prod.Owner != recipient {
		t.Fatalf("owner not transferred")
	}
	if prod.Quantity != 100 {
		t.Fatalf("quantity changed on full transfer: %d", prod.Quantity)
	}
	if pending := engine.Pending(id); pending != nil {
		t.Fatalf("pending slot not cleared")
	}
}

func TestAcceptPartialTransferSplits(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	outcome, err := engine.Accept(id, recipient)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if outcome.Full {
		t.Fatalf("expected partial outcome")
	}
	if outcome.Fragment.IsZero() {
		t.Fatalf("partial transfer must mint a fragment")
	}
	original, _ := state.ProduceGet(id)
	fragment, ok := state.ProduceGet(outcome.Fragment)
	if !ok {
		t.Fatalf("fragment record missing")
	}
	if original.Quantity != 60 {
		t.Fatalf("original quantity = %d, want 60", original.Quantity)
	}
	if fragment.Quantity != 40 {
		t.Fatalf("fragment quantity = %d, want 40", fragment.Quantity)
	}
	if original.Quantity+fragment.Quantity != 100 {
		t.Fatalf("sum invariant broken: %d + %d", original.Quantity, fragment.Quantity)
	}
	if original.Owner != owner {
		t.Fatalf("original owner must be unchanged on partial transfer")
	}
	if fragment.Owner != recipient {
		t.Fatalf("fragment owner = %s, want recipient", fragment.Owner.Hex())
	}
	if fragment.Batch != original.Batch || fragment.Kind != original.Kind || fragment.Origin != original.Origin {
		t.Fatalf("fragment must copy batch metadata")
	}
	if fragment.Price.Cmp(original.Price) != 0 {
		t.Fatalf("fragment must copy price")
	}
	if pending := engine.Pending(id); pending != nil {
		t.Fatalf("pending slot not cleared")
	}
	// The slot is free again: a second transfer for the remainder works.
	if _, err := engine.Initiate(id, owner, "dist.andes", 60); err != nil {
		t.Fatalf("re-initiate after settle: %v", err)
	}
}

func TestAcceptGuards(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Accept(id, recipient); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer, got %v", err)
	}
	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := engine.Accept(id, stranger); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected ErrNotRecipient, got %v", err)
	}
}

func TestAcceptStaleAfterOwnerRepoint(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	newOwner := newTestAddress(0x04)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	// Ownership moves underneath the pending slot.
	prod, _ := state.ProduceGet(id)
	prod.Owner = newOwner
	if err := state.ProducePut(prod); err != nil {
		t.Fatalf("repoint owner: %v", err)
	}
	if _, err := engine.Accept(id, recipient); !errors.Is(err, ErrStaleTransfer) {
		t.Fatalf("expected ErrStaleTransfer, got %v", err)
	}
}

func TestAcceptQuantityShrunkSinceInitiation(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Initiate(id, owner, "dist.andes", 80); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	prod, _ := state.ProduceGet(id)
	prod.Quantity = 50
	if err := state.ProducePut(prod); err != nil {
		t.Fatalf("shrink quantity: %v", err)
	}
	if _, err := engine.Accept(id, recipient); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestCancelComparesIdentities(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	state.register("ret.bogota", stranger)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := engine.Cancel(id, stranger); !errors.Is(err, ErrNotInitiator) {
		t.Fatalf("expected ErrNotInitiator, got %v", err)
	}
	// Re-point the initiator identity to a new address; cancel from the new
	// address still succeeds because identities are compared, not addresses.
	rotated := newTestAddress(0x05)
	state.byIdentity["farm.huila"] = rotated
	state.byAddress[rotated] = "farm.huila"
	if err := engine.Cancel(id, rotated); err != nil {
		t.Fatalf("cancel after address rotation: %v", err)
	}
	if pending := engine.Pending(id); pending != nil {
		t.Fatalf("pending slot not cleared")
	}
	// Ledger-side quantity is untouched by cancellation.
	prod, _ := state.ProduceGet(id)
	if prod.Quantity != 100 {
		t.Fatalf("cancel must not touch product quantity, got %d", prod.Quantity)
	}
	if err := engine.Cancel(id, rotated); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer on second cancel, got %v", err)
	}
}

func TestCancelUnregisteredCaller(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := engine.Cancel(id, newTestAddress(0x09)); !errors.Is(err, ErrNotInitiator) {
		t.Fatalf("expected ErrNotInitiator for unregistered caller, got %v", err)
	}
}

func TestAcceptEmitsEvents(t *testing.T) {
	engine, state := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	state.register("farm.huila", owner)
	state.register("dist.andes", recipient)
	id := seedProduct(t, state, owner, 100)

	var captured []string
	engine.SetEmitter(emitterFunc(func(eventType string) {
		captured = append(captured, eventType)
	}))

	if _, err := engine.Initiate(id, owner, "dist.andes", 40); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := engine.Accept(id, recipient); err != nil {
		t.Fatalf("accept: %v", err)
	}
	want := []string{
		EventTypeInitiated,
		produce.EventTypeCreated,
		EventTypeAccepted,
		EventTypeOwnershipChanged,
	}
	if len(captured) != len(want) {
		t.Fatalf("captured %v, want %v", captured, want)
	}
	for i := range want {
		if captured[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, captured[i], want[i])
		}
	}
}

type emitterFunc func(eventType string)

func (f emitterFunc) Emit(evt events.Event) { f(evt.EventType()) }
