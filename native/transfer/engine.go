package transfer

import (
	"errors"
	"fmt"
	"time"

	"agrichain/core/events"
	"agrichain/core/types"
	"agrichain/native/common"
	"agrichain/native/produce"
)

var errNilState = errors.New("transfer engine: state not configured")

// Protocol reverts surfaced by the state machine. The reason codes are wire
// values consumed verbatim by off-chain callers.
var (
	ErrNotOwner               = common.NewProtocolError(common.ReasonNotOwner, "caller is not the product owner")
	ErrNotRecipient           = common.NewProtocolError(common.ReasonNotRecipient, "caller is not the recorded recipient")
	ErrNotInitiator           = common.NewProtocolError(common.ReasonNotInitiator, "caller does not match the initiating participant")
	ErrStaleTransfer          = common.NewProtocolError(common.ReasonStaleTransfer, "product owner changed since initiation")
	ErrTransferAlreadyPending = common.NewProtocolError(common.ReasonTransferAlreadyPending, "a transfer is already pending for this product")
	ErrNoPendingTransfer      = common.NewProtocolError(common.ReasonNoPendingTransfer, "no pending transfer for this product")
	ErrInvalidQuantity        = common.NewProtocolError(common.ReasonInvalidQuantity, "requested quantity exceeds available product quantity")
	ErrRecipientUnregistered  = common.NewProtocolError(common.ReasonRecipientUnregistered, "recipient identifier is not registered")
	ErrSelfTransfer           = common.NewProtocolError(common.ReasonSelfTransfer, "cannot transfer to self")
)

type engineState interface {
	TransferPut(*Pending) error
	TransferGet(id types.ProductID) (*Pending, bool)
	TransferClear(id types.ProductID) error
	ProducePut(*produce.Product) error
	ProduceGet(id types.ProductID) (*produce.Product, bool)
	NextProductSeq() (uint64, error)
	RegistryAddress(identity string) (types.Address, bool)
	RegistryIdentity(addr types.Address) (string, bool)
}

// Engine governs the pending-transfer state machine: NoTransfer → Pending →
// {Accepted, Cancelled}. Accepted is terminal and immediately clears the slot
// so a fresh transfer may be initiated for the same product.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
	latch   common.Latch
}

// NewEngine creates a transfer engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(transferEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadProduct(id types.ProductID) (*produce.Product, error) {
	prod, ok := e.state.ProduceGet(id)
	if !ok || !prod.Exists() {
		return nil, produce.ErrNotFound
	}
	return prod, nil
}

// Pending returns the open transfer slot for the product, or nil when none.
func (e *Engine) Pending(id types.ProductID) *Pending {
	if e == nil || e.state == nil {
		return nil
	}
	pending, ok := e.state.TransferGet(id)
	if !ok || !pending.Open() {
		return nil
	}
	return pending.Clone()
}

// Initiate opens the pending slot for a product. The caller must be the
// current owner, the recipient identifier must resolve through the registry,
// and the requested quantity must fit within the product quantity.
func (e *Engine) Initiate(id types.ProductID, caller types.Address, recipientIdentity string, quantity uint64) (*Pending, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return nil, err
	}
	defer e.latch.Exit()

	prod, err := e.loadProduct(id)
	if err != nil {
		return nil, err
	}
	if prod.Owner != caller {
		return nil, ErrNotOwner
	}
	recipient, ok := e.state.RegistryAddress(recipientIdentity)
	if !ok || recipient.IsZero() {
		return nil, ErrRecipientUnregistered
	}
	if recipient == caller {
		return nil, ErrSelfTransfer
	}
	if quantity == 0 || quantity > prod.Quantity {
		return nil, ErrInvalidQuantity
	}
	if existing, ok := e.state.TransferGet(id); ok && existing.Open() {
		return nil, ErrTransferAlreadyPending
	}
	pending := &Pending{
		ProductID: id,
		Initiator: caller,
		Recipient: recipient,
		Quantity:  quantity,
		CreatedAt: e.now(),
	}
	sanitized, err := Sanitize(pending)
	if err != nil {
		return nil, common.NewProtocolError(common.ReasonInvalidArgument, err.Error())
	}
	if err := e.state.TransferPut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewInitiatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Accept settles the pending transfer in favour of the recorded recipient.
// When the recorded quantity equals the product quantity, ownership of the
// record moves wholesale. When it is smaller, a fragment product is minted
// for the recipient and the original quantity is reduced, so one logical
// batch may fragment into multiple product identifiers over its lifetime.
func (e *Engine) Accept(id types.ProductID, caller types.Address) (*Outcome, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return nil, err
	}
	defer e.latch.Exit()

	pending, ok := e.state.TransferGet(id)
	if !ok || !pending.Open() {
		return nil, ErrNoPendingTransfer
	}
	if pending.Recipient != caller {
		return nil, ErrNotRecipient
	}
	prod, err := e.loadProduct(id)
	if err != nil {
		return nil, err
	}
	// Ownership may have moved underneath the pending slot, e.g. through a
	// direct owner re-point. Refuse rather than transfer on behalf of the
	// new owner.
	if prod.Owner != pending.Initiator {
		return nil, ErrStaleTransfer
	}
	// The product quantity may have shrunk since initiation.
	if pending.Quantity > prod.Quantity {
		return nil, ErrInvalidQuantity
	}

	outcome := &Outcome{Product: id, Quantity: pending.Quantity}
	previousOwner := prod.Owner
	if pending.Quantity == prod.Quantity {
		outcome.Full = true
		prod.Owner = pending.Recipient
		if err := e.state.ProducePut(prod); err != nil {
			return nil, err
		}
	} else {
		seq, err := e.state.NextProductSeq()
		if err != nil {
			return nil, err
		}
		fragment := prod.Clone()
		fragment.ID = produce.DeriveID(pending.Recipient, prod.Batch, seq)
		fragment.Quantity = pending.Quantity
		fragment.Owner = pending.Recipient
		fragment.CreatedAt = e.now()
		if err := e.state.ProducePut(fragment); err != nil {
			return nil, err
		}
		prod.Quantity -= pending.Quantity
		if err := e.state.ProducePut(prod); err != nil {
			return nil, err
		}
		outcome.Fragment = fragment.ID
		e.emit(produce.NewCreatedEvent(fragment))
	}
	if err := e.state.TransferClear(id); err != nil {
		return nil, err
	}
	e.emit(NewAcceptedEvent(pending, outcome))
	e.emit(NewOwnershipChangedEvent(id, previousOwner, pending.Recipient, outcome))
	return outcome, nil
}

// Cancel clears the pending slot. The caller must resolve to the same
// participant identifier as the initiator; comparing identities rather than
// raw addresses lets the initiator cancel even after its address was
// re-pointed. The ledger performs no quantity bookkeeping here: restoring
// any off-chain reservation is the reconciliation layer's job.
func (e *Engine) Cancel(id types.ProductID, caller types.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()

	pending, ok := e.state.TransferGet(id)
	if !ok || !pending.Open() {
		return ErrNoPendingTransfer
	}
	callerIdentity, ok := e.state.RegistryIdentity(caller)
	if !ok {
		return ErrNotInitiator
	}
	initiatorIdentity, ok := e.state.RegistryIdentity(pending.Initiator)
	if !ok || callerIdentity != initiatorIdentity {
		return ErrNotInitiator
	}
	if err := e.state.TransferClear(id); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(pending))
	return nil
}

// String renders the outcome for logs.
func (o *Outcome) String() string {
	if o == nil {
		return "<nil>"
	}
	if o.Full {
		return fmt.Sprintf("full transfer of %d units on %s", o.Quantity, o.Product.Hex())
	}
	return fmt.Sprintf("partial transfer of %d units on %s (fragment %s)", o.Quantity, o.Product.Hex(), o.Fragment.Hex())
}
