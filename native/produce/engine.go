package produce

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agrichain/core/events"
	"agrichain/core/types"
	"agrichain/native/common"
)

var (
	errNilState = errors.New("produce engine: state not configured")

	// ErrNotFound is returned when the product identifier has no live record.
	ErrNotFound = common.NewProtocolError(common.ReasonNotFound, "product does not exist")
)

type engineState interface {
	ProducePut(*Product) error
	ProduceGet(id types.ProductID) (*Product, bool)
	// NextProductSeq returns a monotonically increasing counter used to
	// derive fresh product identifiers.
	NextProductSeq() (uint64, error)
	// PendingQuantity reports the quantity held by the product's pending
	// transfer slot, zero when no transfer is outstanding.
	PendingQuantity(id types.ProductID) uint64
}

// Engine owns the product ledger records: creation, status updates and the
// read projection. Ownership and quantity mutations driven by transfer
// acceptance live in the transfer engine.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
	latch   common.Latch
}

// NewEngine creates a produce engine with a no-op emitter.
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
	e.emitter.Emit(produceEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func invalidArgument(detail string) error {
	return common.NewProtocolError(common.ReasonInvalidArgument, detail)
}

// DeriveID computes the identifier for a product created by owner with the
// supplied batch at counter position seq.
func DeriveID(owner types.Address, batch string, seq uint64) types.ProductID {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	var id types.ProductID
	copy(id[:], ethcrypto.Keccak256(owner[:], []byte(batch), seqBuf[:]))
	return id
}

// Create registers a new product owned by the caller.
func (e *Engine) Create(caller types.Address, batch, kind, origin string, producedAt int64, quantity uint64, price *big.Int) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return nil, err
	}
	defer e.latch.Exit()
	if caller.IsZero() {
		return nil, invalidArgument("caller address required")
	}
	if quantity == 0 {
		return nil, invalidArgument("quantity must be positive")
	}
	if price == nil || price.Sign() <= 0 {
		return nil, invalidArgument("price must be positive")
	}
	if producedAt <= 0 {
		return nil, invalidArgument("production timestamp required")
	}
	now := e.now()
	if producedAt > now {
		return nil, invalidArgument("production timestamp in the future")
	}
	seq, err := e.state.NextProductSeq()
	if err != nil {
		return nil, err
	}
	prod := &Product{
		ID:         DeriveID(caller, batch, seq),
		Batch:      batch,
		Kind:       kind,
		Origin:     origin,
		ProducedAt: producedAt,
		Quantity:   quantity,
		Owner:      caller,
		Status:     StatusRegistered,
		Price:      new(big.Int).Set(price),
		CreatedAt:  now,
	}
	sanitized, err := Sanitize(prod)
	if err != nil {
		return nil, invalidArgument(err.Error())
	}
	if existing, ok := e.state.ProduceGet(sanitized.ID); ok && existing.Exists() {
		return nil, fmt.Errorf("produce: identifier collision for %s", sanitized.ID.Hex())
	}
	if err := e.state.ProducePut(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// UpdateStatus sets the supply-chain status of a product. Only the current
// owner may call.
func (e *Engine) UpdateStatus(id types.ProductID, caller types.Address, status Status) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.latch.Enter(); err != nil {
		return err
	}
	defer e.latch.Exit()
	if !status.Valid() {
		return invalidArgument(fmt.Sprintf("invalid status %d", status))
	}
	prod, ok := e.state.ProduceGet(id)
	if !ok || !prod.Exists() {
		return ErrNotFound
	}
	if prod.Owner != caller {
		return common.NewProtocolError(common.ReasonNotOwner, "status updates require the current owner")
	}
	prod.Status = status
	if err := e.state.ProducePut(prod); err != nil {
		return err
	}
	e.emit(NewStatusChangedEvent(prod))
	return nil
}

// Get returns the read-only projection for a product, including whether a
// transfer is currently pending against it.
func (e *Engine) Get(id types.ProductID) (*Snapshot, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	prod, ok := e.state.ProduceGet(id)
	if !ok || !prod.Exists() {
		return nil, ErrNotFound
	}
	return &Snapshot{
		Product:            prod.Clone(),
		HasPendingTransfer: e.state.PendingQuantity(id) > 0,
	}, nil
}
