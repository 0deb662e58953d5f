package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"agrichain/core/events"
	"agrichain/core/types"
	"agrichain/native/common"
)

var (
	errNilState = errors.New("registry engine: state not configured")

	// ErrInvalidIdentity is returned when the supplied participant identifier
	// does not satisfy the naming constraints.
	ErrInvalidIdentity = errors.New("registry: invalid participant identifier")
)

const (
	identityMinLength = 3
	identityMaxLength = 64
)

var identityPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

type engineState interface {
	RegistryPut(identity string, addr types.Address) error
	RegistryAddress(identity string) (types.Address, bool)
	RegistryIdentity(addr types.Address) (string, bool)
}

// Engine maintains the 1:1 bijection between off-chain participant
// identifiers and ledger signing addresses. Mappings are immutable once set;
// a mis-registration requires off-chain process correction, not a ledger fix.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine creates a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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
	e.emitter.Emit(registryEvent{evt: event})
}

// NormalizeIdentity lowercases and validates a participant identifier.
func NormalizeIdentity(identity string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(identity))
	if l := len(lower); l < identityMinLength || l > identityMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidIdentity, identityMinLength, identityMaxLength)
	}
	if !identityPattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9._-]", ErrInvalidIdentity)
	}
	return lower, nil
}

// Register binds a participant identifier to a signing address. The call
// fails when either side already holds a mapping.
func (e *Engine) Register(identity string, addr types.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	normalized, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	if _, taken := e.state.RegistryAddress(normalized); taken {
		return common.NewProtocolError(common.ReasonAlreadyRegistered, fmt.Sprintf("identifier %s already bound", normalized))
	}
	if existing, taken := e.state.RegistryIdentity(addr); taken {
		return common.NewProtocolError(common.ReasonAlreadyRegistered, fmt.Sprintf("address already bound to %s", existing))
	}
	if err := e.state.RegistryPut(normalized, addr); err != nil {
		return err
	}
	e.emit(NewRegisteredEvent(normalized, addr))
	return nil
}

// Resolve returns the signing address for a participant identifier. The zero
// address is returned when no mapping exists.
func (e *Engine) Resolve(identity string) types.Address {
	if e == nil || e.state == nil {
		return types.ZeroAddress
	}
	normalized, err := NormalizeIdentity(identity)
	if err != nil {
		return types.ZeroAddress
	}
	addr, ok := e.state.RegistryAddress(normalized)
	if !ok {
		return types.ZeroAddress
	}
	return addr
}

// Identity returns the participant identifier bound to the supplied address,
// or the empty string when the address is unregistered.
func (e *Engine) Identity(addr types.Address) string {
	if e == nil || e.state == nil {
		return ""
	}
	identity, ok := e.state.RegistryIdentity(addr)
	if !ok {
		return ""
	}
	return identity
}
