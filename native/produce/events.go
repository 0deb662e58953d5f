package produce

import (
	"strconv"

	"agrichain/core/types"
)

const (
	EventTypeCreated       = "produce.created"
	EventTypeStatusChanged = "produce.status_changed"
)

type produceEvent struct {
	evt *types.Event
}

func (e produceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e produceEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical payload for a newly created product,
// including fragments minted by partial transfer acceptance.
func NewCreatedEvent(p *Product) *types.Event {
	return newProduceEvent(EventTypeCreated, p)
}

// NewStatusChangedEvent returns the canonical payload emitted when the owner
// advances the supply-chain status.
func NewStatusChangedEvent(p *Product) *types.Event {
	return newProduceEvent(EventTypeStatusChanged, p)
}

func newProduceEvent(eventType string, p *Product) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(p)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = sanitized.ID.Hex()
	attrs["batch"] = sanitized.Batch
	attrs["kind"] = sanitized.Kind
	attrs["origin"] = sanitized.Origin
	attrs["owner"] = sanitized.Owner.Hex()
	attrs["quantity"] = strconv.FormatUint(sanitized.Quantity, 10)
	attrs["status"] = sanitized.Status.String()
	attrs["price"] = sanitized.Price.String()
	attrs["producedAt"] = strconv.FormatInt(sanitized.ProducedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
