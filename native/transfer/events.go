package transfer

import (
	"strconv"

	"agrichain/core/types"
)

const (
	EventTypeInitiated        = "transfer.initiated"
	EventTypeAccepted         = "transfer.accepted"
	EventTypeOwnershipChanged = "transfer.ownership_changed"
	EventTypeCancelled        = "transfer.cancelled"
)

type transferEvent struct {
	evt *types.Event
}

func (e transferEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e transferEvent) Event() *types.Event { return e.evt }

// NewInitiatedEvent returns the canonical payload for a freshly opened slot.
func NewInitiatedEvent(p *Pending) *types.Event {
	return &types.Event{
		Type:       EventTypeInitiated,
		Attributes: pendingAttributes(p),
	}
}

// NewAcceptedEvent returns the payload emitted when a transfer settles.
func NewAcceptedEvent(p *Pending, outcome *Outcome) *types.Event {
	attrs := pendingAttributes(p)
	if outcome != nil {
		attrs["full"] = strconv.FormatBool(outcome.Full)
		if !outcome.Fragment.IsZero() {
			attrs["fragmentId"] = outcome.Fragment.Hex()
		}
	}
	return &types.Event{Type: EventTypeAccepted, Attributes: attrs}
}

// NewOwnershipChangedEvent records the owner movement caused by acceptance.
// On the partial path the original record keeps its owner and the new owner
// applies to the fragment.
func NewOwnershipChangedEvent(id types.ProductID, previous, next types.Address, outcome *Outcome) *types.Event {
	attrs := map[string]string{
		"productId":     id.Hex(),
		"previousOwner": previous.Hex(),
		"newOwner":      next.Hex(),
	}
	if outcome != nil {
		attrs["quantity"] = strconv.FormatUint(outcome.Quantity, 10)
		attrs["full"] = strconv.FormatBool(outcome.Full)
		if !outcome.Fragment.IsZero() {
			attrs["fragmentId"] = outcome.Fragment.Hex()
		}
	}
	return &types.Event{Type: EventTypeOwnershipChanged, Attributes: attrs}
}

// NewCancelledEvent returns the payload emitted when the initiator cancels.
func NewCancelledEvent(p *Pending) *types.Event {
	return &types.Event{
		Type:       EventTypeCancelled,
		Attributes: pendingAttributes(p),
	}
}

func pendingAttributes(p *Pending) map[string]string {
	attrs := make(map[string]string)
	if p == nil {
		return attrs
	}
	attrs["productId"] = p.ProductID.Hex()
	attrs["initiator"] = p.Initiator.Hex()
	attrs["recipient"] = p.Recipient.Hex()
	attrs["quantity"] = strconv.FormatUint(p.Quantity, 10)
	attrs["createdAt"] = strconv.FormatInt(p.CreatedAt, 10)
	return attrs
}
