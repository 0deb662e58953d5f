package registry

import "agrichain/core/types"

// EventTypeRegistered is emitted once per identifier/address binding and is
// consumed by off-chain indexers building participant mirrors.
const EventTypeRegistered = "registry.registered"

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// NewRegisteredEvent returns the canonical payload for a new binding.
func NewRegisteredEvent(identity string, addr types.Address) *types.Event {
	return &types.Event{
		Type: EventTypeRegistered,
		Attributes: map[string]string{
			"identity": identity,
			"address":  addr.Hex(),
		},
	}
}
