package types

// Event represents a structured state change recorded by a ledger module.
// Attributes carry string-encoded payload fields so downstream indexers can
// consume them without module-specific decoding.
type Event struct {
	Type       string
	Attributes map[string]string
}
