package ledger

// ProductState mirrors the JSON returned by the ledger node for produce_get.
type ProductState struct {
	ID                 string `json:"id"`
	Batch              string `json:"batch"`
	Kind               string `json:"kind"`
	Origin             string `json:"origin"`
	ProducedAt         int64  `json:"producedAt"`
	Quantity           uint64 `json:"quantity"`
	Owner              string `json:"owner"`
	Status             string `json:"status"`
	Price              string `json:"price"`
	HasPendingTransfer bool   `json:"hasPendingTransfer"`
}

// PendingState mirrors the node response for the open transfer slot of a
// product.
type PendingState struct {
	ProductID string `json:"productId"`
	Initiator string `json:"initiator"`
	Recipient string `json:"recipient"`
	Quantity  uint64 `json:"quantity"`
	CreatedAt int64  `json:"createdAt"`
}

// Receipt statuses reported by the node once a transaction is included.
const (
	ReceiptSuccess  = "success"
	ReceiptReverted = "reverted"
)

// Receipt is the inclusion result for a submitted transaction. RevertReason
// carries the machine-readable protocol code when Status is reverted. Logs
// hold the events emitted during execution, which callers use to discover
// state minted by the call (e.g. a fragment product identifier).
type Receipt struct {
	TxHash       string  `json:"txHash"`
	Status       string  `json:"status"`
	RevertReason string  `json:"revertReason,omitempty"`
	Height       uint64  `json:"height"`
	Logs         []Event `json:"logs,omitempty"`
}

// Event represents an emitted ledger event returned by the node.
type Event struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Height     uint64            `json:"height"`
	TxHash     string            `json:"txHash"`
	Timestamp  int64             `json:"timestamp"`
}
