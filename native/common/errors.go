package common

import "errors"

// Reason is the machine-readable revert code carried across the ledger RPC
// boundary. Codes are stable wire values; off-chain callers match on them to
// surface actionable protocol errors verbatim.
type Reason string

const (
	ReasonInvalidArgument        Reason = "INVALID_ARGUMENT"
	ReasonNotFound               Reason = "PRODUCT_NOT_FOUND"
	ReasonNotOwner               Reason = "NOT_OWNER"
	ReasonNotRecipient           Reason = "NOT_RECIPIENT"
	ReasonNotInitiator           Reason = "NOT_INITIATOR"
	ReasonStaleTransfer          Reason = "STALE_TRANSFER"
	ReasonTransferAlreadyPending Reason = "TRANSFER_ALREADY_PENDING"
	ReasonNoPendingTransfer      Reason = "NO_PENDING_TRANSFER"
	ReasonInvalidQuantity        Reason = "INVALID_QUANTITY"
	ReasonRecipientUnregistered  Reason = "RECIPIENT_UNREGISTERED"
	ReasonSelfTransfer           Reason = "SELF_TRANSFER"
	ReasonAlreadyRegistered      Reason = "ALREADY_REGISTERED"
)

// ProtocolError is a ledger-reported revert with a stable reason code.
type ProtocolError struct {
	Code   Reason
	Detail string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

// NewProtocolError builds a revert error for the supplied reason code.
func NewProtocolError(code Reason, detail string) *ProtocolError {
	return &ProtocolError{Code: code, Detail: detail}
}

// ReasonOf extracts the revert reason from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	return "", false
}

// ReasonFromCode maps a wire code string back to a Reason, reporting whether
// the code is a known protocol revert.
func ReasonFromCode(code string) (Reason, bool) {
	switch Reason(code) {
	case ReasonInvalidArgument, ReasonNotFound, ReasonNotOwner, ReasonNotRecipient,
		ReasonNotInitiator, ReasonStaleTransfer, ReasonTransferAlreadyPending,
		ReasonNoPendingTransfer, ReasonInvalidQuantity, ReasonRecipientUnregistered,
		ReasonSelfTransfer, ReasonAlreadyRegistered:
		return Reason(code), true
	default:
		return "", false
	}
}
