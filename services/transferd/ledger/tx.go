package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agrichain/core/types"
	"agrichain/crypto"
)

// Call is a logical ledger operation before sequencing and signing. Params
// are string-encoded so the canonical JSON form is stable across clients.
type Call struct {
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

// Tx is the submission envelope: a call plus nonce and fee fields. The node
// rejects out-of-order or duplicate nonces per signing address.
type Tx struct {
	Nonce    uint64            `json:"nonce"`
	GasLimit uint64            `json:"gasLimit"`
	GasPrice string            `json:"gasPrice"`
	Method   string            `json:"method"`
	Params   map[string]string `json:"params"`
}

// SignedTx carries the envelope together with a recoverable signature over
// its canonical digest. The signer address is recovered node-side, so no
// explicit from field travels on the wire.
type SignedTx struct {
	Tx
	Signature string `json:"signature"`
}

// CanonicalJSON returns the deterministic encoding used for signing. Map
// keys are sorted by the encoder, so equal envelopes produce equal bytes.
func (t Tx) CanonicalJSON() ([]byte, error) {
	return json.Marshal(t)
}

// Digest returns the keccak256 hash of the canonical envelope.
func (t Tx) Digest() ([]byte, error) {
	payload, err := t.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("ledger: encode tx: %w", err)
	}
	return ethcrypto.Keccak256(payload), nil
}

// Sign produces the signed envelope for submission.
func Sign(tx Tx, key *crypto.PrivateKey) (SignedTx, error) {
	if key == nil {
		return SignedTx{}, fmt.Errorf("ledger: signing key required")
	}
	digest, err := tx.Digest()
	if err != nil {
		return SignedTx{}, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return SignedTx{}, fmt.Errorf("ledger: sign tx: %w", err)
	}
	return SignedTx{Tx: tx, Signature: "0x" + hex.EncodeToString(sig)}, nil
}

// SignerAddress recovers the submitting address from the signature.
func (s SignedTx) SignerAddress() (types.Address, error) {
	digest, err := s.Tx.Digest()
	if err != nil {
		return types.Address{}, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s.Signature, "0x"))
	if err != nil {
		return types.Address{}, fmt.Errorf("ledger: decode signature: %w", err)
	}
	return crypto.RecoverAddress(digest, raw)
}

// Hash returns the transaction hash: keccak256 over the signed payload.
func (s SignedTx) Hash() (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("ledger: encode signed tx: %w", err)
	}
	return "0x" + hex.EncodeToString(ethcrypto.Keccak256(payload)), nil
}
