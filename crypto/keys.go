package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"

	"agrichain/core/types"
)

// AddressPrefix is the human-readable prefix used when rendering signing
// addresses for operators.
const AddressPrefix = "agri"

// PrivateKey wraps a secp256k1 private key used to sign ledger transactions.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps the corresponding public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey produces a fresh secp256k1 key pair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes restores a key from its 32-byte scalar encoding.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the public half of the key pair.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the 20-byte ledger address for the key.
func (k *PublicKey) Address() types.Address {
	var addr types.Address
	copy(addr[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return addr
}

// Sign produces a 65-byte recoverable signature over the supplied 32-byte
// digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the signing address for a 65-byte recoverable
// signature over digest.
func RecoverAddress(digest, sig []byte) (types.Address, error) {
	var addr types.Address
	if len(digest) != 32 {
		return addr, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return addr, fmt.Errorf("crypto: recover signer: %w", err)
	}
	copy(addr[:], crypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}

// EncodeAddress renders an address with the human-readable bech32 prefix.
func EncodeAddress(addr types.Address) string {
	conv, err := bech32.ConvertBits(addr[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeAddress parses a bech32-rendered address back into its byte form.
func DecodeAddress(s string) (types.Address, error) {
	var addr types.Address
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return addr, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return addr, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return addr, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes long", len(addr))
	}
	copy(addr[:], conv)
	return addr, nil
}
