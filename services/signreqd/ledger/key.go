package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// ErrInvalidKey is returned for malformed or unsupported key material.
var ErrInvalidKey = errors.New("ledger: invalid key")

const (
	ecdsaCompressedLen   = 33
	ecdsaUncompressedLen = 65
)

// HexBytes is a byte slice that encodes as lowercase hex in JSON.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler. A "0x" prefix is tolerated.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decode hex: %w", err)
	}
	*h = decoded
	return nil
}

// Key is a Hedera key tree. Exactly one field is populated on a valid key.
type Key struct {
	Ed25519        HexBytes `json:"ed25519,omitempty"`
	ECDSASecp256k1 HexBytes `json:"ecdsa_secp256k1,omitempty"`
	List           *KeyList `json:"key_list,omitempty"`
}

// KeyList groups child keys. A zero Threshold requires every child; otherwise
// at least Threshold children must be satisfied.
type KeyList struct {
	Threshold uint32 `json:"threshold,omitempty"`
	Keys      []Key  `json:"keys"`
}

// Ed25519Key wraps a raw 32 byte ed25519 public key.
func Ed25519Key(pub []byte) (Key, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Key{}, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(pub))
	}
	return Key{Ed25519: append(HexBytes(nil), pub...)}, nil
}

// ECDSAKey wraps a secp256k1 public key. Uncompressed keys are converted to the
// 33 byte compressed form used on the ledger.
func ECDSAKey(pub []byte) (Key, error) {
	switch len(pub) {
	case ecdsaCompressedLen:
		if _, err := crypto.DecompressPubkey(pub); err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return Key{ECDSASecp256k1: append(HexBytes(nil), pub...)}, nil
	case ecdsaUncompressedLen:
		parsed, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return Key{ECDSASecp256k1: crypto.CompressPubkey(parsed)}, nil
	default:
		return Key{}, fmt.Errorf("%w: secp256k1 key has unexpected length %d", ErrInvalidKey, len(pub))
	}
}

// NewKeyList builds a list key. threshold 0 requires all children.
func NewKeyList(threshold uint32, keys ...Key) Key {
	return Key{List: &KeyList{Threshold: threshold, Keys: append([]Key(nil), keys...)}}
}

// IsEmpty reports whether no key material is set.
func (k Key) IsEmpty() bool {
	return len(k.Ed25519) == 0 && len(k.ECDSASecp256k1) == 0 && k.List == nil
}

// IsPrimitive reports whether the key is a single public key.
func (k Key) IsPrimitive() bool {
	return k.List == nil && (len(k.Ed25519) > 0 || len(k.ECDSASecp256k1) > 0)
}

// Validate checks the key tree for structural consistency.
func (k Key) Validate() error {
	return k.validate(0)
}

func (k Key) validate(depth int) error {
	if depth > maxKeyDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidKey, maxKeyDepth)
	}
	set := 0
	if len(k.Ed25519) > 0 {
		set++
		if len(k.Ed25519) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 key must be %d bytes", ErrInvalidKey, ed25519.PublicKeySize)
		}
	}
	if len(k.ECDSASecp256k1) > 0 {
		set++
		if len(k.ECDSASecp256k1) != ecdsaCompressedLen {
			return fmt.Errorf("%w: secp256k1 key must be compressed", ErrInvalidKey)
		}
	}
	if k.List != nil {
		set++
		if int(k.List.Threshold) > len(k.List.Keys) {
			return fmt.Errorf("%w: threshold %d exceeds %d keys", ErrInvalidKey, k.List.Threshold, len(k.List.Keys))
		}
		for _, child := range k.List.Keys {
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one key variant must be set", ErrInvalidKey)
	}
	return nil
}

// Flatten returns every primitive key in the tree, depth first.
func (k Key) Flatten() []Key {
	if k.List == nil {
		if k.IsEmpty() {
			return nil
		}
		return []Key{k}
	}
	out := make([]Key, 0, len(k.List.Keys))
	for _, child := range k.List.Keys {
		out = append(out, child.Flatten()...)
	}
	return out
}

// Fingerprint is the blake3-256 digest of the canonical protobuf encoding.
func (k Key) Fingerprint() [32]byte {
	return blake3.Sum256(k.MarshalProto())
}

// Equal compares two key trees structurally.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k.MarshalProto(), other.MarshalProto())
}

// SatisfiedBy reports whether the supplied public keys satisfy the tree.
func (k Key) SatisfiedBy(signers [][]byte) bool {
	set := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		set[string(s)] = struct{}{}
	}
	return k.satisfied(set)
}

func (k Key) satisfied(signers map[string]struct{}) bool {
	switch {
	case len(k.Ed25519) > 0:
		_, ok := signers[string(k.Ed25519)]
		return ok
	case len(k.ECDSASecp256k1) > 0:
		_, ok := signers[string(k.ECDSASecp256k1)]
		return ok
	case k.List != nil:
		return k.List.satisfied(signers)
	default:
		return false
	}
}

// String renders a compact human readable form.
func (k Key) String() string {
	switch {
	case len(k.Ed25519) > 0:
		return "ed25519:" + hex.EncodeToString(k.Ed25519)
	case len(k.ECDSASecp256k1) > 0:
		return "ecdsa_secp256k1:" + hex.EncodeToString(k.ECDSASecp256k1)
	case k.List != nil:
		return k.List.String()
	default:
		return "<empty>"
	}
}

// Len returns the number of direct children.
func (l *KeyList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Keys)
}

// Contains reports whether an identical key is already a direct child.
func (l *KeyList) Contains(key Key) bool {
	if l == nil {
		return false
	}
	fp := key.Fingerprint()
	for _, existing := range l.Keys {
		if existing.Fingerprint() == fp {
			return true
		}
	}
	return false
}

// Add appends key unless it is empty or already present. It reports whether
// the list changed.
func (l *KeyList) Add(key Key) bool {
	if key.IsEmpty() || l.Contains(key) {
		return false
	}
	l.Keys = append(l.Keys, key)
	return true
}

// Key wraps the list as a Key.
func (l KeyList) Key() Key {
	copied := l
	copied.Keys = append([]Key(nil), l.Keys...)
	return Key{List: &copied}
}

// SatisfiedBy reports whether the supplied public keys satisfy the list.
func (l KeyList) SatisfiedBy(signers [][]byte) bool {
	return l.Key().SatisfiedBy(signers)
}

func (l *KeyList) satisfied(signers map[string]struct{}) bool {
	required := len(l.Keys)
	if l.Threshold > 0 {
		required = int(l.Threshold)
	}
	met := 0
	for _, child := range l.Keys {
		if child.satisfied(signers) {
			met++
			if met >= required {
				return true
			}
		}
	}
	return met >= required
}

func (l *KeyList) String() string {
	parts := make([]string, 0, len(l.Keys))
	for _, child := range l.Keys {
		parts = append(parts, child.String())
	}
	if l.Threshold > 0 {
		return fmt.Sprintf("threshold(%d/%d)[%s]", l.Threshold, len(l.Keys), strings.Join(parts, ", "))
	}
	return "all[" + strings.Join(parts, ", ") + "]"
}
