package ledger

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the ledger's Key, ThresholdKey and KeyList messages.
const (
	fieldKeyEd25519        protowire.Number = 2
	fieldKeyThreshold      protowire.Number = 5
	fieldKeyList           protowire.Number = 6
	fieldKeyECDSASecp256k1 protowire.Number = 7

	fieldThresholdValue protowire.Number = 1
	fieldThresholdKeys  protowire.Number = 2

	fieldKeyListKeys protowire.Number = 1

	maxKeyDepth = 32
)

// MarshalProto encodes the key as a ledger Key protobuf message. Empty keys
// encode to an empty message.
func (k Key) MarshalProto() []byte {
	return k.appendProto(nil)
}

func (k Key) appendProto(b []byte) []byte {
	switch {
	case len(k.Ed25519) > 0:
		b = protowire.AppendTag(b, fieldKeyEd25519, protowire.BytesType)
		b = protowire.AppendBytes(b, k.Ed25519)
	case len(k.ECDSASecp256k1) > 0:
		b = protowire.AppendTag(b, fieldKeyECDSASecp256k1, protowire.BytesType)
		b = protowire.AppendBytes(b, k.ECDSASecp256k1)
	case k.List != nil:
		list := appendKeyList(nil, k.List.Keys)
		if k.List.Threshold > 0 {
			var threshold []byte
			threshold = protowire.AppendTag(threshold, fieldThresholdValue, protowire.VarintType)
			threshold = protowire.AppendVarint(threshold, uint64(k.List.Threshold))
			threshold = protowire.AppendTag(threshold, fieldThresholdKeys, protowire.BytesType)
			threshold = protowire.AppendBytes(threshold, list)
			b = protowire.AppendTag(b, fieldKeyThreshold, protowire.BytesType)
			b = protowire.AppendBytes(b, threshold)
		} else {
			b = protowire.AppendTag(b, fieldKeyList, protowire.BytesType)
			b = protowire.AppendBytes(b, list)
		}
	}
	return b
}

func appendKeyList(b []byte, keys []Key) []byte {
	for _, child := range keys {
		b = protowire.AppendTag(b, fieldKeyListKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, child.MarshalProto())
	}
	return b
}

// UnmarshalProto decodes a ledger Key protobuf message. Contract and legacy
// RSA/ECDSA-384 keys are rejected with ErrInvalidKey.
func UnmarshalProto(data []byte) (Key, error) {
	return decodeKey(data, 0)
}

func decodeKey(data []byte, depth int) (Key, error) {
	if depth > maxKeyDepth {
		return Key{}, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidKey, maxKeyDepth)
	}
	var key Key
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldKeyEd25519 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			key = Key{Ed25519: append(HexBytes(nil), v...)}
			data = data[m:]
		case num == fieldKeyECDSASecp256k1 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			key = Key{ECDSASecp256k1: append(HexBytes(nil), v...)}
			data = data[m:]
		case num == fieldKeyList && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			children, err := decodeKeyList(v, depth+1)
			if err != nil {
				return Key{}, err
			}
			key = Key{List: &KeyList{Keys: children}}
			data = data[m:]
		case num == fieldKeyThreshold && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			list, err := decodeThresholdKey(v, depth+1)
			if err != nil {
				return Key{}, err
			}
			key = Key{List: list}
			data = data[m:]
		case num >= 1 && num <= 8:
			return Key{}, fmt.Errorf("%w: unsupported key variant %d", ErrInvalidKey, num)
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return key, nil
}

func decodeThresholdKey(data []byte, depth int) (*KeyList, error) {
	list := &KeyList{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldThresholdValue && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			if v > math.MaxUint32 {
				return nil, fmt.Errorf("%w: threshold %d out of range", ErrInvalidKey, v)
			}
			list.Threshold = uint32(v)
			data = data[m:]
		case num == fieldThresholdKeys && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			children, err := decodeKeyList(v, depth+1)
			if err != nil {
				return nil, err
			}
			list.Keys = children
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return list, nil
}

func decodeKeyList(data []byte, depth int) ([]Key, error) {
	keys := make([]Key, 0)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(n))
		}
		data = data[n:]
		if num != fieldKeyListKeys || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, protowire.ParseError(m))
		}
		child, err := decodeKey(v, depth)
		if err != nil {
			return nil, err
		}
		keys = append(keys, child)
		data = data[m:]
	}
	return keys, nil
}

// DER prefixes the mirror may put in front of raw public keys.
var (
	ed25519DERPrefix = mustHex("302a300506032b6570032100")
	ecdsaDERPrefix   = mustHex("302d300706052b8104000a032200")
)

// Key type labels reported by the mirror REST API.
const (
	MirrorKeyEd25519  = "ED25519"
	MirrorKeyECDSA    = "ECDSA_SECP256K1"
	MirrorKeyProtobuf = "ProtobufEncoded"
)

// ParseMirrorKey decodes a key as returned by the mirror REST API
// ({"_type": ..., "key": hex}).
func ParseMirrorKey(kind, value string) (Key, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return Key{}, fmt.Errorf("%w: decode hex: %v", ErrInvalidKey, err)
	}
	switch strings.TrimSpace(kind) {
	case MirrorKeyEd25519:
		return Ed25519Key(trimPrefix(raw, ed25519DERPrefix))
	case MirrorKeyECDSA:
		return ECDSAKey(trimPrefix(raw, ecdsaDERPrefix))
	case MirrorKeyProtobuf:
		key, err := UnmarshalProto(raw)
		if err != nil {
			return Key{}, err
		}
		if err := key.Validate(); err != nil {
			return Key{}, err
		}
		return key, nil
	default:
		return Key{}, fmt.Errorf("%w: unsupported mirror key type %q", ErrInvalidKey, kind)
	}
}

func trimPrefix(raw, prefix []byte) []byte {
	if len(raw) > len(prefix) && string(raw[:len(prefix)]) == string(prefix) {
		return raw[len(prefix):]
	}
	return raw
}

func mustHex(value string) []byte {
	out, err := hex.DecodeString(value)
	if err != nil {
		panic(err)
	}
	return out
}
