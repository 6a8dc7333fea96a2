package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testEd25519(t *testing.T, seed byte) Key {
	t.Helper()
	key, err := Ed25519Key(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("ed25519 key: %v", err)
	}
	return key
}

func TestKeyProtoRoundTripNested(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	ecdsa, err := ECDSAKey(crypto.FromECDSAPub(&priv.PublicKey))
	require.NoError(t, err)
	require.Len(t, ecdsa.ECDSASecp256k1, 33)

	tree := NewKeyList(0,
		testEd25519(t, 1),
		NewKeyList(2, testEd25519(t, 2), testEd25519(t, 3), ecdsa),
	)
	require.NoError(t, tree.Validate())

	decoded, err := UnmarshalProto(tree.MarshalProto())
	require.NoError(t, err)
	require.True(t, tree.Equal(decoded))
	require.Equal(t, uint32(2), decoded.List.Keys[1].List.Threshold)
	require.Equal(t, tree.Fingerprint(), decoded.Fingerprint())
}

func TestUnmarshalProtoRejectsContractKeys(t *testing.T) {
	// field 1 (contractID), empty message
	_, err := UnmarshalProto([]byte{0x0a, 0x00})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestUnmarshalProtoTruncated(t *testing.T) {
	encoded := testEd25519(t, 9).MarshalProto()
	if _, err := UnmarshalProto(encoded[:len(encoded)-4]); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for truncated input, got %v", err)
	}
}

func TestUnmarshalProtoRejectsOversizedThreshold(t *testing.T) {
	var list []byte
	list = protowire.AppendTag(list, fieldKeyListKeys, protowire.BytesType)
	list = protowire.AppendBytes(list, testEd25519(t, 1).MarshalProto())

	var threshold []byte
	threshold = protowire.AppendTag(threshold, fieldThresholdValue, protowire.VarintType)
	threshold = protowire.AppendVarint(threshold, 1<<32+1)
	threshold = protowire.AppendTag(threshold, fieldThresholdKeys, protowire.BytesType)
	threshold = protowire.AppendBytes(threshold, list)

	var key []byte
	key = protowire.AppendTag(key, fieldKeyThreshold, protowire.BytesType)
	key = protowire.AppendBytes(key, threshold)

	_, err := UnmarshalProto(key)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseMirrorKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 32)

	key, err := ParseMirrorKey(MirrorKeyEd25519, hex.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, HexBytes(raw), key.Ed25519)

	der := append(mustHex("302a300506032b6570032100"), raw...)
	key, err = ParseMirrorKey(MirrorKeyEd25519, hex.EncodeToString(der))
	require.NoError(t, err)
	require.Equal(t, HexBytes(raw), key.Ed25519)

	list := NewKeyList(1, testEd25519(t, 4), testEd25519(t, 5))
	key, err = ParseMirrorKey(MirrorKeyProtobuf, hex.EncodeToString(list.MarshalProto()))
	require.NoError(t, err)
	require.True(t, key.Equal(list))

	_, err = ParseMirrorKey("RSA_3072", "00")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestECDSAKeyRejectsGarbage(t *testing.T) {
	if _, err := ECDSAKey(bytes.Repeat([]byte{0xff}, 33)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestKeySatisfiedBy(t *testing.T) {
	a, b, c := testEd25519(t, 1), testEd25519(t, 2), testEd25519(t, 3)
	threshold := NewKeyList(2, a, b, c)
	all := NewKeyList(0, a, threshold)

	cases := []struct {
		name    string
		signers [][]byte
		want    bool
	}{
		{"none", nil, false},
		{"only outer", [][]byte{a.Ed25519}, false},
		{"outer plus one of threshold", [][]byte{a.Ed25519, b.Ed25519}, true},
		{"threshold without outer", [][]byte{b.Ed25519, c.Ed25519}, false},
	}
	for _, tc := range cases {
		if got := all.SatisfiedBy(tc.signers); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestKeyListAddDeduplicates(t *testing.T) {
	list := &KeyList{}
	if !list.Add(testEd25519(t, 1)) {
		t.Fatalf("expected first add to succeed")
	}
	if list.Add(testEd25519(t, 1)) {
		t.Fatalf("expected duplicate add to be ignored")
	}
	if list.Add(Key{}) {
		t.Fatalf("expected empty key to be ignored")
	}
	if list.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", list.Len())
	}
}

func TestFlatten(t *testing.T) {
	a, b, c := testEd25519(t, 1), testEd25519(t, 2), testEd25519(t, 3)
	tree := NewKeyList(1, a, NewKeyList(0, b, c))
	flat := tree.Flatten()
	require.Len(t, flat, 3)
	for _, k := range flat {
		require.True(t, k.IsPrimitive())
	}
}

func TestKeyJSONUsesHex(t *testing.T) {
	key := testEd25519(t, 0xab)
	data, err := json.Marshal(key)
	require.NoError(t, err)
	require.Contains(t, string(data), hex.EncodeToString(key.Ed25519))

	var decoded Key
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, key.Equal(decoded))
}

func TestValidateThresholdBounds(t *testing.T) {
	bad := NewKeyList(3, testEd25519(t, 1), testEd25519(t, 2))
	require.ErrorIs(t, bad.Validate(), ErrInvalidKey)
}
