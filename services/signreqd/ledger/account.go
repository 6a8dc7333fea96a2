package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAccountID is returned when an account identifier cannot be parsed.
var ErrInvalidAccountID = errors.New("ledger: invalid account id")

// AccountID identifies a Hedera account as shard.realm.num. The zero value
// means "no account".
type AccountID struct {
	Shard int64
	Realm int64
	Num   int64
}

// ParseAccountID parses the textual shard.realm.num form. A trailing checksum
// ("0.0.100-abcde") is accepted and ignored.
func ParseAccountID(value string) (AccountID, error) {
	trimmed := strings.TrimSpace(value)
	if idx := strings.IndexByte(trimmed, '-'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return AccountID{}, fmt.Errorf("%w: %q", ErrInvalidAccountID, value)
	}
	var nums [3]int64
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return AccountID{}, fmt.Errorf("%w: %q", ErrInvalidAccountID, value)
		}
		nums[i] = n
	}
	return AccountID{Shard: nums[0], Realm: nums[1], Num: nums[2]}, nil
}

// MustAccountID parses value and panics on malformed input. Intended for
// constants and tests.
func MustAccountID(value string) AccountID {
	id, err := ParseAccountID(value)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the identifier is unset.
func (a AccountID) IsZero() bool {
	return a == AccountID{}
}

func (a AccountID) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Shard, a.Realm, a.Num)
}

// MarshalJSON encodes the identifier in its textual form. Unset identifiers
// encode as an empty string.
func (a AccountID) MarshalJSON() ([]byte, error) {
	if a.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts the textual form or an empty string.
func (a *AccountID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccountID, err)
	}
	if strings.TrimSpace(raw) == "" {
		*a = AccountID{}
		return nil
	}
	parsed, err := ParseAccountID(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
