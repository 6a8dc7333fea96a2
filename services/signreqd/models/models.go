package models

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"orgsign/services/signreqd/ledger"
)

// ErrNoKey is returned when a cached entity has no key recorded.
var ErrNoKey = errors.New("models: no key recorded")

// TransactionStatus represents a state in the approval workflow.
type TransactionStatus string

// All workflow states.
const (
	StatusNew                  TransactionStatus = "NEW"
	StatusCanceled             TransactionStatus = "CANCELED"
	StatusRejected             TransactionStatus = "REJECTED"
	StatusWaitingForSignatures TransactionStatus = "WAITING_FOR_SIGNATURES"
	StatusWaitingForExecution  TransactionStatus = "WAITING_FOR_EXECUTION"
	StatusExecuted             TransactionStatus = "EXECUTED"
	StatusFailed               TransactionStatus = "FAILED"
	StatusExpired              TransactionStatus = "EXPIRED"
	StatusArchived             TransactionStatus = "ARCHIVED"
)

// ActiveStatuses are the states in which a transaction still needs signing
// requirement data.
var ActiveStatuses = []TransactionStatus{StatusWaitingForSignatures, StatusWaitingForExecution}

// IsActive reports whether the status is one of ActiveStatuses.
func (s TransactionStatus) IsActive() bool {
	for _, active := range ActiveStatuses {
		if s == active {
			return true
		}
	}
	return false
}

// Transaction is the minimal projection of a workflow transaction this service reads.
type Transaction struct {
	ID        uint64            `gorm:"primaryKey;autoIncrement"`
	Network   string            `gorm:"size:64;index"`
	Status    TransactionStatus `gorm:"size:32;index"`
	Kind      string            `gorm:"size:64"`
	Body      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CachedAccount is the last observed state of a ledger account.
// LastCheckedAt is only set when a refresh stored state; ClaimedAt records the
// most recent refresh attempt.
type CachedAccount struct {
	ID                        uint64     `gorm:"primaryKey;autoIncrement"`
	Network                   string     `gorm:"size:64;not null;uniqueIndex:idx_cached_accounts_network_account"`
	AccountID                 string     `gorm:"size:64;not null;uniqueIndex:idx_cached_accounts_network_account"`
	EncodedKey                []byte
	ReceiverSignatureRequired bool       `gorm:"not null;default:false"`
	LastCheckedAt             *time.Time `gorm:"index"`
	ClaimedAt                 *time.Time
	RefreshToken              *string    `gorm:"size:64;index"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Key decodes the cached account key.
func (a *CachedAccount) Key() (ledger.Key, error) {
	return decodeKey(a.EncodedKey)
}

// CachedNode is the last observed state of a consensus node.
type CachedNode struct {
	ID              uint64     `gorm:"primaryKey;autoIncrement"`
	Network         string     `gorm:"size:64;not null;uniqueIndex:idx_cached_nodes_network_node"`
	NodeID          int64      `gorm:"not null;uniqueIndex:idx_cached_nodes_network_node"`
	NodeAccountID   string     `gorm:"size:64"`
	EncodedAdminKey []byte
	LastCheckedAt   *time.Time `gorm:"index"`
	ClaimedAt       *time.Time
	RefreshToken    *string    `gorm:"size:64;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AdminKey decodes the cached node admin key.
func (n *CachedNode) AdminKey() (ledger.Key, error) {
	return decodeKey(n.EncodedAdminKey)
}

// TransactionCachedAccount links a transaction to an account it references.
type TransactionCachedAccount struct {
	TransactionID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	CachedAccountID uint64 `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt       time.Time
}

// TransactionCachedNode links a transaction to a node it references.
type TransactionCachedNode struct {
	TransactionID uint64 `gorm:"primaryKey;autoIncrement:false"`
	CachedNodeID  uint64 `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt     time.Time
}

func decodeKey(encoded []byte) (ledger.Key, error) {
	if len(encoded) == 0 {
		return ledger.Key{}, ErrNoKey
	}
	key, err := ledger.UnmarshalProto(encoded)
	if err != nil {
		return ledger.Key{}, err
	}
	if key.IsEmpty() {
		return ledger.Key{}, ErrNoKey
	}
	return key, nil
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Transaction{},
		&CachedAccount{},
		&CachedNode{},
		&TransactionCachedAccount{},
		&TransactionCachedNode{},
	)
}
