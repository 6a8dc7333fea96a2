package requirements

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgsign/services/signreqd/ledger"
)

// Kind tags the body carried by a Transaction.
type Kind string

// Built-in transaction kinds.
const (
	KindAccountCreate           Kind = "ACCOUNT_CREATE"
	KindAccountUpdate           Kind = "ACCOUNT_UPDATE"
	KindAccountDelete           Kind = "ACCOUNT_DELETE"
	KindAccountAllowanceApprove Kind = "ACCOUNT_ALLOWANCE_APPROVE"
	KindTransfer                Kind = "TRANSFER"
	KindFileCreate              Kind = "FILE_CREATE"
	KindFileUpdate              Kind = "FILE_UPDATE"
	KindFileAppend              Kind = "FILE_APPEND"
	KindFreeze                  Kind = "FREEZE"
	KindSystemDelete            Kind = "SYSTEM_DELETE"
	KindSystemUndelete          Kind = "SYSTEM_UNDELETE"
	KindNodeCreate              Kind = "NODE_CREATE"
	KindNodeUpdate              Kind = "NODE_UPDATE"
	KindNodeDelete              Kind = "NODE_DELETE"
	KindScheduleCreate          Kind = "SCHEDULE_CREATE"
)

var (
	// ErrInvalidTransaction is returned when a decoded payload is structurally unusable.
	ErrInvalidTransaction = errors.New("requirements: invalid transaction")
	// ErrUnsupportedTransactionKind is returned when no extractor is registered for a kind.
	ErrUnsupportedTransactionKind = errors.New("requirements: unsupported transaction kind")
)

// Transaction is the decoded body of an organization transaction. Exactly one
// body pointer matching Kind is expected to be set.
type Transaction struct {
	Kind       Kind             `json:"kind"`
	Payer      ledger.AccountID `json:"payer"`
	ValidStart time.Time        `json:"valid_start,omitempty"`
	Memo       string           `json:"memo,omitempty"`

	AccountCreate    *AccountCreateBody    `json:"account_create,omitempty"`
	AccountUpdate    *AccountUpdateBody    `json:"account_update,omitempty"`
	AccountDelete    *AccountDeleteBody    `json:"account_delete,omitempty"`
	AllowanceApprove *AllowanceApproveBody `json:"allowance_approve,omitempty"`
	Transfer         *TransferBody         `json:"transfer,omitempty"`
	File             *FileBody             `json:"file,omitempty"`
	Freeze           *FreezeBody           `json:"freeze,omitempty"`
	System           *SystemBody           `json:"system,omitempty"`
	NodeCreate       *NodeCreateBody       `json:"node_create,omitempty"`
	NodeUpdate       *NodeUpdateBody       `json:"node_update,omitempty"`
	NodeDelete       *NodeDeleteBody       `json:"node_delete,omitempty"`
	ScheduleCreate   *ScheduleCreateBody   `json:"schedule_create,omitempty"`
}

// AccountCreateBody creates a new account.
type AccountCreateBody struct {
	Key                       *ledger.Key `json:"key,omitempty"`
	InitialBalance            int64       `json:"initial_balance,omitempty"`
	ReceiverSignatureRequired bool        `json:"receiver_signature_required,omitempty"`
}

// AccountUpdateBody modifies an existing account, optionally rotating its key.
type AccountUpdateBody struct {
	Account                   ledger.AccountID `json:"account"`
	Key                       *ledger.Key      `json:"key,omitempty"`
	ReceiverSignatureRequired *bool            `json:"receiver_signature_required,omitempty"`
}

// AccountDeleteBody removes an account and sweeps its balance.
type AccountDeleteBody struct {
	Account         ledger.AccountID `json:"account"`
	TransferAccount ledger.AccountID `json:"transfer_account"`
}

// HbarAllowance grants a spender an hbar allowance from owner.
type HbarAllowance struct {
	Owner   ledger.AccountID `json:"owner"`
	Spender ledger.AccountID `json:"spender"`
	Amount  int64            `json:"amount"`
}

// TokenAllowance grants a spender a fungible token allowance from owner.
type TokenAllowance struct {
	TokenID string           `json:"token_id"`
	Owner   ledger.AccountID `json:"owner"`
	Spender ledger.AccountID `json:"spender"`
	Amount  int64            `json:"amount"`
}

// NFTAllowance grants a spender rights over owner's serials.
type NFTAllowance struct {
	TokenID        string           `json:"token_id"`
	Owner          ledger.AccountID `json:"owner"`
	Spender        ledger.AccountID `json:"spender"`
	Serials        []int64          `json:"serials,omitempty"`
	ApprovedForAll bool             `json:"approved_for_all,omitempty"`
}

// AllowanceApproveBody approves one or more allowances.
type AllowanceApproveBody struct {
	Hbar  []HbarAllowance  `json:"hbar,omitempty"`
	Token []TokenAllowance `json:"token,omitempty"`
	NFT   []NFTAllowance   `json:"nft,omitempty"`
}

// AccountAmount is a single signed balance adjustment. Negative amounts debit
// the account. IsApproval marks a spend against an allowance.
type AccountAmount struct {
	Account    ledger.AccountID `json:"account"`
	Amount     int64            `json:"amount"`
	IsApproval bool             `json:"is_approval,omitempty"`
}

// NFTTransfer moves a single serial between accounts.
type NFTTransfer struct {
	Sender     ledger.AccountID `json:"sender"`
	Receiver   ledger.AccountID `json:"receiver"`
	Serial     int64            `json:"serial"`
	IsApproval bool             `json:"is_approval,omitempty"`
}

// TokenTransferList groups adjustments for one token.
type TokenTransferList struct {
	TokenID   string          `json:"token_id"`
	Transfers []AccountAmount `json:"transfers,omitempty"`
	NFTs      []NFTTransfer   `json:"nfts,omitempty"`
}

// TransferBody moves hbar and tokens.
type TransferBody struct {
	Hbar   []AccountAmount     `json:"hbar,omitempty"`
	Tokens []TokenTransferList `json:"tokens,omitempty"`
}

// FileBody covers file create, update and append.
type FileBody struct {
	FileID   string          `json:"file_id,omitempty"`
	Keys     *ledger.KeyList `json:"keys,omitempty"`
	Contents ledger.HexBytes `json:"contents,omitempty"`
}

// FreezeBody schedules a network freeze or upgrade.
type FreezeBody struct {
	FreezeType string    `json:"freeze_type"`
	StartTime  time.Time `json:"start_time,omitempty"`
	FileID     string    `json:"file_id,omitempty"`
}

// SystemBody covers privileged delete and undelete of files or contracts.
type SystemBody struct {
	FileID         string    `json:"file_id,omitempty"`
	ContractID     string    `json:"contract_id,omitempty"`
	ExpirationTime time.Time `json:"expiration_time,omitempty"`
}

// NodeCreateBody adds a consensus node to the address book.
type NodeCreateBody struct {
	Account     ledger.AccountID `json:"account"`
	Description string           `json:"description,omitempty"`
	AdminKey    *ledger.Key      `json:"admin_key,omitempty"`
}

// NodeUpdateBody changes a node's address book entry.
type NodeUpdateBody struct {
	NodeID      int64            `json:"node_id"`
	Account     ledger.AccountID `json:"account"`
	Description string           `json:"description,omitempty"`
	AdminKey    *ledger.Key      `json:"admin_key,omitempty"`
}

// NodeDeleteBody removes a node from the address book.
type NodeDeleteBody struct {
	NodeID int64 `json:"node_id"`
}

// ScheduleCreateBody wraps another transaction for deferred execution.
type ScheduleCreateBody struct {
	PayerAccount ledger.AccountID `json:"payer_account"`
	AdminKey     *ledger.Key      `json:"admin_key,omitempty"`
	Memo         string           `json:"memo,omitempty"`
	Scheduled    *Transaction     `json:"scheduled,omitempty"`
}

// Decode parses a JSON encoded transaction body.
func Decode(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	tx.Kind = Kind(strings.ToUpper(strings.TrimSpace(string(tx.Kind))))
	if tx.Kind == "" {
		return nil, fmt.Errorf("%w: kind required", ErrInvalidTransaction)
	}
	if tx.Payer.IsZero() {
		return nil, fmt.Errorf("%w: payer required", ErrInvalidTransaction)
	}
	return &tx, nil
}

// Encode renders the transaction as JSON.
func (t *Transaction) Encode() ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	return json.Marshal(t)
}
