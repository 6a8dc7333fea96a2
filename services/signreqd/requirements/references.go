package requirements

import "orgsign/services/signreqd/ledger"

// References lists the ledger entities a transaction depends on and the keys it
// introduces. Account lists are deduplicated and keep insertion order.
type References struct {
	SigningAccounts  []ledger.AccountID
	ReceiverAccounts []ledger.AccountID
	NewKeys          []ledger.Key
	NodeID           *int64
}

// AddSigning records an account whose current key must sign. Unset ids are ignored.
func (r *References) AddSigning(id ledger.AccountID) {
	r.SigningAccounts = appendAccount(r.SigningAccounts, id)
}

// AddReceiver records an account whose key must sign only if it requires
// receiver signatures.
func (r *References) AddReceiver(id ledger.AccountID) {
	r.ReceiverAccounts = appendAccount(r.ReceiverAccounts, id)
}

// AddKey records a key carried by the transaction body itself.
func (r *References) AddKey(key *ledger.Key) {
	if key == nil || key.IsEmpty() {
		return
	}
	r.NewKeys = append(r.NewKeys, *key)
}

// SetNode records the node whose admin key must sign.
func (r *References) SetNode(nodeID int64) {
	id := nodeID
	r.NodeID = &id
}

// Accounts returns every referenced account, signing first.
func (r References) Accounts() []ledger.AccountID {
	out := make([]ledger.AccountID, 0, len(r.SigningAccounts)+len(r.ReceiverAccounts))
	for _, id := range r.SigningAccounts {
		out = appendAccount(out, id)
	}
	for _, id := range r.ReceiverAccounts {
		out = appendAccount(out, id)
	}
	return out
}

func appendAccount(list []ledger.AccountID, id ledger.AccountID) []ledger.AccountID {
	if id.IsZero() {
		return list
	}
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
