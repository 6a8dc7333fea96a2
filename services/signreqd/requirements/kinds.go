package requirements

import "fmt"

var builtinExtractors = map[Kind]Extractor{
	KindAccountCreate:           payerOnly,
	KindAccountUpdate:           accountUpdate,
	KindAccountDelete:           accountDelete,
	KindAccountAllowanceApprove: allowanceApprove,
	KindTransfer:                transfer,
	KindFileCreate:              fileKeys,
	KindFileUpdate:              fileKeys,
	KindFileAppend:              fileKeys,
	KindFreeze:                  payerOnly,
	KindSystemDelete:            payerOnly,
	KindSystemUndelete:          payerOnly,
	KindNodeCreate:              nodeCreate,
	KindNodeUpdate:              nodeUpdate,
	KindNodeDelete:              nodeDelete,
	KindScheduleCreate:          scheduleCreate,
}

func payerOnly(*Transaction, *References) error { return nil }

func missingBody(tx *Transaction) error {
	return fmt.Errorf("%w: %s body missing", ErrInvalidTransaction, tx.Kind)
}

func accountUpdate(tx *Transaction, refs *References) error {
	body := tx.AccountUpdate
	if body == nil {
		return missingBody(tx)
	}
	refs.AddSigning(body.Account)
	if body.Key != nil {
		for _, leaf := range body.Key.Flatten() {
			leaf := leaf
			refs.AddKey(&leaf)
		}
	}
	return nil
}

func accountDelete(tx *Transaction, refs *References) error {
	body := tx.AccountDelete
	if body == nil {
		return missingBody(tx)
	}
	refs.AddSigning(body.Account)
	return nil
}

func allowanceApprove(tx *Transaction, refs *References) error {
	body := tx.AllowanceApprove
	if body == nil {
		return missingBody(tx)
	}
	for _, a := range body.Hbar {
		refs.AddSigning(a.Owner)
	}
	for _, a := range body.Token {
		refs.AddSigning(a.Owner)
	}
	for _, a := range body.NFT {
		refs.AddSigning(a.Owner)
	}
	return nil
}

func transfer(tx *Transaction, refs *References) error {
	body := tx.Transfer
	if body == nil {
		return missingBody(tx)
	}
	adjust := func(aa AccountAmount) {
		switch {
		case aa.Amount < 0 && !aa.IsApproval:
			refs.AddSigning(aa.Account)
		case aa.Amount > 0:
			refs.AddReceiver(aa.Account)
		}
	}
	for _, aa := range body.Hbar {
		adjust(aa)
	}
	for _, list := range body.Tokens {
		for _, aa := range list.Transfers {
			adjust(aa)
		}
		for _, nft := range list.NFTs {
			if !nft.IsApproval {
				refs.AddSigning(nft.Sender)
			}
			refs.AddReceiver(nft.Receiver)
		}
	}
	return nil
}

func fileKeys(tx *Transaction, refs *References) error {
	body := tx.File
	if body == nil {
		return missingBody(tx)
	}
	if body.Keys != nil && body.Keys.Len() > 0 {
		key := body.Keys.Key()
		refs.AddKey(&key)
	}
	return nil
}

func nodeCreate(tx *Transaction, refs *References) error {
	body := tx.NodeCreate
	if body == nil {
		return missingBody(tx)
	}
	refs.AddKey(body.AdminKey)
	return nil
}

func nodeUpdate(tx *Transaction, refs *References) error {
	body := tx.NodeUpdate
	if body == nil {
		return missingBody(tx)
	}
	refs.AddKey(body.AdminKey)
	refs.AddSigning(body.Account)
	refs.SetNode(body.NodeID)
	return nil
}

func nodeDelete(tx *Transaction, refs *References) error {
	body := tx.NodeDelete
	if body == nil {
		return missingBody(tx)
	}
	refs.SetNode(body.NodeID)
	return nil
}

func scheduleCreate(tx *Transaction, refs *References) error {
	body := tx.ScheduleCreate
	if body == nil {
		return missingBody(tx)
	}
	refs.AddSigning(body.PayerAccount)
	refs.AddKey(body.AdminKey)
	return nil
}
