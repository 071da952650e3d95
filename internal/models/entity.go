package models

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by local record stores when an entity does not exist.
var ErrRecordNotFound = errors.New("record not found")

// EntityKind identifies a family of billing entities handled by the engine.
type EntityKind string

const (
	KindAccount          EntityKind = "account"
	KindContact          EntityKind = "contact"
	KindEmailContacts    EntityKind = "email_contacts"
	KindInvoice          EntityKind = "invoice"
	KindCreditNote       EntityKind = "credit_note"
	KindCreditAllocation EntityKind = "credit_allocation"
	KindPayment          EntityKind = "payment"
	KindFullAccount      EntityKind = "full_account"
)

var knownKinds = map[EntityKind]struct{}{
	KindAccount:          {},
	KindContact:          {},
	KindEmailContacts:    {},
	KindInvoice:          {},
	KindCreditNote:       {},
	KindCreditAllocation: {},
	KindPayment:          {},
	KindFullAccount:      {},
}

func (k EntityKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// Action is what a queued or triggered sync should do with the entity.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	return a == ActionUpsert || a == ActionDelete
}
