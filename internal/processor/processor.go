// Package processor holds the entity synchronizers: one create, heal, update
// or skip state machine per entity kind, plus the engine that runs them.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"

	"github.com/shopspring/decimal"
)

// Synchronizer reconciles one local entity with its remote counterpart and
// returns the remote identifier it ends up linked to.
type Synchronizer interface {
	Kind() models.EntityKind
	Reconcile(ctx context.Context, id string) (string, error)
}

// BillingAPI is the remote surface used by the synchronizers
type BillingAPI interface {
	CreateAccount(ctx context.Context, sourceID string, p billing.AccountPayload) (string, error)
	UpdateAccount(ctx context.Context, id string, p billing.AccountPayload) error
	DeleteAccount(ctx context.Context, id string) error
	UpsertContact(ctx context.Context, sourceID string, p billing.ContactPayload) (string, error)
	ListAccountContacts(ctx context.Context, accountID string) ([]billing.RemoteContact, error)
	DeleteContact(ctx context.Context, id string) error
	CreateInvoice(ctx context.Context, sourceID string, p billing.InvoicePayload, doc billing.Document) (string, error)
	GetInvoice(ctx context.Context, id string) (*billing.RemoteInvoice, error)
	UpdateInvoicePaidAmount(ctx context.Context, id string, paid decimal.Decimal) error
	DeleteInvoice(ctx context.Context, id string) error
	CreateCreditNote(ctx context.Context, sourceID string, p billing.CreditNotePayload, doc billing.Document) (string, error)
	GetCreditNote(ctx context.Context, id string) (*billing.RemoteCreditNote, error)
	DeleteCreditNote(ctx context.Context, id string) error
	ApplyCreditAllocation(ctx context.Context, p billing.AllocationPayload) error
}

// RecordStore is the ERP side: frozen snapshots in, remote identifiers out
type RecordStore interface {
	LoadAccount(ctx context.Context, id string) (models.Account, error)
	LoadContact(ctx context.Context, id string) (models.Contact, error)
	LoadInvoice(ctx context.Context, id string) (models.Invoice, error)
	LoadCreditNote(ctx context.Context, id string) (models.CreditNote, error)
	LoadPayment(ctx context.Context, id string) (models.Payment, error)
	ContactsOfAccount(ctx context.Context, accountID string) ([]models.Contact, error)
	OpenInvoiceIDsOfAccount(ctx context.Context, accountID string) ([]string, error)
	CreditNotesOfAccount(ctx context.Context, accountID string) ([]models.CreditNote, error)
	CreditApplications(ctx context.Context, creditNoteID string) ([]models.CreditApplication, error)
	CreditApplicationsOfInvoice(ctx context.Context, invoiceID string) ([]models.CreditApplication, error)
	SubmitFields(ctx context.Context, kind models.EntityKind, id string, fields map[string]any) error
}

// DocumentSource returns the pre-rendered PDF of an invoice or credit note
type DocumentSource interface {
	Fetch(ctx context.Context, kind models.EntityKind, number string) (billing.Document, error)
}

// OpLog records remote operation attempts
type OpLog interface {
	Success(ctx context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, started time.Time)
	Failure(ctx context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, cause error, started time.Time)
	WasDeleted(ctx context.Context, kind models.EntityKind, remoteID string) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) error
}

// Deps are the collaborators shared by every synchronizer
type Deps struct {
	API    BillingAPI
	Store  RecordStore
	Docs   DocumentSource
	OpLog  OpLog
	Queue  Enqueuer
	Logger *slog.Logger

	// SandboxEmail, when set, replaces every outgoing contact email
	SandboxEmail string
}

type base struct {
	Deps
}

// track runs one remote write and records its outcome. fn returns the remote
// id the operation ended on; remoteID is what is known beforehand.
func (b *base) track(ctx context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, fn func() (string, error)) (string, error) {
	started := time.Now()
	id, err := fn()
	if err != nil {
		b.OpLog.Failure(ctx, op, kind, localID, remoteID, err, started)
		return "", err
	}
	if id == "" {
		id = remoteID
	}
	b.OpLog.Success(ctx, op, kind, localID, id, started)
	return id, nil
}

// remove deletes a remote object; an object already gone counts as deleted
func (b *base) remove(ctx context.Context, kind models.EntityKind, localID, remoteID string, del func(context.Context, string) error) error {
	_, err := b.track(ctx, models.OpDelete, kind, localID, remoteID, func() (string, error) {
		if err := del(ctx, remoteID); err != nil && !billing.IsNotFound(err) {
			return "", err
		}
		return remoteID, nil
	})
	return err
}

func (b *base) link(ctx context.Context, kind models.EntityKind, id, remoteID string) error {
	return b.Store.SubmitFields(ctx, kind, id, map[string]any{"remote_id": remoteID})
}

// unlink clears a stored remote id that no longer resolves
func (b *base) unlink(ctx context.Context, kind models.EntityKind, id, staleRemoteID string) error {
	b.Logger.Warn("Remote object is gone, clearing local reference",
		"entity_kind", kind,
		"entity_id", id,
		"remote_id", staleRemoteID,
	)
	return b.link(ctx, kind, id, "")
}

func (b *base) outgoingEmail(email string) string {
	email = strings.TrimSpace(email)
	if email != "" && b.SandboxEmail != "" {
		return b.SandboxEmail
	}
	return email
}

func isLocalNotFound(err error) bool {
	return errors.Is(err, models.ErrRecordNotFound)
}
