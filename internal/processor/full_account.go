package processor

import (
	"context"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/internal/service"
)

// FullAccountSync reconciles an account and everything billed to it. Item
// failures are recorded and queued without stopping the run; only a failure
// on the account itself aborts.
type FullAccountSync struct {
	*base
	accounts      *AccountSync
	contacts      *ContactSync
	emailContacts *EmailContactsSync
	invoices      *InvoiceSync
	creditNotes   *CreditNoteSync
	allocations   *AllocationSync
}

func (s *FullAccountSync) Kind() models.EntityKind { return models.KindFullAccount }

type fullAccountRun struct {
	s         *FullAccountSync
	accountID string
	budget    *service.Budget
	stopped   bool
	failures  int
}

func (s *FullAccountSync) Reconcile(ctx context.Context, accountID string) (string, error) {
	started := time.Now()
	budget := service.BudgetFromContext(ctx)

	remoteID, err := s.accounts.Reconcile(ctx, accountID)
	if err != nil {
		return "", err
	}
	budget.Charge(1)

	run := &fullAccountRun{s: s, accountID: accountID, budget: budget}
	l := s.Logger.With("account_id", accountID)

	contacts, err := s.Store.ContactsOfAccount(ctx, accountID)
	if err != nil {
		return remoteID, err
	}
	for _, c := range contacts {
		run.step(ctx, models.KindContact, c.ID, func() error {
			_, err := s.contacts.Reconcile(ctx, c.ID)
			return err
		})
	}

	run.step(ctx, models.KindEmailContacts, accountID, func() error {
		_, err := s.emailContacts.Reconcile(ctx, accountID)
		return err
	})

	openInvoices, err := s.Store.OpenInvoiceIDsOfAccount(ctx, accountID)
	if err != nil {
		return remoteID, err
	}
	for _, invID := range openInvoices {
		run.step(ctx, models.KindInvoice, invID, func() error {
			_, err := s.invoices.Reconcile(ctx, invID)
			return err
		})
	}

	notes, err := s.selectCreditNotes(ctx, accountID, openInvoices)
	if err != nil {
		return remoteID, err
	}
	var linked []models.CreditNote
	for _, cn := range notes {
		run.step(ctx, models.KindCreditNote, cn.ID, func() error {
			cnRemoteID, _, err := s.creditNotes.sync(ctx, cn.ID)
			if err == nil && cnRemoteID != "" {
				cn.RemoteID = cnRemoteID
				linked = append(linked, cn)
			}
			return err
		})
	}

	// every linked note is applied again so new ERP application lines reach
	// the platform; lines already applied come back as a 4xx and are skipped
	for _, cn := range linked {
		run.step(ctx, models.KindCreditAllocation, cn.ID, func() error {
			return s.allocations.apply(ctx, cn.ID, cn.RemoteID)
		})
	}

	if run.stopped {
		l.Warn("⏳ Budget exhausted during full account sync, rest is queued", "units_used", budget.Used())
		if err := s.Queue.Enqueue(ctx, models.KindFullAccount, accountID, "", models.ActionUpsert); err != nil {
			return remoteID, err
		}
		return remoteID, nil
	}

	l.Info("Full account sync finished",
		"remote_id", remoteID,
		"contacts", len(contacts),
		"open_invoices", len(openInvoices),
		"credit_notes", len(notes),
		"failures", run.failures,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return remoteID, nil
}

// step runs one item unless the budget is spent. A failure is logged,
// recorded and queued for that item alone.
func (r *fullAccountRun) step(ctx context.Context, kind models.EntityKind, id string, fn func() error) {
	if r.stopped {
		return
	}
	if r.budget.Exhausted() {
		r.stopped = true
		return
	}

	started := time.Now()
	err := fn()
	r.budget.Charge(1)
	if err == nil || isLocalNotFound(err) {
		return
	}

	r.failures++
	r.s.Logger.Warn("Full account item failed, queued for retry",
		"account_id", r.accountID,
		"entity_kind", kind,
		"entity_id", id,
		"error", err,
	)
	r.s.OpLog.Failure(ctx, models.OpSync, kind, id, "", err, started)
	if qErr := r.s.Queue.Enqueue(ctx, kind, id, "", models.ActionUpsert); qErr != nil {
		r.s.Logger.Error("CRITICAL: Failed to queue failed item", "entity_kind", kind, "entity_id", id, "error", qErr)
	}
}

// selectCreditNotes keeps open credit notes plus fully applied ones that are
// still applied to an open invoice.
func (s *FullAccountSync) selectCreditNotes(ctx context.Context, accountID string, openInvoiceIDs []string) ([]models.CreditNote, error) {
	notes, err := s.Store.CreditNotesOfAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	open := make(map[string]struct{}, len(openInvoiceIDs))
	for _, id := range openInvoiceIDs {
		open[id] = struct{}{}
	}

	var selected []models.CreditNote
	for _, cn := range notes {
		if cn.IsOpen() {
			selected = append(selected, cn)
			continue
		}
		lines, err := s.Store.CreditApplications(ctx, cn.ID)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if _, ok := open[line.InvoiceID]; ok {
				selected = append(selected, cn)
				break
			}
		}
	}
	return selected, nil
}
