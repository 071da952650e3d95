package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
)

// AllocationSync applies the lines of a credit note to their invoices. The
// id it reconciles is the credit note id.
type AllocationSync struct {
	*base
}

func (s *AllocationSync) Kind() models.EntityKind { return models.KindCreditAllocation }

func (s *AllocationSync) Reconcile(ctx context.Context, creditNoteID string) (string, error) {
	cn, err := s.Store.LoadCreditNote(ctx, creditNoteID)
	if err != nil {
		return "", err
	}
	if cn.RemoteID == "" {
		s.Logger.Debug("Credit note not linked yet, allocations wait for it", "entity_id", creditNoteID)
		return "", nil
	}
	return cn.RemoteID, s.apply(ctx, creditNoteID, cn.RemoteID)
}

func (s *AllocationSync) apply(ctx context.Context, creditNoteID, creditNoteRemoteID string) error {
	lines, err := s.Store.CreditApplications(ctx, creditNoteID)
	if err != nil {
		return fmt.Errorf("applications of credit note %s: %w", creditNoteID, err)
	}

	for _, line := range lines {
		inv, err := s.Store.LoadInvoice(ctx, line.InvoiceID)
		if isLocalNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if inv.RemoteID == "" {
			s.Logger.Debug("Invoice not synced yet, allocation skipped",
				"credit_note_id", creditNoteID, "invoice_id", line.InvoiceID)
			continue
		}
		if err := s.applyLine(ctx, line, creditNoteRemoteID, inv.RemoteID); err != nil {
			return err
		}
	}
	return nil
}

// applyToInvoice applies every linked credit note line targeting a freshly
// created invoice. Failures are logged only; the invoice itself is synced.
func (s *AllocationSync) applyToInvoice(ctx context.Context, invoiceID, invoiceRemoteID string) {
	lines, err := s.Store.CreditApplicationsOfInvoice(ctx, invoiceID)
	if err != nil {
		s.Logger.Warn("Could not list credit applications of invoice", "invoice_id", invoiceID, "error", err)
		return
	}

	for _, line := range lines {
		cn, err := s.Store.LoadCreditNote(ctx, line.CreditNoteID)
		if err != nil || cn.RemoteID == "" {
			continue
		}
		if err := s.applyLine(ctx, line, cn.RemoteID, invoiceRemoteID); err != nil {
			s.Logger.Warn("Allocation on new invoice failed", "invoice_id", invoiceID, "credit_note_id", line.CreditNoteID, "error", err)
		}
	}
}

// applyLine treats a 4xx as non fatal: the line is most likely applied already
func (s *AllocationSync) applyLine(ctx context.Context, line models.CreditApplication, creditNoteRemoteID, invoiceRemoteID string) error {
	payload := billing.AllocationPayload{
		CreditNoteID: creditNoteRemoteID,
		InvoiceID:    invoiceRemoteID,
		Amount:       line.Amount,
	}
	_, err := s.track(ctx, models.OpApply, models.KindCreditAllocation, line.CreditNoteID, creditNoteRemoteID, func() (string, error) {
		return creditNoteRemoteID, s.API.ApplyCreditAllocation(ctx, payload)
	})
	if err == nil {
		return nil
	}
	if billing.IsClientError(err) {
		s.Logger.Warn("Allocation rejected by billing platform, continuing",
			"credit_note_id", line.CreditNoteID,
			"invoice_id", line.InvoiceID,
			"error", err,
		)
		return nil
	}
	return fmt.Errorf("apply credit note %s to invoice %s: %w", line.CreditNoteID, line.InvoiceID, err)
}
