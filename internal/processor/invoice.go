package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/internal/reconcile"
)

type InvoiceSync struct {
	*base
	accounts    *AccountSync
	allocations *AllocationSync
}

func (s *InvoiceSync) Kind() models.EntityKind { return models.KindInvoice }

func (s *InvoiceSync) Reconcile(ctx context.Context, id string) (string, error) {
	inv, err := s.Store.LoadInvoice(ctx, id)
	if err != nil {
		return "", err
	}
	accountRemoteID, err := s.accounts.ensureLinked(ctx, inv.AccountID)
	if err != nil {
		return "", err
	}

	op := models.OpCreate
	var doc *billing.Document
	if inv.RemoteID != "" {
		remote, err := s.API.GetInvoice(ctx, inv.RemoteID)
		switch {
		case billing.IsNotFound(err):
			if err := s.unlink(ctx, models.KindInvoice, id, inv.RemoteID); err != nil {
				return "", err
			}
		case err != nil:
			return "", fmt.Errorf("get invoice %s: %w", inv.RemoteID, err)
		default:
			decision := reconcile.CompareInvoice(inv, *remote)
			switch decision {
			case reconcile.Unchanged:
				s.Logger.Debug("Invoice unchanged, skipping", "entity_id", id, "remote_id", inv.RemoteID)
				return inv.RemoteID, nil
			case reconcile.PaidAmountOnly:
				return s.pushPaidAmount(ctx, inv)
			}

			// without the PDF the old copy has to stay on the platform
			if doc, err = s.document(ctx, inv); err != nil {
				return "", err
			}
			if err := s.remove(ctx, models.KindInvoice, id, inv.RemoteID, s.API.DeleteInvoice); err != nil {
				return "", fmt.Errorf("delete changed invoice %s: %w", inv.RemoteID, err)
			}
			if err := s.link(ctx, models.KindInvoice, id, ""); err != nil {
				return "", err
			}
			op = models.OpRecreate
		}
	}

	if doc == nil {
		if doc, err = s.document(ctx, inv); err != nil {
			return "", err
		}
	}
	return s.create(ctx, inv, accountRemoteID, op, *doc)
}

func (s *InvoiceSync) document(ctx context.Context, inv models.Invoice) (*billing.Document, error) {
	doc, err := s.Docs.Fetch(ctx, models.KindInvoice, inv.Number)
	if err != nil {
		return nil, fmt.Errorf("document for invoice %s: %w", inv.Number, err)
	}
	return &doc, nil
}

func (s *InvoiceSync) create(ctx context.Context, inv models.Invoice, accountRemoteID string, op models.Operation, doc billing.Document) (string, error) {
	payload := billing.InvoicePayload{
		AccountID:     accountRemoteID,
		Number:        inv.Number,
		Currency:      inv.Currency,
		PurchaseOrder: inv.PurchaseOrder,
		IssuedDate:    billing.NewDate(inv.IssuedDate),
		DueDate:       billing.NewDate(inv.DueDate),
		Total:         inv.Total,
		Tax:           inv.Tax,
		PaidAmount:    inv.PaidAmount(),
	}

	remoteID, err := s.track(ctx, op, models.KindInvoice, inv.ID, "", func() (string, error) {
		return s.API.CreateInvoice(ctx, inv.ID, payload, doc)
	})
	if err != nil {
		return "", fmt.Errorf("create invoice %s: %w", inv.ID, err)
	}
	if err := s.link(ctx, models.KindInvoice, inv.ID, remoteID); err != nil {
		return "", err
	}

	s.Logger.Info("Invoice linked", "entity_id", inv.ID, "number", inv.Number, "remote_id", remoteID, "operation", op)

	// credit notes that were waiting for this invoice can be applied now
	s.allocations.applyToInvoice(ctx, inv.ID, remoteID)

	return remoteID, nil
}

func (s *InvoiceSync) pushPaidAmount(ctx context.Context, inv models.Invoice) (string, error) {
	return s.track(ctx, models.OpPaidAmount, models.KindInvoice, inv.ID, inv.RemoteID, func() (string, error) {
		return inv.RemoteID, s.API.UpdateInvoicePaidAmount(ctx, inv.RemoteID, inv.PaidAmount())
	})
}
