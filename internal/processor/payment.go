package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
)

// PaymentSync pushes the paid amount of every invoice a payment touched.
// Payments themselves have no remote counterpart.
type PaymentSync struct {
	*base
	invoices *InvoiceSync
}

func (s *PaymentSync) Kind() models.EntityKind { return models.KindPayment }

func (s *PaymentSync) Reconcile(ctx context.Context, id string) (string, error) {
	payment, err := s.Store.LoadPayment(ctx, id)
	if err != nil {
		return "", err
	}

	for _, invoiceID := range payment.InvoiceIDs {
		inv, err := s.Store.LoadInvoice(ctx, invoiceID)
		if isLocalNotFound(err) {
			s.Logger.Info("Invoice of payment vanished, skipping", "payment_id", id, "invoice_id", invoiceID)
			continue
		}
		if err != nil {
			return "", err
		}

		if inv.RemoteID == "" {
			if _, err := s.invoices.Reconcile(ctx, invoiceID); err != nil {
				return "", fmt.Errorf("sync unlinked invoice %s: %w", invoiceID, err)
			}
			continue
		}

		_, err = s.invoices.pushPaidAmount(ctx, inv)
		if billing.IsNotFound(err) {
			// a paid-amount update cannot recreate the invoice
			if _, err := s.invoices.Reconcile(ctx, invoiceID); err != nil {
				return "", fmt.Errorf("resync missing invoice %s: %w", invoiceID, err)
			}
			continue
		}
		if err != nil {
			return "", fmt.Errorf("paid amount of invoice %s: %w", invoiceID, err)
		}
	}
	return "", nil
}
