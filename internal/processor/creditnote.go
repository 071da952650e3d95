package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/internal/reconcile"
)

type CreditNoteSync struct {
	*base
	accounts    *AccountSync
	allocations *AllocationSync
}

func (s *CreditNoteSync) Kind() models.EntityKind { return models.KindCreditNote }

// Reconcile syncs the credit note and, when it had to be (re)created,
// applies its allocations again.
func (s *CreditNoteSync) Reconcile(ctx context.Context, id string) (string, error) {
	remoteID, created, err := s.sync(ctx, id)
	if err != nil {
		return "", err
	}
	if created {
		if err := s.allocations.apply(ctx, id, remoteID); err != nil {
			return remoteID, err
		}
	}
	return remoteID, nil
}

// sync reports whether a new remote credit note was created
func (s *CreditNoteSync) sync(ctx context.Context, id string) (string, bool, error) {
	cn, err := s.Store.LoadCreditNote(ctx, id)
	if err != nil {
		return "", false, err
	}
	accountRemoteID, err := s.accounts.ensureLinked(ctx, cn.AccountID)
	if err != nil {
		return "", false, err
	}

	op := models.OpCreate
	var doc *billing.Document
	if cn.RemoteID != "" {
		remote, err := s.API.GetCreditNote(ctx, cn.RemoteID)
		switch {
		case billing.IsNotFound(err):
			if err := s.unlink(ctx, models.KindCreditNote, id, cn.RemoteID); err != nil {
				return "", false, err
			}
		case err != nil:
			return "", false, fmt.Errorf("get credit note %s: %w", cn.RemoteID, err)
		default:
			if reconcile.CompareCreditNote(cn, *remote) == reconcile.Unchanged {
				s.Logger.Debug("Credit note unchanged, skipping", "entity_id", id, "remote_id", cn.RemoteID)
				return cn.RemoteID, false, nil
			}
			// without the PDF the old copy has to stay on the platform
			if doc, err = s.document(ctx, cn); err != nil {
				return "", false, err
			}
			if err := s.remove(ctx, models.KindCreditNote, id, cn.RemoteID, s.API.DeleteCreditNote); err != nil {
				return "", false, fmt.Errorf("delete changed credit note %s: %w", cn.RemoteID, err)
			}
			if err := s.link(ctx, models.KindCreditNote, id, ""); err != nil {
				return "", false, err
			}
			op = models.OpRecreate
		}
	}

	if doc == nil {
		if doc, err = s.document(ctx, cn); err != nil {
			return "", false, err
		}
	}

	payload := billing.CreditNotePayload{
		AccountID:  accountRemoteID,
		Number:     cn.Number,
		Currency:   cn.Currency,
		IssuedDate: billing.NewDate(cn.IssuedDate),
		Total:      cn.Total,
		Tax:        cn.Tax,
	}

	remoteID, err := s.track(ctx, op, models.KindCreditNote, id, "", func() (string, error) {
		return s.API.CreateCreditNote(ctx, id, payload, *doc)
	})
	if err != nil {
		return "", false, fmt.Errorf("create credit note %s: %w", id, err)
	}
	if err := s.link(ctx, models.KindCreditNote, id, remoteID); err != nil {
		return "", false, err
	}

	s.Logger.Info("Credit note linked", "entity_id", id, "number", cn.Number, "remote_id", remoteID, "operation", op)
	return remoteID, true, nil
}

func (s *CreditNoteSync) document(ctx context.Context, cn models.CreditNote) (*billing.Document, error) {
	doc, err := s.Docs.Fetch(ctx, models.KindCreditNote, cn.Number)
	if err != nil {
		return nil, fmt.Errorf("document for credit note %s: %w", cn.Number, err)
	}
	return &doc, nil
}
