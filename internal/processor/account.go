package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
)

type AccountSync struct {
	*base
}

func (s *AccountSync) Kind() models.EntityKind { return models.KindAccount }

func (s *AccountSync) Reconcile(ctx context.Context, id string) (string, error) {
	acc, err := s.Store.LoadAccount(ctx, id)
	if err != nil {
		return "", err
	}
	payload := s.accountPayload(acc)

	if acc.RemoteID != "" {
		_, err := s.track(ctx, models.OpUpdate, models.KindAccount, id, acc.RemoteID, func() (string, error) {
			return acc.RemoteID, s.API.UpdateAccount(ctx, acc.RemoteID, payload)
		})
		if err == nil {
			return acc.RemoteID, nil
		}
		if !billing.IsNotFound(err) {
			return "", fmt.Errorf("update account %s: %w", id, err)
		}
		if err := s.unlink(ctx, models.KindAccount, id, acc.RemoteID); err != nil {
			return "", err
		}
	}

	remoteID, err := s.track(ctx, models.OpCreate, models.KindAccount, id, "", func() (string, error) {
		return s.API.CreateAccount(ctx, id, payload)
	})
	if err != nil {
		return "", fmt.Errorf("create account %s: %w", id, err)
	}
	if err := s.link(ctx, models.KindAccount, id, remoteID); err != nil {
		return "", err
	}

	s.Logger.Info("Account linked", "entity_id", id, "remote_id", remoteID)
	return remoteID, nil
}

// ensureLinked returns the account's remote id, creating it on demand
func (s *AccountSync) ensureLinked(ctx context.Context, accountID string) (string, error) {
	acc, err := s.Store.LoadAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("parent account %s: %w", accountID, err)
	}
	return s.ensureLinkedAccount(ctx, acc)
}

// ensureLinkedAccount is ensureLinked for an account already loaded
func (s *AccountSync) ensureLinkedAccount(ctx context.Context, acc models.Account) (string, error) {
	if acc.RemoteID != "" {
		return acc.RemoteID, nil
	}
	return s.Reconcile(ctx, acc.ID)
}

func (s *AccountSync) accountPayload(acc models.Account) billing.AccountPayload {
	p := billing.AccountPayload{
		Name:      acc.Name,
		Email:     s.outgoingEmail(acc.Email),
		Phone:     acc.Phone,
		Language:  acc.Language,
		Currency:  acc.Currency,
		VATNumber: acc.VATNumber,
	}
	if acc.Address != (models.Address{}) {
		p.Address = &billing.AddressPayload{
			Street:     acc.Address.Street,
			City:       acc.Address.City,
			PostalCode: acc.Address.PostalCode,
			Country:    acc.Address.Country,
		}
	}
	return p
}
