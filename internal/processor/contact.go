package processor

import (
	"context"
	"fmt"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
)

// ContactSync pushes ERP contacts through the platform's upsert endpoint,
// which does the matching (email, then name, else create).
type ContactSync struct {
	*base
	accounts *AccountSync
}

func (s *ContactSync) Kind() models.EntityKind { return models.KindContact }

func (s *ContactSync) Reconcile(ctx context.Context, id string) (string, error) {
	contact, err := s.Store.LoadContact(ctx, id)
	if err != nil {
		return "", err
	}

	accountRemoteID, err := s.accounts.ensureLinked(ctx, contact.AccountID)
	if err != nil {
		return "", err
	}

	payload := billing.ContactPayload{
		AccountID: accountRemoteID,
		FullName:  contact.FullName(),
		Email:     s.outgoingEmail(contact.Email),
		Phone:     contact.Phone,
		Language:  contact.Language,
	}

	// the source reference is only attached the first time
	sourceID := ""
	if contact.RemoteID == "" {
		sourceID = contact.ID
	}

	remoteID, err := s.track(ctx, models.OpUpsert, models.KindContact, id, contact.RemoteID, func() (string, error) {
		return s.API.UpsertContact(ctx, sourceID, payload)
	})
	if err != nil {
		return "", fmt.Errorf("upsert contact %s: %w", id, err)
	}

	if remoteID != contact.RemoteID || accountRemoteID != contact.RemoteAccountID {
		err := s.Store.SubmitFields(ctx, models.KindContact, id, map[string]any{
			"remote_id":         remoteID,
			"remote_account_id": accountRemoteID,
		})
		if err != nil {
			return "", err
		}
	}
	return remoteID, nil
}
