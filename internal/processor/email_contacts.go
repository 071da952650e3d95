package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
)

// EmailContactsSync keeps one remote contact per billing address of an
// account and removes remote contacts whose email no longer exists locally.
// The id it reconciles is the account id.
type EmailContactsSync struct {
	*base
	accounts *AccountSync
}

func (s *EmailContactsSync) Kind() models.EntityKind { return models.KindEmailContacts }

func (s *EmailContactsSync) Reconcile(ctx context.Context, accountID string) (string, error) {
	acc, err := s.Store.LoadAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	accountRemoteID, err := s.accounts.ensureLinkedAccount(ctx, acc)
	if err != nil {
		return "", err
	}

	contacts, err := s.Store.ContactsOfAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("contacts of account %s: %w", accountID, err)
	}

	legit := make(map[string]struct{})
	for _, email := range acc.BillingEmails() {
		legit[emailKey(s.outgoingEmail(email))] = struct{}{}
	}
	for _, c := range contacts {
		if e := s.outgoingEmail(c.Email); e != "" {
			legit[emailKey(e)] = struct{}{}
		}
	}

	upserted := make(map[string]struct{})
	for _, email := range acc.BillingEmails() {
		out := s.outgoingEmail(email)
		if _, done := upserted[emailKey(out)]; done {
			continue
		}
		upserted[emailKey(out)] = struct{}{}

		payload := billing.ContactPayload{
			AccountID: accountRemoteID,
			FullName:  acc.Name,
			Email:     out,
			Language:  acc.Language,
		}
		_, err := s.track(ctx, models.OpUpsert, models.KindEmailContacts, accountID, "", func() (string, error) {
			return s.API.UpsertContact(ctx, "", payload)
		})
		if err != nil {
			return "", fmt.Errorf("upsert email contact %s: %w", out, err)
		}
	}

	remote, err := s.API.ListAccountContacts(ctx, accountRemoteID)
	if err != nil {
		return "", fmt.Errorf("list remote contacts of %s: %w", accountRemoteID, err)
	}

	for _, rc := range remote {
		if strings.TrimSpace(rc.Email) == "" {
			continue
		}
		if _, ok := legit[emailKey(rc.Email)]; ok {
			continue
		}
		s.Logger.Info("Removing remote contact with unknown email",
			"account_id", accountID,
			"remote_contact_id", rc.ID,
			"email", rc.Email,
		)
		if err := s.remove(ctx, models.KindContact, "", rc.ID, s.API.DeleteContact); err != nil {
			return "", fmt.Errorf("delete orphan contact %s: %w", rc.ID, err)
		}
	}

	return accountRemoteID, nil
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
