package processor

import (
	"context"
	"net/http"
	"testing"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverError() error {
	return &billing.APIError{Status: http.StatusInternalServerError, Message: "upstream unavailable"}
}

func TestAccount_CreateThenUpdate(t *testing.T) {
	h := newHarness()
	acc := h.seedAccount()
	acc.Address = models.Address{City: "Lyon", Country: "FR"}
	h.store.accounts[acc.ID] = acc

	remoteID, err := h.reconcile(models.KindAccount, "12")
	require.NoError(t, err)
	assert.Equal(t, remoteID, h.store.accounts["12"].RemoteID)
	require.NotNil(t, h.remote.accounts[remoteID].Address)
	assert.Equal(t, "Lyon", h.remote.accounts[remoteID].Address.City)

	again, err := h.reconcile(models.KindAccount, "12")
	require.NoError(t, err)
	assert.Equal(t, remoteID, again)
	assert.Equal(t, 1, h.remote.count("CreateAccount"))
	assert.Equal(t, 1, h.remote.count("UpdateAccount"))
}

func TestAccount_StaleRemoteIsHealed(t *testing.T) {
	h := newHarness()
	acc := h.seedAccount()
	acc.RemoteID = "r-acc-deleted"
	h.store.accounts[acc.ID] = acc

	remoteID, err := h.reconcile(models.KindAccount, "12")
	require.NoError(t, err)

	assert.NotEqual(t, "r-acc-deleted", remoteID)
	assert.Equal(t, remoteID, h.store.accounts["12"].RemoteID)
	assert.Equal(t, 1, h.remote.count("UpdateAccount"))
	assert.Equal(t, 1, h.remote.count("CreateAccount"))
	assert.Equal(t, 1, h.oplog.count(models.OpUpdate, models.OpError))
	assert.Equal(t, 1, h.oplog.count(models.OpCreate, models.OpSuccess))
}

func TestAccount_UpdateFailureIsReturned(t *testing.T) {
	h := newHarness()
	acc := h.seedAccount()
	acc.RemoteID = "r-acc-1"
	h.store.accounts[acc.ID] = acc
	h.remote.failOn["UpdateAccount"] = serverError()

	_, err := h.reconcile(models.KindAccount, "12")
	require.Error(t, err)
	assert.Equal(t, 0, h.remote.count("CreateAccount"))
	assert.Equal(t, "r-acc-1", h.store.accounts["12"].RemoteID)
}

func TestContact_LinksParentAndStoresIDs(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.store.contacts["c1"] = models.Contact{ID: "c1", AccountID: "12", FirstName: "Jane", LastName: "Doe", Email: "jane@acme.io"}

	remoteID, err := h.reconcile(models.KindContact, "c1")
	require.NoError(t, err)

	c := h.store.contacts["c1"]
	assert.Equal(t, remoteID, c.RemoteID)
	assert.Equal(t, h.store.accounts["12"].RemoteID, c.RemoteAccountID)
	assert.Equal(t, "Jane Doe", h.remote.contacts[remoteID].FullName)

	h.store.submits = 0
	again, err := h.reconcile(models.KindContact, "c1")
	require.NoError(t, err)
	assert.Equal(t, remoteID, again)
	assert.Equal(t, 0, h.store.submits, "nothing changed, nothing written back")
}

func TestSandboxEmail_ReplacesOutgoingAddresses(t *testing.T) {
	h := newHarnessWith("qa@billabex.test")
	h.seedAccount()
	h.store.contacts["c1"] = models.Contact{ID: "c1", AccountID: "12", FirstName: "Jane", Email: "jane@acme.io"}

	contactRemote, err := h.reconcile(models.KindContact, "c1")
	require.NoError(t, err)

	accountRemote := h.store.accounts["12"].RemoteID
	assert.Equal(t, "qa@billabex.test", h.remote.accounts[accountRemote].Email)
	assert.Equal(t, "qa@billabex.test", h.remote.contacts[contactRemote].Email)
}

func TestEmailContacts_RemovesUnknownAddresses(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.store.contacts["c1"] = models.Contact{ID: "c1", AccountID: "12", FirstName: "Jane", Email: "jane@acme.io"}
	accountRemote, err := h.reconcile(models.KindAccount, "12")
	require.NoError(t, err)

	h.remote.contacts["r-old"] = billing.RemoteContact{ID: "r-old", AccountID: accountRemote, Email: "former@acme.io"}
	h.remote.contacts["r-jane"] = billing.RemoteContact{ID: "r-jane", AccountID: accountRemote, Email: "JANE@acme.io"}
	h.remote.contacts["r-noemail"] = billing.RemoteContact{ID: "r-noemail", AccountID: accountRemote, FullName: "Reception"}
	h.remote.contacts["r-other"] = billing.RemoteContact{ID: "r-other", AccountID: "r-acc-someone-else", Email: "x@y.io"}
	h.remote.resetCalls()

	_, err = h.reconcile(models.KindEmailContacts, "12")
	require.NoError(t, err)

	assert.Equal(t, 2, h.remote.count("UpsertContact"), "one per billing address")
	assert.Equal(t, 1, h.remote.count("DeleteContact"))
	assert.NotContains(t, h.remote.contacts, "r-old")
	assert.Contains(t, h.remote.contacts, "r-jane")
	assert.Contains(t, h.remote.contacts, "r-noemail")
	assert.Contains(t, h.remote.contacts, "r-other")

	var emails []string
	for _, c := range h.remote.contacts {
		if c.AccountID == accountRemote {
			emails = append(emails, c.Email)
		}
	}
	assert.ElementsMatch(t, []string{"JANE@acme.io", "", "billing@acme.io", "ap@acme.io"}, emails)
}

func TestEmailContacts_SandboxKeepsOnlyOverride(t *testing.T) {
	h := newHarnessWith("qa@billabex.test")
	h.seedAccount()
	accountRemote, err := h.reconcile(models.KindAccount, "12")
	require.NoError(t, err)
	h.remote.contacts["r-real"] = billing.RemoteContact{ID: "r-real", AccountID: accountRemote, Email: "billing@acme.io"}
	h.remote.resetCalls()

	_, err = h.reconcile(models.KindEmailContacts, "12")
	require.NoError(t, err)

	assert.Equal(t, 1, h.remote.count("UpsertContact"))
	assert.NotContains(t, h.remote.contacts, "r-real")

	remaining, err := h.remote.ListAccountContacts(context.Background(), accountRemote)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "qa@billabex.test", remaining[0].Email)
}

func TestEmailContacts_LoadsLinkedAccountOnce(t *testing.T) {
	h := newHarness()
	h.seedAccount()

	_, err := h.reconcile(models.KindAccount, "12")
	require.NoError(t, err)
	h.store.loads[models.KindAccount] = 0

	_, err = h.reconcile(models.KindEmailContacts, "12")
	require.NoError(t, err)

	assert.Equal(t, 1, h.store.loads[models.KindAccount])
	assert.Equal(t, 2, h.remote.count("UpsertContact"))
}
