package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelete_AccountThenCascadedChildren(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.store.contacts["c1"] = models.Contact{ID: "c1", AccountID: "12", FirstName: "Jane", Email: "jane@acme.io"}
	contactRemote, err := h.reconcile(models.KindContact, "c1")
	require.NoError(t, err)
	accountRemote := h.store.accounts["12"].RemoteID
	h.remote.resetCalls()

	ctx := context.Background()
	require.NoError(t, h.engine.Delete(ctx, models.KindAccount, accountRemote, ""))
	assert.Equal(t, 1, h.remote.count("DeleteAccount"))

	require.NoError(t, h.engine.Delete(ctx, models.KindContact, contactRemote, accountRemote))
	require.NoError(t, h.engine.Delete(ctx, models.KindInvoice, "r-inv-77", accountRemote))
	assert.Equal(t, 1, h.remote.writes(), "children of a deleted account need no call")
}

func TestDelete_AlreadyGoneCountsAsDeleted(t *testing.T) {
	h := newHarness()

	err := h.engine.Delete(context.Background(), models.KindInvoice, "r-inv-404", "r-acc-alive")
	require.NoError(t, err)

	assert.Equal(t, 1, h.remote.count("DeleteInvoice"))
	assert.Equal(t, 1, h.oplog.count(models.OpDelete, models.OpSuccess))
	assert.Empty(t, h.queue.entries)
}

func TestDelete_Rejections(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	err := h.engine.deletes.Delete(ctx, models.KindContact, "", "")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "FATAL:"))

	err = h.engine.deletes.Delete(ctx, models.KindPayment, "r-pay-1", "")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "FATAL:"))

	assert.Equal(t, 0, h.remote.writes())
}

func TestFullAccount_SyncsEverything(t *testing.T) {
	h := seedFullAccount()

	remoteID, err := h.reconcile(models.KindFullAccount, "12")
	require.NoError(t, err)

	assert.Equal(t, h.store.accounts["12"].RemoteID, remoteID)
	assert.Equal(t, 1, h.remote.count("CreateAccount"))
	assert.Equal(t, 3, h.remote.count("UpsertContact"), "one contact plus two billing addresses")
	assert.Equal(t, 0, h.remote.count("DeleteContact"))
	assert.Equal(t, 1, h.remote.count("CreateInvoice"), "closed invoices are left alone")
	assert.Equal(t, 2, h.remote.count("CreateCreditNote"))
	assert.Equal(t, 2, h.remote.count("ApplyCreditAllocation"))

	assert.Empty(t, h.store.invoices["1002"].RemoteID)
	assert.Empty(t, h.store.credits["503"].RemoteID)
	assert.Empty(t, h.queue.entries)
}

func TestFullAccount_AppliesNewLinesOfLinkedCreditNotes(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.seedInvoice("1001", "100", "100")
	h.seedCreditNote("501", "30", "30")

	_, err := h.reconcile(models.KindFullAccount, "12")
	require.NoError(t, err)
	require.NotEmpty(t, h.store.invoices["1001"].RemoteID)
	require.NotEmpty(t, h.store.credits["501"].RemoteID)
	assert.Equal(t, 0, h.remote.count("ApplyCreditAllocation"))

	h.store.applications = []models.CreditApplication{
		{CreditNoteID: "501", InvoiceID: "1001", Amount: dec("30")},
	}
	h.remote.resetCalls()

	_, err = h.reconcile(models.KindFullAccount, "12")
	require.NoError(t, err)

	key := h.store.credits["501"].RemoteID + "->" + h.store.invoices["1001"].RemoteID
	assert.Equal(t, 1, h.remote.count("ApplyCreditAllocation"))
	assert.True(t, dec("30").Equal(h.remote.applied[key]))
	assert.Equal(t, 0, h.remote.count("CreateCreditNote"), "an unchanged note is not recreated")

	// the next run is rejected as already applied and still succeeds
	_, err = h.reconcile(models.KindFullAccount, "12")
	require.NoError(t, err)
	assert.Len(t, h.remote.applied, 1)
	assert.Empty(t, h.queue.entries)
}

func TestFullAccount_ItemFailureIsQueued(t *testing.T) {
	h := seedFullAccount()
	h.remote.failOn["CreateInvoice"] = serverError()

	_, err := h.reconcile(models.KindFullAccount, "12")
	require.NoError(t, err)

	assert.True(t, h.queue.has(models.KindInvoice, "1001"))
	assert.Len(t, h.queue.entries, 1)
	assert.Equal(t, 1, h.oplog.count(models.OpSync, models.OpError))
	assert.Equal(t, 2, h.remote.count("CreateCreditNote"), "the run goes on after a failed item")
	assert.Equal(t, 0, h.remote.count("ApplyCreditAllocation"))
}

func TestFullAccount_AccountFailureAborts(t *testing.T) {
	h := seedFullAccount()
	h.remote.failOn["CreateAccount"] = serverError()

	_, err := h.reconcile(models.KindFullAccount, "12")
	require.Error(t, err)
	assert.Equal(t, 1, h.remote.writes())
}

func TestFullAccount_BudgetQueuesTheRest(t *testing.T) {
	h := seedFullAccount()
	budget := service.NewBudget(time.Hour, 2)
	ctx := service.WithBudget(context.Background(), budget)

	s, err := h.reg.Lookup(models.KindFullAccount)
	require.NoError(t, err)
	_, err = s.Reconcile(ctx, "12")
	require.NoError(t, err)

	assert.Equal(t, 2, budget.Used())
	assert.Equal(t, 1, h.remote.count("UpsertContact"), "only the contact fit in the budget")
	assert.Equal(t, 0, h.remote.count("CreateInvoice"))
	assert.True(t, h.queue.has(models.KindFullAccount, "12"))
}

func TestEngine_FailureIsQueued(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.remote.failOn["CreateAccount"] = serverError()

	_, err := h.engine.Sync(context.Background(), models.KindAccount, "12")
	require.Error(t, err)

	require.Len(t, h.queue.entries, 1)
	assert.Equal(t, models.SyncQueueEntry{EntityKind: models.KindAccount, EntityID: "12", Action: models.ActionUpsert}, h.queue.entries[0])
	assert.Equal(t, 1, h.oplog.count(models.OpCreate, models.OpError))
	assert.Equal(t, 1, h.oplog.count(models.OpSync, models.OpError))
}

func TestEngine_FatalIsNotQueued(t *testing.T) {
	h := newHarness()

	_, err := h.engine.Sync(context.Background(), models.EntityKind("vendor"), "1")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "FATAL:"))
	assert.Empty(t, h.queue.entries)
	assert.Equal(t, 1, h.oplog.count(models.OpSync, models.OpError))
}

func TestEngine_VanishedRecordIsDone(t *testing.T) {
	h := newHarness()

	remoteID, err := h.engine.Sync(context.Background(), models.KindInvoice, "does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, remoteID)
	assert.Empty(t, h.queue.entries)
}

func TestEngine_HandleEventQueuesDeleteByRemoteID(t *testing.T) {
	h := newHarness()
	h.remote.failOn["DeleteContact"] = serverError()

	err := h.engine.HandleEvent(context.Background(), models.EntityChangedEvent{
		EventID:        "evt-1",
		Kind:           models.KindContact,
		RecordID:       "c9",
		Action:         models.ActionDelete,
		RemoteID:       "r-con-9",
		ParentRemoteID: "r-acc-1",
	})
	require.NoError(t, err)

	require.Len(t, h.queue.entries, 1)
	e := h.queue.entries[0]
	assert.Equal(t, "r-con-9", e.EntityID)
	assert.Equal(t, "r-acc-1", e.ParentID)
	assert.Equal(t, models.ActionDelete, e.Action)
}

func TestEngine_HandleEventFailsWhenQueueIsDown(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.remote.failOn["CreateAccount"] = serverError()
	h.queue.err = errors.New("connection refused")

	err := h.engine.HandleEvent(context.Background(), models.EntityChangedEvent{
		EventID:  "evt-2",
		Kind:     models.KindAccount,
		RecordID: "12",
		Action:   models.ActionUpsert,
	})
	require.Error(t, err)
}

func TestEngine_HandleEventRejectsUnknownKind(t *testing.T) {
	h := newHarness()

	err := h.engine.HandleEvent(context.Background(), models.EntityChangedEvent{
		EventID: "evt-3", Kind: "vendor", RecordID: "1", Action: models.ActionUpsert,
	})
	require.Error(t, err)
	assert.Equal(t, 0, h.remote.writes())
}

func TestEngine_DispatchLeavesBookkeepingToQueue(t *testing.T) {
	h := newHarness()
	h.seedAccount()
	h.remote.failOn["CreateAccount"] = serverError()
	ctx := context.Background()

	err := h.engine.Dispatch(ctx, models.SyncQueueEntry{EntityKind: models.KindAccount, EntityID: "12", Action: models.ActionUpsert})
	require.Error(t, err)
	assert.Empty(t, h.queue.entries)

	err = h.engine.Dispatch(ctx, models.SyncQueueEntry{EntityKind: models.KindContact, EntityID: "r-con-1", Action: models.ActionDelete})
	require.NoError(t, err)
	assert.Equal(t, 1, h.remote.count("DeleteContact"))
}

// seedFullAccount builds account 12 with one contact, an open and a closed
// invoice, and three credit notes of which two concern the open invoice.
func seedFullAccount() *harness {
	h := newHarness()
	h.seedAccount()
	h.store.contacts["c1"] = models.Contact{ID: "c1", AccountID: "12", FirstName: "Jane", Email: "jane@acme.io"}
	h.seedInvoice("1001", "100", "60")
	h.seedInvoice("1002", "50", "0")
	h.seedCreditNote("501", "30", "10")
	h.seedCreditNote("502", "20", "0")
	h.seedCreditNote("503", "10", "0")
	h.store.applications = []models.CreditApplication{
		{CreditNoteID: "501", InvoiceID: "1001", Amount: dec("20")},
		{CreditNoteID: "502", InvoiceID: "1001", Amount: dec("20")},
		{CreditNoteID: "503", InvoiceID: "1002", Amount: dec("10")},
	}
	return h
}
