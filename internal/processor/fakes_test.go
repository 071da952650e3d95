package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"

	"github.com/shopspring/decimal"
)

func notFound() error {
	return &billing.APIError{Status: http.StatusNotFound, Message: "Not Found"}
}

// fakePlatform is an in-memory billing platform that counts every call.
type fakePlatform struct {
	mu       sync.Mutex
	seq      int
	calls    map[string]int
	accounts map[string]billing.AccountPayload
	contacts map[string]billing.RemoteContact
	invoices map[string]billing.RemoteInvoice
	credits  map[string]billing.RemoteCreditNote
	applied  map[string]decimal.Decimal
	paid     []decimal.Decimal
	failOn   map[string]error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		calls:    make(map[string]int),
		accounts: make(map[string]billing.AccountPayload),
		contacts: make(map[string]billing.RemoteContact),
		invoices: make(map[string]billing.RemoteInvoice),
		credits:  make(map[string]billing.RemoteCreditNote),
		applied:  make(map[string]decimal.Decimal),
		failOn:   make(map[string]error),
	}
}

var writeCalls = []string{
	"CreateAccount", "UpdateAccount", "DeleteAccount", "UpsertContact", "DeleteContact",
	"CreateInvoice", "UpdateInvoicePaidAmount", "DeleteInvoice",
	"CreateCreditNote", "DeleteCreditNote", "ApplyCreditAllocation",
}

func (f *fakePlatform) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakePlatform) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, name := range writeCalls {
		n += f.calls[name]
	}
	return n
}

func (f *fakePlatform) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// enter counts the call and returns an injected failure, if any
func (f *fakePlatform) enter(name string) error {
	f.calls[name]++
	return f.failOn[name]
}

func (f *fakePlatform) newID(prefix string) string {
	f.seq++
	return fmt.Sprintf("r-%s-%d", prefix, f.seq)
}

func (f *fakePlatform) CreateAccount(_ context.Context, _ string, p billing.AccountPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateAccount"); err != nil {
		return "", err
	}
	id := f.newID("acc")
	f.accounts[id] = p
	return id, nil
}

func (f *fakePlatform) UpdateAccount(_ context.Context, id string, p billing.AccountPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateAccount"); err != nil {
		return err
	}
	if _, ok := f.accounts[id]; !ok {
		return notFound()
	}
	f.accounts[id] = p
	return nil
}

// DeleteAccount cascades to everything billed to the account
func (f *fakePlatform) DeleteAccount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteAccount"); err != nil {
		return err
	}
	if _, ok := f.accounts[id]; !ok {
		return notFound()
	}
	delete(f.accounts, id)
	for cid, c := range f.contacts {
		if c.AccountID == id {
			delete(f.contacts, cid)
		}
	}
	for iid, inv := range f.invoices {
		if inv.AccountID == id {
			delete(f.invoices, iid)
		}
	}
	for nid, cn := range f.credits {
		if cn.AccountID == id {
			delete(f.credits, nid)
		}
	}
	return nil
}

func (f *fakePlatform) UpsertContact(_ context.Context, _ string, p billing.ContactPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpsertContact"); err != nil {
		return "", err
	}
	for id, c := range f.contacts {
		if c.AccountID == p.AccountID && p.Email != "" && strings.EqualFold(c.Email, p.Email) {
			c.FullName = p.FullName
			f.contacts[id] = c
			return id, nil
		}
	}
	id := f.newID("con")
	f.contacts[id] = billing.RemoteContact{ID: id, AccountID: p.AccountID, FullName: p.FullName, Email: p.Email}
	return id, nil
}

func (f *fakePlatform) ListAccountContacts(_ context.Context, accountID string) ([]billing.RemoteContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListAccountContacts"); err != nil {
		return nil, err
	}
	var out []billing.RemoteContact
	for _, c := range f.contacts {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePlatform) DeleteContact(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteContact"); err != nil {
		return err
	}
	if _, ok := f.contacts[id]; !ok {
		return notFound()
	}
	delete(f.contacts, id)
	return nil
}

func (f *fakePlatform) CreateInvoice(_ context.Context, _ string, p billing.InvoicePayload, doc billing.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateInvoice"); err != nil {
		return "", err
	}
	if len(doc.Content) == 0 {
		return "", &billing.APIError{Status: http.StatusBadRequest, Message: "missing document"}
	}
	id := f.newID("inv")
	f.invoices[id] = billing.RemoteInvoice{
		ID: id, AccountID: p.AccountID, Number: p.Number, PurchaseOrder: p.PurchaseOrder,
		IssuedDate: p.IssuedDate, DueDate: p.DueDate, Total: p.Total, Tax: p.Tax, PaidAmount: p.PaidAmount,
	}
	return id, nil
}

func (f *fakePlatform) GetInvoice(_ context.Context, id string) (*billing.RemoteInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetInvoice"); err != nil {
		return nil, err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, notFound()
	}
	return &inv, nil
}

func (f *fakePlatform) UpdateInvoicePaidAmount(_ context.Context, id string, paid decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateInvoicePaidAmount"); err != nil {
		return err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return notFound()
	}
	inv.PaidAmount = paid
	f.invoices[id] = inv
	f.paid = append(f.paid, paid)
	return nil
}

func (f *fakePlatform) DeleteInvoice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteInvoice"); err != nil {
		return err
	}
	if _, ok := f.invoices[id]; !ok {
		return notFound()
	}
	delete(f.invoices, id)
	return nil
}

func (f *fakePlatform) CreateCreditNote(_ context.Context, _ string, p billing.CreditNotePayload, _ billing.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCreditNote"); err != nil {
		return "", err
	}
	id := f.newID("cn")
	f.credits[id] = billing.RemoteCreditNote{
		ID: id, AccountID: p.AccountID, Number: p.Number, IssuedDate: p.IssuedDate, Total: p.Total, Tax: p.Tax,
	}
	return id, nil
}

func (f *fakePlatform) GetCreditNote(_ context.Context, id string) (*billing.RemoteCreditNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCreditNote"); err != nil {
		return nil, err
	}
	cn, ok := f.credits[id]
	if !ok {
		return nil, notFound()
	}
	return &cn, nil
}

func (f *fakePlatform) DeleteCreditNote(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteCreditNote"); err != nil {
		return err
	}
	if _, ok := f.credits[id]; !ok {
		return notFound()
	}
	delete(f.credits, id)
	return nil
}

// ApplyCreditAllocation rejects a pair that is already applied
func (f *fakePlatform) ApplyCreditAllocation(_ context.Context, p billing.AllocationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ApplyCreditAllocation"); err != nil {
		return err
	}
	key := p.CreditNoteID + "->" + p.InvoiceID
	if _, dup := f.applied[key]; dup {
		return &billing.APIError{Status: http.StatusUnprocessableEntity, Message: "already applied"}
	}
	f.applied[key] = p.Amount
	return nil
}

// fakeStore is the ERP side, keyed by local id.
type fakeStore struct {
	mu           sync.Mutex
	accounts     map[string]models.Account
	contacts     map[string]models.Contact
	invoices     map[string]models.Invoice
	credits      map[string]models.CreditNote
	payments     map[string]models.Payment
	applications []models.CreditApplication
	submits      int
	loads        map[models.EntityKind]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]models.Account),
		contacts: make(map[string]models.Contact),
		invoices: make(map[string]models.Invoice),
		credits:  make(map[string]models.CreditNote),
		payments: make(map[string]models.Payment),
		loads:    make(map[models.EntityKind]int),
	}
}

func missing(kind models.EntityKind, id string) error {
	return fmt.Errorf("load %s %s: %w", kind, id, models.ErrRecordNotFound)
}

func (s *fakeStore) LoadAccount(_ context.Context, id string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[models.KindAccount]++
	a, ok := s.accounts[id]
	if !ok {
		return a, missing(models.KindAccount, id)
	}
	return a, nil
}

func (s *fakeStore) LoadContact(_ context.Context, id string) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return c, missing(models.KindContact, id)
	}
	return c, nil
}

func (s *fakeStore) LoadInvoice(_ context.Context, id string) (models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return inv, missing(models.KindInvoice, id)
	}
	return inv, nil
}

func (s *fakeStore) LoadCreditNote(_ context.Context, id string) (models.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cn, ok := s.credits[id]
	if !ok {
		return cn, missing(models.KindCreditNote, id)
	}
	return cn, nil
}

func (s *fakeStore) LoadPayment(_ context.Context, id string) (models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return p, missing(models.KindPayment, id)
	}
	return p, nil
}

func (s *fakeStore) ContactsOfAccount(_ context.Context, accountID string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) OpenInvoiceIDsOfAccount(_ context.Context, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, inv := range s.invoices {
		if inv.AccountID == accountID && inv.IsOpen() {
			out = append(out, inv.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeStore) CreditNotesOfAccount(_ context.Context, accountID string) ([]models.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditNote
	for _, cn := range s.credits {
		if cn.AccountID == accountID {
			out = append(out, cn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) CreditApplications(_ context.Context, creditNoteID string) ([]models.CreditApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditApplication
	for _, a := range s.applications {
		if a.CreditNoteID == creditNoteID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) CreditApplicationsOfInvoice(_ context.Context, invoiceID string) ([]models.CreditApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditApplication
	for _, a := range s.applications {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) SubmitFields(_ context.Context, kind models.EntityKind, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++

	remoteID, _ := fields["remote_id"].(string)
	switch kind {
	case models.KindAccount:
		a, ok := s.accounts[id]
		if !ok {
			return missing(kind, id)
		}
		a.RemoteID = remoteID
		s.accounts[id] = a
	case models.KindContact:
		c, ok := s.contacts[id]
		if !ok {
			return missing(kind, id)
		}
		c.RemoteID = remoteID
		if v, ok := fields["remote_account_id"].(string); ok {
			c.RemoteAccountID = v
		}
		s.contacts[id] = c
	case models.KindInvoice:
		inv, ok := s.invoices[id]
		if !ok {
			return missing(kind, id)
		}
		inv.RemoteID = remoteID
		s.invoices[id] = inv
	case models.KindCreditNote:
		cn, ok := s.credits[id]
		if !ok {
			return missing(kind, id)
		}
		cn.RemoteID = remoteID
		s.credits[id] = cn
	default:
		return fmt.Errorf("FATAL: no ERP table registered for kind %s", kind)
	}
	return nil
}

type fakeDocs struct {
	fetched []string
	err     error
}

func (d *fakeDocs) Fetch(_ context.Context, kind models.EntityKind, number string) (billing.Document, error) {
	d.fetched = append(d.fetched, string(kind)+"/"+number)
	if d.err != nil {
		return billing.Document{}, d.err
	}
	return billing.Document{FileName: number + ".pdf", Content: []byte("%PDF-1.4")}, nil
}

type fakeOpLog struct {
	mu      sync.Mutex
	entries []models.OperationLogEntry
}

func (o *fakeOpLog) Success(_ context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, models.OperationLogEntry{Operation: op, EntityKind: kind, LocalID: localID, RemoteID: remoteID, Status: models.OpSuccess})
}

func (o *fakeOpLog) Failure(_ context.Context, op models.Operation, kind models.EntityKind, localID, remoteID string, cause error, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, models.OperationLogEntry{Operation: op, EntityKind: kind, LocalID: localID, RemoteID: remoteID, Status: models.OpError, Message: cause.Error()})
}

func (o *fakeOpLog) WasDeleted(_ context.Context, kind models.EntityKind, remoteID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.Operation == models.OpDelete && e.Status == models.OpSuccess && e.EntityKind == kind && e.RemoteID == remoteID {
			return true, nil
		}
	}
	return false, nil
}

func (o *fakeOpLog) count(op models.Operation, status models.OpStatus) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.Operation == op && e.Status == status {
			n++
		}
	}
	return n
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []models.SyncQueueEntry
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, kind models.EntityKind, entityID, parentID string, action models.Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.entries = append(q.entries, models.SyncQueueEntry{EntityKind: kind, EntityID: entityID, ParentID: parentID, Action: action})
	return nil
}

func (q *fakeQueue) has(kind models.EntityKind, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.EntityKind == kind && e.EntityID == id {
			return true
		}
	}
	return false
}

type harness struct {
	remote *fakePlatform
	store  *fakeStore
	docs   *fakeDocs
	oplog  *fakeOpLog
	queue  *fakeQueue
	engine *Engine
	reg    Registry
}

func newHarness() *harness {
	return newHarnessWith("")
}

func newHarnessWith(sandboxEmail string) *harness {
	h := &harness{
		remote: newFakePlatform(),
		store:  newFakeStore(),
		docs:   &fakeDocs{},
		oplog:  &fakeOpLog{},
		queue:  &fakeQueue{},
	}
	d := h.deps()
	d.SandboxEmail = sandboxEmail
	h.engine = NewEngine(d)
	h.reg = h.engine.registry
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		API:    h.remote,
		Store:  h.store,
		Docs:   h.docs,
		OpLog:  h.oplog,
		Queue:  h.queue,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *harness) reconcile(kind models.EntityKind, id string) (string, error) {
	s, err := h.reg.Lookup(kind)
	if err != nil {
		return "", err
	}
	return s.Reconcile(context.Background(), id)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedAccount adds account 12 (ACME) with two billing emails
func (h *harness) seedAccount() models.Account {
	acc := models.Account{
		ID:       "12",
		Name:     "ACME SARL",
		Email:    "billing@acme.io",
		CCEmails: []string{"ap@acme.io"},
		Language: "fr",
		Currency: "EUR",
	}
	h.store.accounts[acc.ID] = acc
	return acc
}

func (h *harness) seedInvoice(id string, total, remaining string) models.Invoice {
	inv := models.Invoice{
		ID:              id,
		AccountID:       "12",
		Number:          "INV-" + id,
		Currency:        "EUR",
		IssuedDate:      day(2024, 2, 1),
		DueDate:         day(2024, 3, 1),
		Total:           dec(total),
		Tax:             dec("0"),
		AmountRemaining: dec(remaining),
	}
	h.store.invoices[id] = inv
	return inv
}

func (h *harness) seedCreditNote(id, total, remaining string) models.CreditNote {
	cn := models.CreditNote{
		ID:              id,
		AccountID:       "12",
		Number:          "CN-" + id,
		Currency:        "EUR",
		IssuedDate:      day(2024, 2, 10),
		Total:           dec(total),
		Tax:             dec("0"),
		AmountRemaining: dec(remaining),
	}
	h.store.credits[id] = cn
	return cn
}
