package processor

import (
	"fmt"

	"github.com/billabex/netsuite-connector/internal/models"
)

// Registry maps each entity kind to its synchronizer
type Registry map[models.EntityKind]Synchronizer

// NewRegistry wires the synchronizers to each other so dependents can make
// sure their parent account is linked first.
func NewRegistry(d Deps) (Registry, *DeleteSync) {
	b := &base{Deps: d}

	accounts := &AccountSync{base: b}
	allocations := &AllocationSync{base: b}
	contacts := &ContactSync{base: b, accounts: accounts}
	emailContacts := &EmailContactsSync{base: b, accounts: accounts}
	invoices := &InvoiceSync{base: b, accounts: accounts, allocations: allocations}
	creditNotes := &CreditNoteSync{base: b, accounts: accounts, allocations: allocations}
	payments := &PaymentSync{base: b, invoices: invoices}
	full := &FullAccountSync{
		base:          b,
		accounts:      accounts,
		contacts:      contacts,
		emailContacts: emailContacts,
		invoices:      invoices,
		creditNotes:   creditNotes,
		allocations:   allocations,
	}

	r := Registry{}
	for _, s := range []Synchronizer{accounts, contacts, emailContacts, invoices, creditNotes, allocations, payments, full} {
		r[s.Kind()] = s
	}
	return r, &DeleteSync{base: b}
}

func (r Registry) Lookup(kind models.EntityKind) (Synchronizer, error) {
	s, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("FATAL: no synchronizer registered for kind %s", kind)
	}
	return s, nil
}
