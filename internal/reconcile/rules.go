// Package reconcile decides whether a remote billing document still matches
// its ERP source. Everything here is pure and side-effect free.
package reconcile

import (
	"strings"
	"time"

	"github.com/billabex/netsuite-connector/internal/billing"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/shopspring/decimal"
)

type Decision int

const (
	Unchanged Decision = iota
	Changed
	PaidAmountOnly
)

func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case PaidAmountOnly:
		return "paid_amount_only"
	default:
		return "unknown"
	}
}

// CompareInvoice classifies the remote invoice against the local one. Any
// structural difference wins over a paid-amount difference.
func CompareInvoice(local models.Invoice, remote billing.RemoteInvoice) Decision {
	if !sameText(local.Number, remote.Number) ||
		!sameAmount(local.Total, remote.Total) ||
		!sameAmount(local.Tax, remote.Tax) ||
		!SameDay(local.IssuedDate, remote.IssuedDate.Time) ||
		!SameDay(local.DueDate, remote.DueDate.Time) ||
		!sameText(local.PurchaseOrder, remote.PurchaseOrder) {
		return Changed
	}
	if !sameAmount(local.PaidAmount(), remote.PaidAmount) {
		return PaidAmountOnly
	}
	return Unchanged
}

func CompareCreditNote(local models.CreditNote, remote billing.RemoteCreditNote) Decision {
	if !sameText(local.Number, remote.Number) ||
		!sameAmount(local.Total, remote.Total) ||
		!sameAmount(local.Tax, remote.Tax) ||
		!SameDay(local.IssuedDate, remote.IssuedDate.Time) {
		return Changed
	}
	return Unchanged
}

// SameDay compares calendar days as written, without time zone conversion.
func SameDay(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameAmount(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
