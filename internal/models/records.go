package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Local ERP snapshots. The engine reads them and writes back only the remote
// identifiers through the record store.

type Address struct {
	Street     string
	City       string
	PostalCode string
	Country    string
}

type Account struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	Language  string
	Currency  string
	VATNumber string
	CCEmails  []string
	Address   Address
	RemoteID  string
	Inactive  bool
}

// BillingEmails returns the primary and CC addresses, deduplicated
// case-insensitively in their original order.
func (a Account) BillingEmails() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range append([]string{a.Email}, a.CCEmails...) {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := strings.ToLower(e)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

type Contact struct {
	ID              string
	AccountID       string
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	Language        string
	RemoteID        string
	RemoteAccountID string
}

func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type Invoice struct {
	ID              string
	AccountID       string
	Number          string
	Currency        string
	PurchaseOrder   string
	IssuedDate      time.Time
	DueDate         time.Time
	Total           decimal.Decimal
	Tax             decimal.Decimal
	AmountRemaining decimal.Decimal
	RemoteID        string
}

// PaidAmount is what has been settled so far: total minus what remains open.
func (i Invoice) PaidAmount() decimal.Decimal {
	return i.Total.Sub(i.AmountRemaining)
}

func (i Invoice) IsOpen() bool {
	return i.AmountRemaining.Sign() > 0
}

type CreditNote struct {
	ID              string
	AccountID       string
	Number          string
	Currency        string
	IssuedDate      time.Time
	Total           decimal.Decimal
	Tax             decimal.Decimal
	AmountRemaining decimal.Decimal
	RemoteID        string
}

func (c CreditNote) IsOpen() bool {
	return c.AmountRemaining.Sign() > 0
}

// CreditApplication is one line of a credit note applied against an invoice.
type CreditApplication struct {
	CreditNoteID string
	InvoiceID    string
	Amount       decimal.Decimal
}

type Payment struct {
	ID         string
	AccountID  string
	InvoiceIDs []string
}
