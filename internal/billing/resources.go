package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Date is a calendar day as exchanged with the billing platform.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	return Date{Time: t}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if bytes.Equal(b, []byte("null")) {
		d.Time = time.Time{}
		return nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("date: unsupported format %q", s)
	}
	d.Time = t
	return nil
}

// SourceRef links a remote object back to the ERP record it was created from.
type SourceRef struct {
	ConnectionID string `json:"connectionId"`
	SourceID     string `json:"sourceId"`
}

type AddressPayload struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type AccountPayload struct {
	Name      string          `json:"name"`
	Email     string          `json:"email,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	Language  string          `json:"language,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	VATNumber string          `json:"vatNumber,omitempty"`
	Address   *AddressPayload `json:"address,omitempty"`
	Source    *SourceRef      `json:"source,omitempty"`
}

type ContactPayload struct {
	AccountID string     `json:"accountId"`
	FullName  string     `json:"fullName"`
	Email     string     `json:"email,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Language  string     `json:"language,omitempty"`
	Source    *SourceRef `json:"source,omitempty"`
}

type RemoteContact struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
}

type InvoicePayload struct {
	AccountID     string          `json:"accountId"`
	Number        string          `json:"number"`
	Currency      string          `json:"currency,omitempty"`
	PurchaseOrder string          `json:"purchaseOrder,omitempty"`
	IssuedDate    Date            `json:"issuedDate"`
	DueDate       Date            `json:"dueDate"`
	Total         decimal.Decimal `json:"total"`
	Tax           decimal.Decimal `json:"tax"`
	PaidAmount    decimal.Decimal `json:"paidAmount"`
	Source        *SourceRef      `json:"source,omitempty"`
}

type RemoteInvoice struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	Number        string          `json:"number"`
	PurchaseOrder string          `json:"purchaseOrder"`
	IssuedDate    Date            `json:"issuedDate"`
	DueDate       Date            `json:"dueDate"`
	Total         decimal.Decimal `json:"total"`
	Tax           decimal.Decimal `json:"tax"`
	PaidAmount    decimal.Decimal `json:"paidAmount"`
}

type CreditNotePayload struct {
	AccountID  string          `json:"accountId"`
	Number     string          `json:"number"`
	Currency   string          `json:"currency,omitempty"`
	IssuedDate Date            `json:"issuedDate"`
	Total      decimal.Decimal `json:"total"`
	Tax        decimal.Decimal `json:"tax"`
	Source     *SourceRef      `json:"source,omitempty"`
}

type RemoteCreditNote struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"accountId"`
	Number     string          `json:"number"`
	IssuedDate Date            `json:"issuedDate"`
	Total      decimal.Decimal `json:"total"`
	Tax        decimal.Decimal `json:"tax"`
}

type AllocationPayload struct {
	CreditNoteID string          `json:"creditNoteId"`
	InvoiceID    string          `json:"invoiceId"`
	Amount       decimal.Decimal `json:"amount"`
}

// Document is a rendered PDF attached to invoice and credit note creates.
type Document struct {
	FileName string
	Content  []byte
}

type createdResource struct {
	ID string `json:"id"`
}

func (c *Client) CreateAccount(ctx context.Context, sourceID string, p AccountPayload) (string, error) {
	src, err := c.source(ctx, sourceID)
	if err != nil {
		return "", err
	}
	p.Source = src

	resp, err := c.Call(ctx, http.MethodPost, "/accounts", RequestOptions{Body: p})
	if err != nil {
		return "", err
	}
	return createdID(resp)
}

func (c *Client) UpdateAccount(ctx context.Context, id string, p AccountPayload) error {
	p.Source = nil
	_, err := c.Call(ctx, http.MethodPut, "/accounts/"+url.PathEscape(id), RequestOptions{Body: p})
	return err
}

func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	_, err := c.Call(ctx, http.MethodDelete, "/accounts/"+url.PathEscape(id), RequestOptions{})
	return err
}

// UpsertContact creates or updates a contact matched by account and email.
// sourceID is only sent when non-empty, i.e. on first creation.
func (c *Client) UpsertContact(ctx context.Context, sourceID string, p ContactPayload) (string, error) {
	p.Source = nil
	if sourceID != "" {
		src, err := c.source(ctx, sourceID)
		if err != nil {
			return "", err
		}
		p.Source = src
	}

	resp, err := c.Call(ctx, http.MethodPost, "/contacts/upsert", RequestOptions{Body: p})
	if err != nil {
		return "", err
	}
	return createdID(resp)
}

func (c *Client) ListAccountContacts(ctx context.Context, accountID string) ([]RemoteContact, error) {
	resp, err := c.Call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(accountID)+"/contacts", RequestOptions{})
	if err != nil {
		return nil, err
	}
	var contacts []RemoteContact
	if err := decodeList(resp, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) DeleteContact(ctx context.Context, id string) error {
	_, err := c.Call(ctx, http.MethodDelete, "/contacts/"+url.PathEscape(id), RequestOptions{})
	return err
}

func (c *Client) CreateInvoice(ctx context.Context, sourceID string, p InvoicePayload, doc Document) (string, error) {
	src, err := c.source(ctx, sourceID)
	if err != nil {
		return "", err
	}
	p.Source = src

	form, err := documentForm(p, doc)
	if err != nil {
		return "", err
	}
	resp, err := c.Call(ctx, http.MethodPost, "/invoices", RequestOptions{Multipart: form})
	if err != nil {
		return "", err
	}
	return createdID(resp)
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*RemoteInvoice, error) {
	resp, err := c.Call(ctx, http.MethodGet, "/invoices/"+url.PathEscape(id), RequestOptions{})
	if err != nil {
		return nil, err
	}
	var inv RemoteInvoice
	if err := decodeObject(resp, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) UpdateInvoicePaidAmount(ctx context.Context, id string, paid decimal.Decimal) error {
	body := map[string]decimal.Decimal{"paidAmount": paid}
	_, err := c.Call(ctx, http.MethodPost, "/invoices/"+url.PathEscape(id)+"/updatePaidAmount", RequestOptions{Body: body})
	return err
}

func (c *Client) DeleteInvoice(ctx context.Context, id string) error {
	_, err := c.Call(ctx, http.MethodDelete, "/invoices/"+url.PathEscape(id), RequestOptions{})
	return err
}

func (c *Client) CreateCreditNote(ctx context.Context, sourceID string, p CreditNotePayload, doc Document) (string, error) {
	src, err := c.source(ctx, sourceID)
	if err != nil {
		return "", err
	}
	p.Source = src

	form, err := documentForm(p, doc)
	if err != nil {
		return "", err
	}
	resp, err := c.Call(ctx, http.MethodPost, "/credit-notes", RequestOptions{Multipart: form})
	if err != nil {
		return "", err
	}
	return createdID(resp)
}

func (c *Client) GetCreditNote(ctx context.Context, id string) (*RemoteCreditNote, error) {
	resp, err := c.Call(ctx, http.MethodGet, "/credit-notes/"+url.PathEscape(id), RequestOptions{})
	if err != nil {
		return nil, err
	}
	var cn RemoteCreditNote
	if err := decodeObject(resp, &cn); err != nil {
		return nil, err
	}
	return &cn, nil
}

func (c *Client) DeleteCreditNote(ctx context.Context, id string) error {
	_, err := c.Call(ctx, http.MethodDelete, "/credit-notes/"+url.PathEscape(id), RequestOptions{})
	return err
}

func (c *Client) ApplyCreditAllocation(ctx context.Context, p AllocationPayload) error {
	_, err := c.Call(ctx, http.MethodPost, "/credit-allocations/apply", RequestOptions{Body: p})
	return err
}

// documentForm sends the metadata as a JSON "data" field next to the PDF.
func documentForm(meta any, doc Document) (*Multipart, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode document metadata: %w", err)
	}
	return &Multipart{
		Fields: map[string]string{"data": string(data)},
		File: &FilePart{
			FieldName:   "file",
			FileName:    doc.FileName,
			ContentType: "application/pdf",
			Content:     doc.Content,
		},
	}, nil
}

func createdID(resp *Response) (string, error) {
	var created createdResource
	if err := decodeObject(resp, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("billing api: create response carries no id")
	}
	return created.ID, nil
}

// decodeObject accepts both a bare object and one wrapped in {"data": ...}.
func decodeObject(resp *Response, v any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := resp.Decode(&envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		return json.Unmarshal(envelope.Data, v)
	}
	return resp.Decode(v)
}

func decodeList(resp *Response, v any) error {
	if len(resp.Data) == 0 {
		return nil
	}
	if strings.HasPrefix(string(resp.Data), "[") {
		return resp.Decode(v)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := resp.Decode(&envelope); err != nil {
		return err
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("billing api: decode list: %w", err)
	}
	return nil
}
