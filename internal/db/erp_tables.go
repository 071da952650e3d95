package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/shopspring/decimal"
)

// erpTable is the fixed whitelist of ERP tables and columns the engine touches.
type erpTable struct {
	name     string
	pk       string
	columns  []string
	writable map[string]string // logical field -> column
}

var (
	customerTable = erpTable{
		name: "CUSTOMER",
		pk:   "ID",
		columns: []string{
			"ID", "COMPANY_NAME", "EMAIL", "CC_EMAILS", "PHONE", "LANGUAGE", "CURRENCY", "VAT_REG_NUMBER",
			"BILL_ADDR1", "BILL_CITY", "BILL_ZIP", "BILL_COUNTRY", "BILLING_REMOTE_ID", "IS_INACTIVE",
		},
		writable: map[string]string{"remote_id": "BILLING_REMOTE_ID"},
	}

	contactTable = erpTable{
		name: "CONTACT",
		pk:   "ID",
		columns: []string{
			"ID", "COMPANY_ID", "FIRST_NAME", "LAST_NAME", "EMAIL", "PHONE", "LANGUAGE",
			"BILLING_REMOTE_ID", "BILLING_REMOTE_ACCOUNT_ID",
		},
		writable: map[string]string{
			"remote_id":         "BILLING_REMOTE_ID",
			"remote_account_id": "BILLING_REMOTE_ACCOUNT_ID",
		},
	}

	invoiceTable = erpTable{
		name: "INVOICE",
		pk:   "ID",
		columns: []string{
			"ID", "ENTITY_ID", "TRAN_ID", "CURRENCY", "OTHER_REF_NUM", "TRAN_DATE", "DUE_DATE",
			"TOTAL", "TAX_TOTAL", "AMOUNT_REMAINING", "BILLING_REMOTE_ID",
		},
		writable: map[string]string{"remote_id": "BILLING_REMOTE_ID"},
	}

	creditMemoTable = erpTable{
		name: "CREDIT_MEMO",
		pk:   "ID",
		columns: []string{
			"ID", "ENTITY_ID", "TRAN_ID", "CURRENCY", "TRAN_DATE",
			"TOTAL", "TAX_TOTAL", "AMOUNT_REMAINING", "BILLING_REMOTE_ID",
		},
		writable: map[string]string{"remote_id": "BILLING_REMOTE_ID"},
	}

	creditApplyTable = erpTable{
		name:    "CREDIT_MEMO_APPLY",
		columns: []string{"CREDIT_MEMO_ID", "INVOICE_ID", "AMOUNT"},
	}

	paymentTable = erpTable{
		name:    "CUSTOMER_PAYMENT",
		pk:      "ID",
		columns: []string{"ID", "CUSTOMER_ID"},
	}

	paymentApplyTable = erpTable{
		name:    "PAYMENT_APPLY",
		columns: []string{"PAYMENT_ID", "INVOICE_ID"},
	}

	outboxTable = erpTable{
		name:    "SYNC_OUTBOX",
		pk:      "ID",
		columns: []string{"ID", "ENTITY_KIND", "RECORD_ID", "OP_TYPE", "REMOTE_ID", "PARENT_REMOTE_ID", "CREATED_AT"},
	}

	tablesByKind = map[models.EntityKind]erpTable{
		models.KindAccount:    customerTable,
		models.KindContact:    contactTable,
		models.KindInvoice:    invoiceTable,
		models.KindCreditNote: creditMemoTable,
	}
)

func decodeAccount(row map[string]any) models.Account {
	return models.Account{
		ID:        asString(row["ID"]),
		Name:      asString(row["COMPANY_NAME"]),
		Email:     asString(row["EMAIL"]),
		CCEmails:  splitEmails(asString(row["CC_EMAILS"])),
		Phone:     asString(row["PHONE"]),
		Language:  asString(row["LANGUAGE"]),
		Currency:  asString(row["CURRENCY"]),
		VATNumber: asString(row["VAT_REG_NUMBER"]),
		Address: models.Address{
			Street:     asString(row["BILL_ADDR1"]),
			City:       asString(row["BILL_CITY"]),
			PostalCode: asString(row["BILL_ZIP"]),
			Country:    asString(row["BILL_COUNTRY"]),
		},
		RemoteID: asString(row["BILLING_REMOTE_ID"]),
		Inactive: asBool(row["IS_INACTIVE"]),
	}
}

func decodeContact(row map[string]any) models.Contact {
	return models.Contact{
		ID:              asString(row["ID"]),
		AccountID:       asString(row["COMPANY_ID"]),
		FirstName:       asString(row["FIRST_NAME"]),
		LastName:        asString(row["LAST_NAME"]),
		Email:           asString(row["EMAIL"]),
		Phone:           asString(row["PHONE"]),
		Language:        asString(row["LANGUAGE"]),
		RemoteID:        asString(row["BILLING_REMOTE_ID"]),
		RemoteAccountID: asString(row["BILLING_REMOTE_ACCOUNT_ID"]),
	}
}

func decodeInvoice(row map[string]any) models.Invoice {
	return models.Invoice{
		ID:              asString(row["ID"]),
		AccountID:       asString(row["ENTITY_ID"]),
		Number:          asString(row["TRAN_ID"]),
		Currency:        asString(row["CURRENCY"]),
		PurchaseOrder:   asString(row["OTHER_REF_NUM"]),
		IssuedDate:      asTime(row["TRAN_DATE"]),
		DueDate:         asTime(row["DUE_DATE"]),
		Total:           asDecimal(row["TOTAL"]),
		Tax:             asDecimal(row["TAX_TOTAL"]),
		AmountRemaining: asDecimal(row["AMOUNT_REMAINING"]),
		RemoteID:        asString(row["BILLING_REMOTE_ID"]),
	}
}

func decodeCreditNote(row map[string]any) models.CreditNote {
	return models.CreditNote{
		ID:              asString(row["ID"]),
		AccountID:       asString(row["ENTITY_ID"]),
		Number:          asString(row["TRAN_ID"]),
		Currency:        asString(row["CURRENCY"]),
		IssuedDate:      asTime(row["TRAN_DATE"]),
		Total:           asDecimal(row["TOTAL"]),
		Tax:             asDecimal(row["TAX_TOTAL"]),
		AmountRemaining: asDecimal(row["AMOUNT_REMAINING"]),
		RemoteID:        asString(row["BILLING_REMOTE_ID"]),
	}
}

func decodeApplications(rows []map[string]any) []models.CreditApplication {
	apps := make([]models.CreditApplication, 0, len(rows))
	for _, row := range rows {
		apps = append(apps, models.CreditApplication{
			CreditNoteID: asString(row["CREDIT_MEMO_ID"]),
			InvoiceID:    asString(row["INVOICE_ID"]),
			Amount:       asDecimal(row["AMOUNT"]),
		})
	}
	return apps
}

func splitEmails(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == ' ' })
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case decimal.Decimal:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int32:
		return int64(val)
	case int:
		return int64(val)
	case decimal.Decimal:
		return val.IntPart()
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func asDecimal(v any) decimal.Decimal {
	switch val := v.(type) {
	case decimal.Decimal:
		return val
	case int64:
		return decimal.NewFromInt(val)
	case int32:
		return decimal.NewFromInt(int64(val))
	case int:
		return decimal.NewFromInt(int64(val))
	case float64:
		return decimal.NewFromFloat(val)
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

func asTime(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
			if t, err := time.Parse(layout, val); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int32:
		return val != 0
	case int:
		return val != 0
	case string:
		switch strings.ToUpper(val) {
		case "T", "Y", "1", "TRUE":
			return true
		}
	}
	return false
}
