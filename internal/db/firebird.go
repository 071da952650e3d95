package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/billabex/netsuite-connector/internal/mapper"
	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/encoding"

	_ "github.com/nakagami/firebirdsql"
)

// FirebirdRepository reads ERP records and writes back remote identifiers.
type FirebirdRepository struct {
	db      *sql.DB
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

// NewFirebirdRepository initializes a small connection pool for the ERP database
func NewFirebirdRepository(connString string, logger *slog.Logger) (*FirebirdRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %w", err)
	}

	// the ERP server is shared with the accounting users
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	logger.Info("Connected to ERP Firebird database successfully")

	return newFirebirdRepository(db, logger), nil
}

func newFirebirdRepository(db *sql.DB, logger *slog.Logger) *FirebirdRepository {
	return &FirebirdRepository{
		db:      db,
		builder: mapper.NewSQLBuilder(),
		logger:  logger,
	}
}

func (r *FirebirdRepository) LoadAccount(ctx context.Context, id string) (models.Account, error) {
	row, err := r.loadOne(ctx, customerTable, id)
	if err != nil {
		return models.Account{}, err
	}
	return decodeAccount(row), nil
}

func (r *FirebirdRepository) LoadContact(ctx context.Context, id string) (models.Contact, error) {
	row, err := r.loadOne(ctx, contactTable, id)
	if err != nil {
		return models.Contact{}, err
	}
	return decodeContact(row), nil
}

func (r *FirebirdRepository) LoadInvoice(ctx context.Context, id string) (models.Invoice, error) {
	row, err := r.loadOne(ctx, invoiceTable, id)
	if err != nil {
		return models.Invoice{}, err
	}
	return decodeInvoice(row), nil
}

func (r *FirebirdRepository) LoadCreditNote(ctx context.Context, id string) (models.CreditNote, error) {
	row, err := r.loadOne(ctx, creditMemoTable, id)
	if err != nil {
		return models.CreditNote{}, err
	}
	return decodeCreditNote(row), nil
}

func (r *FirebirdRepository) LoadPayment(ctx context.Context, id string) (models.Payment, error) {
	row, err := r.loadOne(ctx, paymentTable, id)
	if err != nil {
		return models.Payment{}, err
	}
	payment := models.Payment{ID: asString(row["ID"]), AccountID: asString(row["CUSTOMER_ID"])}

	rows, err := r.selectRows(ctx, paymentApplyTable, []mapper.Condition{mapper.Eq("PAYMENT_ID", keyArg(id))}, "INVOICE_ID")
	if err != nil {
		return models.Payment{}, err
	}
	for _, ar := range rows {
		payment.InvoiceIDs = append(payment.InvoiceIDs, asString(ar["INVOICE_ID"]))
	}
	return payment, nil
}

func (r *FirebirdRepository) ContactsOfAccount(ctx context.Context, accountID string) ([]models.Contact, error) {
	rows, err := r.selectRows(ctx, contactTable, []mapper.Condition{mapper.Eq("COMPANY_ID", keyArg(accountID))}, "ID")
	if err != nil {
		return nil, err
	}
	contacts := make([]models.Contact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, decodeContact(row))
	}
	return contacts, nil
}

func (r *FirebirdRepository) OpenInvoiceIDsOfAccount(ctx context.Context, accountID string) ([]string, error) {
	rows, err := r.selectRows(ctx, invoiceTable, []mapper.Condition{
		mapper.Eq("ENTITY_ID", keyArg(accountID)),
		mapper.Gt("AMOUNT_REMAINING", 0),
	}, "TRAN_DATE")
	if err != nil {
		return nil, err
	}
	return column(rows, "ID"), nil
}

func (r *FirebirdRepository) CreditNotesOfAccount(ctx context.Context, accountID string) ([]models.CreditNote, error) {
	rows, err := r.selectRows(ctx, creditMemoTable, []mapper.Condition{mapper.Eq("ENTITY_ID", keyArg(accountID))}, "TRAN_DATE")
	if err != nil {
		return nil, err
	}
	notes := make([]models.CreditNote, 0, len(rows))
	for _, row := range rows {
		notes = append(notes, decodeCreditNote(row))
	}
	return notes, nil
}

func (r *FirebirdRepository) CreditApplications(ctx context.Context, creditNoteID string) ([]models.CreditApplication, error) {
	rows, err := r.selectRows(ctx, creditApplyTable, []mapper.Condition{mapper.Eq("CREDIT_MEMO_ID", keyArg(creditNoteID))}, "INVOICE_ID")
	if err != nil {
		return nil, err
	}
	return decodeApplications(rows), nil
}

// CreditApplicationsOfInvoice lists the credit lines applied against an invoice
func (r *FirebirdRepository) CreditApplicationsOfInvoice(ctx context.Context, invoiceID string) ([]models.CreditApplication, error) {
	rows, err := r.selectRows(ctx, creditApplyTable, []mapper.Condition{mapper.Eq("INVOICE_ID", keyArg(invoiceID))}, "CREDIT_MEMO_ID")
	if err != nil {
		return nil, err
	}
	return decodeApplications(rows), nil
}

func (r *FirebirdRepository) ActiveAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.selectRows(ctx, customerTable, []mapper.Condition{mapper.Eq("IS_INACTIVE", 0)}, "ID")
	if err != nil {
		return nil, err
	}
	return column(rows, "ID"), nil
}

// SubmitFields writes engine-owned fields (remote identifiers) back onto a record.
// Only fields declared writable for the kind are accepted.
func (r *FirebirdRepository) SubmitFields(ctx context.Context, kind models.EntityKind, id string, fields map[string]any) error {
	table, ok := tablesByKind[kind]
	if !ok {
		return fmt.Errorf("FATAL: no ERP table registered for kind %s", kind)
	}

	data := make(map[string]any, len(fields))
	for name, value := range fields {
		col, ok := table.writable[name]
		if !ok {
			return fmt.Errorf("FATAL: field %s is not writable on %s", name, table.name)
		}
		if s, isString := value.(string); isString && s == "" {
			value = nil
		}
		data[col] = value
	}

	query, args, err := r.builder.BuildUpdate(table.name, table.pk, keyArg(id), data)
	if err != nil {
		return fmt.Errorf("FATAL: sql build failed: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return fmt.Errorf("submit fields on %s %s: %w", table.name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("submit fields on %s %s: %w", table.name, id, models.ErrRecordNotFound)
	}

	r.logger.Debug("Submitted fields to ERP", "table", table.name, "id", id, "fields", len(data))
	return nil
}

// FetchOutboxPending returns the oldest change rows written by ERP triggers
func (r *FirebirdRepository) FetchOutboxPending(ctx context.Context, limit int) ([]models.ERPOutboxRecord, error) {
	query, args, err := r.builder.BuildSelect(outboxTable.name, outboxTable.columns, nil, "ID", limit)
	if err != nil {
		return nil, err
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox: %w", err)
	}

	records := make([]models.ERPOutboxRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.ERPOutboxRecord{
			ID:             asInt64(row["ID"]),
			EntityKind:     strings.ToLower(asString(row["ENTITY_KIND"])),
			RecordID:       asString(row["RECORD_ID"]),
			OpType:         strings.ToUpper(asString(row["OP_TYPE"])),
			RemoteID:       asString(row["REMOTE_ID"]),
			ParentRemoteID: asString(row["PARENT_REMOTE_ID"]),
			CreatedAt:      asTime(row["CREATED_AT"]),
		})
	}
	return records, nil
}

func (r *FirebirdRepository) DeleteOutbox(ctx context.Context, id int64) error {
	query, args, err := r.builder.BuildDelete(outboxTable.name, outboxTable.pk, id)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := r.db.ExecContext(opCtx, query, args...); err != nil {
		return fmt.Errorf("failed to delete outbox row %d: %w", id, err)
	}
	return nil
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdRepository) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}

func (r *FirebirdRepository) loadOne(ctx context.Context, table erpTable, id string) (map[string]any, error) {
	query, args, err := r.builder.BuildSelect(table.name, table.columns, []mapper.Condition{mapper.Eq(table.pk, keyArg(id))}, "", 1)
	if err != nil {
		return nil, err
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", table.name, id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("load %s %s: %w", table.name, id, models.ErrRecordNotFound)
	}
	return rows[0], nil
}

func (r *FirebirdRepository) selectRows(ctx context.Context, table erpTable, where []mapper.Condition, orderBy string) ([]map[string]any, error) {
	query, args, err := r.builder.BuildSelect(table.name, table.columns, where, orderBy, 0)
	if err != nil {
		return nil, err
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table.name, err)
	}
	return rows, nil
}

// query scans every row into a column map with ERP text decoded to UTF-8
func (r *FirebirdRepository) query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[strings.ToUpper(c)] = encoding.NormalizeColumn(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// keyArg passes numeric ERP keys as integers so Firebird can use the PK index
func keyArg(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func column(rows []map[string]any, name string) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, asString(row[name]))
	}
	return out
}
