package mapper

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLBuilder produces parameterized Firebird statements. Identifiers are
// validated and upper-cased; values always travel as "?" arguments.
type SQLBuilder struct{}

func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// Condition is one "COLUMN op ?" term of a WHERE clause, joined with AND.
type Condition struct {
	Column string
	Op     string
	Value  any
}

func Eq(column string, value any) Condition {
	return Condition{Column: column, Op: "=", Value: value}
}

func Gt(column string, value any) Condition {
	return Condition{Column: column, Op: ">", Value: value}
}

var allowedOps = map[string]struct{}{"=": {}, "<>": {}, ">": {}, "<": {}, ">=": {}, "<=": {}}

// BuildSelect generates a SELECT with an optional row limit (FIRST n) and ORDER BY.
func (b *SQLBuilder) BuildSelect(tableName string, columns []string, where []Condition, orderBy string, limit int) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns requested from table %s", tableName)
	}
	if err := checkIdentifiers(append([]string{tableName}, columns...)...); err != nil {
		return "", nil, err
	}

	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = strings.ToUpper(c)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if limit > 0 {
		fmt.Fprintf(&sb, "FIRST %d ", limit)
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(strings.ToUpper(tableName))

	clause, args, err := b.whereClause(where)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(clause)

	if orderBy != "" {
		if err := checkIdentifiers(orderBy); err != nil {
			return "", nil, err
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.ToUpper(orderBy))
	}

	return sb.String(), args, nil
}

// BuildUpdate generates an UPDATE statement based on a primary key
func (b *SQLBuilder) BuildUpdate(tableName string, pkColumn string, pkValue any, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no data provided for update on table %s", tableName)
	}
	if err := checkIdentifiers(tableName, pkColumn); err != nil {
		return "", nil, err
	}

	var setClauses []string
	var args []any

	keys := make([]string, 0, len(data))
	for k := range data {
		// the key never goes into SET
		if strings.EqualFold(k, pkColumn) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("update on table %s only names the primary key", tableName)
	}
	if err := checkIdentifiers(keys...); err != nil {
		return "", nil, err
	}
	sort.Strings(keys)

	for _, k := range keys {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", strings.ToUpper(k)))
		args = append(args, b.formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		strings.ToUpper(tableName),
		strings.Join(setClauses, ", "),
		strings.ToUpper(pkColumn),
	)
	args = append(args, b.formatValue(pkValue))

	return query, args, nil
}

// BuildDelete generates a DELETE by primary key
func (b *SQLBuilder) BuildDelete(tableName, pkColumn string, pkValue any) (string, []any, error) {
	if err := checkIdentifiers(tableName, pkColumn); err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", strings.ToUpper(tableName), strings.ToUpper(pkColumn))
	return query, []any{b.formatValue(pkValue)}, nil
}

func (b *SQLBuilder) whereClause(where []Condition) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	terms := make([]string, 0, len(where))
	args := make([]any, 0, len(where))
	for _, c := range where {
		if err := checkIdentifiers(c.Column); err != nil {
			return "", nil, err
		}
		if _, ok := allowedOps[c.Op]; !ok {
			return "", nil, fmt.Errorf("operator %q is not allowed", c.Op)
		}
		if c.Value == nil {
			if c.Op != "=" {
				return "", nil, fmt.Errorf("NULL comparison only supports '=' on %s", c.Column)
			}
			terms = append(terms, fmt.Sprintf("%s IS NULL", strings.ToUpper(c.Column)))
			continue
		}
		terms = append(terms, fmt.Sprintf("%s %s ?", strings.ToUpper(c.Column), c.Op))
		args = append(args, b.formatValue(c.Value))
	}
	return " WHERE " + strings.Join(terms, " AND "), args, nil
}

// formatValue handles type conversion for Firebird specificities
func (b *SQLBuilder) formatValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return val
	}
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierPattern.MatchString(n) {
			return fmt.Errorf("invalid SQL identifier %q", n)
		}
	}
	return nil
}
