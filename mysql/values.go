package mysql

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	timeLayout   = "2006-01-02 15:04:05"
	zeroDateTime = "0000-00-00 00:00:00"
)

type Column struct {
	Name string
	Type string
}

// Result is a fully buffered result set. Values are normalized from the
// driver's wire representation into Go types the upsert builder understands.
type Result struct {
	Columns []Column
	Rows    [][]any
}

func (r *Result) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Numeric carries a DECIMAL value in its exact textual form.
type Numeric string

func readResult(rows *sql.Rows) (*Result, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}

	res := &Result{Columns: make([]Column, len(types))}
	for i, ct := range types {
		res.Columns[i] = Column{Name: ct.Name(), Type: strings.ToUpper(ct.DatabaseTypeName())}
	}

	for rows.Next() {
		values := make([]any, len(types))
		valuePtrs := make([]any, len(types))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		for i := range values {
			if values[i], err = normalize(res.Columns[i].Type, values[i]); err != nil {
				return nil, fmt.Errorf("column %s: %w", res.Columns[i].Name, err)
			}
		}
		res.Rows = append(res.Rows, values)
	}

	return res, rows.Err()
}

// normalize turns text-protocol bytes into typed values using the column's
// database type. Binary columns stay as bytes.
func normalize(dbType string, v any) (any, error) {
	raw, ok := v.([]byte)
	if !ok {
		return v, nil
	}

	unsigned := strings.HasPrefix(dbType, "UNSIGNED ")
	base := strings.TrimPrefix(dbType, "UNSIGNED ")

	switch base {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		if unsigned {
			return strconv.ParseUint(string(raw), 10, 64)
		}
		return strconv.ParseInt(string(raw), 10, 64)
	case "DECIMAL":
		return Numeric(raw), nil
	case "FLOAT", "DOUBLE":
		return strconv.ParseFloat(string(raw), 64)
	case "BIT", "BINARY", "VARBINARY", "TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB", "GEOMETRY":
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	default:
		return string(raw), nil
	}
}

// FormatValue renders one value as a SQL literal:
//   - nil becomes NULL
//   - numbers and booleans are emitted unquoted
//   - times render as 'YYYY-MM-DD HH:MM:SS'
//   - maps, structs and slices are written as their JSON text
//   - raw bytes use a hex literal
//   - anything else is a string literal with quotes doubled
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case Numeric:
		return string(x), nil
	case time.Time:
		// The driver decodes MySQL zero dates to the zero time.
		if x.IsZero() {
			return quoteString(zeroDateTime), nil
		}
		return quoteString(x.Format(timeLayout)), nil
	case []byte:
		if len(x) == 0 {
			return "''", nil
		}
		return "X'" + hex.EncodeToString(x) + "'", nil
	case string:
		return quoteString(x), nil
	case json.RawMessage:
		return quoteString(string(x)), nil
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode %T as JSON: %w", v, err)
		}
		return quoteString(string(data)), nil
	}
	return quoteString(fmt.Sprint(v)), nil
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// BuildUpsert renders one multi-row INSERT ... ON DUPLICATE KEY UPDATE for
// the page. Key columns are never part of the update list.
func BuildUpsert(database, table string, columns, keys []string, rows [][]any) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("no columns for %s.%s", database, table)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows for %s.%s", database, table)
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	quoted := make([]string, len(columns))
	var updates []string
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		if !isKey[c] {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoted[i], quoted[i]))
		}
	}

	var b strings.Builder
	if len(updates) == 0 {
		b.WriteString("INSERT IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(qualify(database, table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(") VALUES ")

	for r, row := range rows {
		if len(row) != len(columns) {
			return "", fmt.Errorf("row %d has %d values, expected %d", r, len(row), len(columns))
		}
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i, v := range row {
			if i > 0 {
				b.WriteString(", ")
			}
			lit, err := FormatValue(v)
			if err != nil {
				return "", fmt.Errorf("row %d column %s: %w", r, columns[i], err)
			}
			b.WriteString(lit)
		}
		b.WriteByte(')')
	}

	if len(updates) > 0 {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		b.WriteString(strings.Join(updates, ", "))
	}
	return b.String(), nil
}
