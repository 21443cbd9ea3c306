package mysql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ReservedTable holds application accounts and is never listed, compared or copied.
const ReservedTable = "Users"

var ErrNoChecksum = errors.New("checksum not available")

type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
	Default  *string
	Extra    string
	Key      string
}

// Signature renders the column the way ColumnSignature concatenates it.
func (c ColumnInfo) Signature() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte(' ')
	b.WriteString(c.Type)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*c.Default)
	}
	if c.Extra != "" {
		b.WriteByte(' ')
		b.WriteString(c.Extra)
	}
	return b.String()
}

// TableDescriptor is a point-in-time view of one table. It is rebuilt on
// every Describe call and never cached.
type TableDescriptor struct {
	Name            string
	Position        int // -1 when the table is not part of the dependency order
	Columns         []ColumnInfo
	CreateStatement string
	RowCount        int64
	ByteSize        int64
}

type DatabaseSize struct {
	TotalBytes int64
	TableCount int
}

// Positioner reports a table's index in a dependency ordering.
type Positioner interface {
	Position(table string) (int, bool)
}

func (m *Manager) ListDatabases(ctx context.Context) ([]string, error) {
	res, err := m.Query(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, fmt.Errorf("list databases on %s: %w", m.Endpoint(), err)
	}
	return firstColumnStrings(res)
}

func (m *Manager) DatabaseExists(ctx context.Context, database string) (bool, error) {
	databases, err := m.ListDatabases(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range databases {
		if d == database {
			return true, nil
		}
	}
	return false, nil
}

// ListTables returns the base tables of a database in catalog order,
// leaving out ReservedTable.
func (m *Manager) ListTables(ctx context.Context, database string) ([]string, error) {
	res, err := m.Query(ctx,
		"SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' AND TABLE_NAME <> ?",
		database, ReservedTable)
	if err != nil {
		return nil, fmt.Errorf("list tables of %s on %s: %w", database, m.Endpoint(), err)
	}
	return firstColumnStrings(res)
}

func (m *Manager) CreateStatement(ctx context.Context, database, table string) (string, error) {
	res, err := m.Query(ctx, "SHOW CREATE TABLE "+qualify(database, table))
	if err != nil {
		return "", fmt.Errorf("show create table %s.%s: %w", database, table, err)
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) < 2 {
		return "", fmt.Errorf("show create table %s.%s: empty result", database, table)
	}
	return asString(res.Rows[0][1]), nil
}

func (m *Manager) Columns(ctx context.Context, database, table string) ([]ColumnInfo, error) {
	res, err := m.Query(ctx,
		`SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, EXTRA, COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`,
		database, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s.%s: %w", database, table, err)
	}

	columns := make([]ColumnInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("read columns of %s.%s: unexpected row width %d", database, table, len(row))
		}
		col := ColumnInfo{
			Name:     asString(row[0]),
			Type:     asString(row[1]),
			Nullable: strings.EqualFold(asString(row[2]), "YES"),
			Extra:    asString(row[4]),
			Key:      asString(row[5]),
		}
		if row[3] != nil {
			def := asString(row[3])
			col.Default = &def
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// ColumnSignature concatenates name, type, nullability, default and extra
// attributes of every column in catalog order. A missing table yields "".
func (m *Manager) ColumnSignature(ctx context.Context, database, table string) (string, error) {
	columns, err := m.Columns(ctx, database, table)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c.Signature()
	}
	return strings.Join(parts, ", "), nil
}

// PrimaryKey returns the primary key columns in key order.
func (m *Manager) PrimaryKey(ctx context.Context, database, table string) ([]string, error) {
	res, err := m.Query(ctx,
		`SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`,
		database, table)
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s.%s: %w", database, table, err)
	}
	return firstColumnStrings(res)
}

func (m *Manager) RowCount(ctx context.Context, database, table string) (int64, error) {
	res, err := m.Query(ctx, "SELECT COUNT(*) AS count FROM "+qualify(database, table))
	if err != nil {
		return 0, fmt.Errorf("count rows of %s.%s: %w", database, table, err)
	}
	return firstInt(res)
}

// TableByteSize is data plus index storage as reported by the catalog.
func (m *Manager) TableByteSize(ctx context.Context, database, table string) (int64, error) {
	res, err := m.Query(ctx,
		"SELECT COALESCE(DATA_LENGTH + INDEX_LENGTH, 0) AS size FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?",
		database, table)
	if err != nil {
		return 0, fmt.Errorf("read size of %s.%s: %w", database, table, err)
	}
	return firstInt(res)
}

func (m *Manager) DatabaseSize(ctx context.Context, database string) (DatabaseSize, error) {
	tables, err := m.ListTables(ctx, database)
	if err != nil {
		return DatabaseSize{}, err
	}

	res, err := m.Query(ctx,
		"SELECT COALESCE(SUM(DATA_LENGTH + INDEX_LENGTH), 0) AS size FROM information_schema.TABLES WHERE TABLE_SCHEMA = ?",
		database)
	if err != nil {
		return DatabaseSize{}, fmt.Errorf("read size of %s: %w", database, err)
	}
	size, err := firstInt(res)
	if err != nil {
		return DatabaseSize{}, err
	}
	return DatabaseSize{TotalBytes: size, TableCount: len(tables)}, nil
}

// Checksum returns the engine's whole-table checksum. A NULL checksum (for
// example a missing table) is reported as ErrNoChecksum.
func (m *Manager) Checksum(ctx context.Context, database, table string) (int64, error) {
	res, err := m.Query(ctx, "CHECKSUM TABLE "+qualify(database, table))
	if err != nil {
		return 0, fmt.Errorf("checksum %s.%s: %w", database, table, err)
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) < 2 || res.Rows[0][1] == nil {
		return 0, fmt.Errorf("checksum %s.%s: %w", database, table, ErrNoChecksum)
	}
	return toInt64(res.Rows[0][1])
}

// Describe gathers a fresh TableDescriptor. When order is nil, or the table
// is not part of it, Position is -1.
func (m *Manager) Describe(ctx context.Context, database, table string, order Positioner) (TableDescriptor, error) {
	desc := TableDescriptor{Name: table, Position: -1}
	if order != nil {
		if pos, ok := order.Position(table); ok {
			desc.Position = pos
		}
	}

	var err error
	if desc.Columns, err = m.Columns(ctx, database, table); err != nil {
		return desc, err
	}
	if desc.CreateStatement, err = m.CreateStatement(ctx, database, table); err != nil {
		return desc, err
	}
	if desc.RowCount, err = m.RowCount(ctx, database, table); err != nil {
		return desc, err
	}
	if desc.ByteSize, err = m.TableByteSize(ctx, database, table); err != nil {
		return desc, err
	}
	return desc, nil
}

// QualifyCreateStatement rewrites SHOW CREATE TABLE output so it targets
// database explicitly and does not fail when the table already exists.
func QualifyCreateStatement(database, table, ddl string) string {
	prefix := "CREATE TABLE " + quoteIdent(table)
	if !strings.HasPrefix(ddl, prefix) {
		return ddl
	}
	return "CREATE TABLE IF NOT EXISTS " + qualify(database, table) + strings.TrimPrefix(ddl, prefix)
}

func firstColumnStrings(res *Result) ([]string, error) {
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) == 0 {
			return nil, errors.New("empty row")
		}
		out = append(out, asString(row[0]))
	}
	return out, nil
}

func firstInt(res *Result) (int64, error) {
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, nil
	}
	return toInt64(res.Rows[0][0])
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case Numeric:
		return parseIntText(string(x))
	case string:
		return parseIntText(x)
	case []byte:
		return parseIntText(string(x))
	default:
		return 0, fmt.Errorf("unexpected %T for integer column", v)
	}
}

func parseIntText(s string) (int64, error) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	return strconv.ParseInt(s, 10, 64)
}
