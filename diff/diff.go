// Package diff compares a database on two endpoints, table by table.
package diff

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"dbtools/internal"
)

// Catalog is the slice of the schema inspector the analyzer needs.
// *mysql.Manager satisfies it.
type Catalog interface {
	ListTables(ctx context.Context, database string) ([]string, error)
	CreateStatement(ctx context.Context, database, table string) (string, error)
	ColumnSignature(ctx context.Context, database, table string) (string, error)
	Checksum(ctx context.Context, database, table string) (int64, error)
	RowCount(ctx context.Context, database, table string) (int64, error)
	TableByteSize(ctx context.Context, database, table string) (int64, error)
}

type Kind string

const (
	MissingTable   Kind = "missing_table"
	ExtraTable     Kind = "extra_table"
	SchemaMismatch Kind = "schema_mismatch"
	DataMismatch   Kind = "data_mismatch"
)

// Level selects how strictly two table definitions are compared.
type Level int

const (
	// DDLText compares SHOW CREATE TABLE output, so engine, charset and
	// index differences count.
	DDLText Level = iota
	// ColumnSignatures compares only column name, type, nullability, default
	// and extra attributes.
	ColumnSignatures
)

// Record describes one difference. Which fields are set depends on Kind:
// DDLs for SchemaMismatch, checksums for DataMismatch, counts and sizes for
// everything AnalyzeTableDifferences and CompareDatabase produce.
type Record struct {
	Kind  Kind
	Table string

	SourceDDL string
	DestDDL   string

	SourceChecksum int64
	DestChecksum   int64
	ChecksumFailed bool

	SourceRows  int64
	DestRows    int64
	SourceBytes int64
	DestBytes   int64

	SchemaChanged bool
	DataChanged   bool
}

func (r Record) RowDelta() int64 {
	return r.SourceRows - r.DestRows
}

func (r Record) ByteDelta() int64 {
	return r.SourceBytes - r.DestBytes
}

func (r Record) String() string {
	switch r.Kind {
	case MissingTable:
		return fmt.Sprintf("%s: missing on destination", r.Table)
	case ExtraTable:
		return fmt.Sprintf("%s: only on destination", r.Table)
	case SchemaMismatch:
		return fmt.Sprintf("%s: schema differs", r.Table)
	case DataMismatch:
		if r.ChecksumFailed {
			return fmt.Sprintf("%s: checksum unavailable, assuming changed", r.Table)
		}
		return fmt.Sprintf("%s: data differs (checksum %d vs %d)", r.Table, r.SourceChecksum, r.DestChecksum)
	default:
		return r.Table
	}
}

// Summary counts records by kind.
type Summary map[Kind]int

func Summarize(records []Record) Summary {
	s := Summary{}
	for _, r := range records {
		s[r.Kind]++
	}
	return s
}

type Analyzer struct {
	Source Catalog
	Dest   Catalog
	Level  Level
}

func NewAnalyzer(source, dest Catalog) *Analyzer {
	return &Analyzer{Source: source, Dest: dest, Level: DDLText}
}

var autoIncrement = regexp.MustCompile(`\s+AUTO_INCREMENT=\d+`)

// NormalizeDDL drops the table's next AUTO_INCREMENT value, which changes
// with every insert and says nothing about the schema.
func NormalizeDDL(ddl string) string {
	return strings.TrimSpace(autoIncrement.ReplaceAllString(ddl, ""))
}

// CompareSchemas lists tables on both sides. Source-only tables are
// MissingTable, destination-only tables ExtraTable, and tables on both sides
// whose definitions differ at the analyzer's Level are SchemaMismatch.
func (a *Analyzer) CompareSchemas(ctx context.Context, sourceDB, destDB string) ([]Record, error) {
	sourceTables, err := a.Source.ListTables(ctx, sourceDB)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}
	destTables, err := a.Dest.ListTables(ctx, destDB)
	if err != nil {
		return nil, fmt.Errorf("list destination tables: %w", err)
	}

	inDest := make(map[string]bool, len(destTables))
	for _, t := range destTables {
		inDest[t] = true
	}
	inSource := make(map[string]bool, len(sourceTables))

	var records []Record
	for _, table := range sourceTables {
		inSource[table] = true
		if !inDest[table] {
			records = append(records, Record{Kind: MissingTable, Table: table})
			continue
		}

		rec, err := a.compareDefinition(ctx, sourceDB, destDB, table)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}

	for _, table := range destTables {
		if !inSource[table] {
			records = append(records, Record{Kind: ExtraTable, Table: table})
		}
	}
	return records, nil
}

func (a *Analyzer) compareDefinition(ctx context.Context, sourceDB, destDB, table string) (*Record, error) {
	var read func(Catalog, string) (string, error)
	if a.Level == ColumnSignatures {
		read = func(c Catalog, db string) (string, error) { return c.ColumnSignature(ctx, db, table) }
	} else {
		read = func(c Catalog, db string) (string, error) {
			ddl, err := c.CreateStatement(ctx, db, table)
			return NormalizeDDL(ddl), err
		}
	}

	src, err := read(a.Source, sourceDB)
	if err != nil {
		return nil, fmt.Errorf("read source definition of %s: %w", table, err)
	}
	dst, err := read(a.Dest, destDB)
	if err != nil {
		return nil, fmt.Errorf("read destination definition of %s: %w", table, err)
	}
	if src == dst {
		return nil, nil
	}
	return &Record{
		Kind:          SchemaMismatch,
		Table:         table,
		SourceDDL:     src,
		DestDDL:       dst,
		SchemaChanged: true,
	}, nil
}

// checksums fails open: any error is reported as failed so callers treat
// the table as changed.
func (a *Analyzer) checksums(ctx context.Context, database, table string) (src, dst int64, failed bool) {
	var err error
	if src, err = a.Source.Checksum(ctx, database, table); err != nil {
		internal.Logger.Warn("Source checksum failed, assuming table changed", "database", database, "table", table, "error", err)
		return 0, 0, true
	}
	if dst, err = a.Dest.Checksum(ctx, database, table); err != nil {
		internal.Logger.Warn("Destination checksum failed, assuming table changed", "database", database, "table", table, "error", err)
		return src, 0, true
	}
	return src, dst, false
}

// TableNeedsSync is the cheap gate used while cloning: column signatures
// first, then checksums.
func (a *Analyzer) TableNeedsSync(ctx context.Context, database, table string) (bool, error) {
	srcSig, err := a.Source.ColumnSignature(ctx, database, table)
	if err != nil {
		return false, fmt.Errorf("read source columns of %s: %w", table, err)
	}
	dstSig, err := a.Dest.ColumnSignature(ctx, database, table)
	if err != nil {
		return false, fmt.Errorf("read destination columns of %s: %w", table, err)
	}
	if srcSig != dstSig {
		internal.Logger.Debug("Column signatures differ", "database", database, "table", table)
		return true, nil
	}

	src, dst, failed := a.checksums(ctx, database, table)
	if failed {
		return true, nil
	}
	internal.Logger.Debug("Compared checksums", "database", database, "table", table, "source", src, "dest", dst)
	return src != dst, nil
}

// AnalyzeTableDifferences is the detailed counterpart of TableNeedsSync, used
// for reports and dry runs. It returns nil when the table is in sync.
func (a *Analyzer) AnalyzeTableDifferences(ctx context.Context, database, table string) (*Record, error) {
	srcSig, err := a.Source.ColumnSignature(ctx, database, table)
	if err != nil {
		return nil, fmt.Errorf("read source columns of %s: %w", table, err)
	}
	dstSig, err := a.Dest.ColumnSignature(ctx, database, table)
	if err != nil {
		return nil, fmt.Errorf("read destination columns of %s: %w", table, err)
	}

	rec := Record{Table: table}
	if rec.SourceRows, err = a.Source.RowCount(ctx, database, table); err != nil {
		return nil, err
	}
	if rec.SourceBytes, err = a.Source.TableByteSize(ctx, database, table); err != nil {
		return nil, err
	}

	if dstSig == "" {
		rec.Kind = MissingTable
		rec.SchemaChanged = true
		rec.DataChanged = rec.SourceRows > 0
		return &rec, nil
	}

	if rec.DestRows, err = a.Dest.RowCount(ctx, database, table); err != nil {
		return nil, err
	}
	if rec.DestBytes, err = a.Dest.TableByteSize(ctx, database, table); err != nil {
		return nil, err
	}

	rec.SchemaChanged = srcSig != dstSig
	rec.SourceChecksum, rec.DestChecksum, rec.ChecksumFailed = a.checksums(ctx, database, table)
	rec.DataChanged = rec.ChecksumFailed || rec.SourceChecksum != rec.DestChecksum

	switch {
	case rec.SchemaChanged:
		rec.Kind = SchemaMismatch
		rec.SourceDDL, rec.DestDDL = srcSig, dstSig
	case rec.DataChanged:
		rec.Kind = DataMismatch
	default:
		return nil, nil
	}
	return &rec, nil
}

// CompareDatabase runs CompareSchemas and then checksums every table present
// on both sides. A table whose schema already differs keeps a single
// SchemaMismatch record with DataChanged set instead of gaining a second one.
func (a *Analyzer) CompareDatabase(ctx context.Context, database string) ([]Record, error) {
	records, err := a.CompareSchemas(ctx, database, database)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]bool)
	schema := make(map[string]int)
	for i, r := range records {
		switch r.Kind {
		case MissingTable, ExtraTable:
			skip[r.Table] = true
		case SchemaMismatch:
			schema[r.Table] = i
		}
	}

	tables, err := a.Source.ListTables(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}

	for _, table := range tables {
		if skip[table] {
			continue
		}
		src, dst, failed := a.checksums(ctx, database, table)
		if !failed && src == dst {
			continue
		}

		if i, ok := schema[table]; ok {
			records[i].DataChanged = true
			records[i].SourceChecksum, records[i].DestChecksum, records[i].ChecksumFailed = src, dst, failed
			continue
		}

		rec := Record{
			Kind:           DataMismatch,
			Table:          table,
			SourceChecksum: src,
			DestChecksum:   dst,
			ChecksumFailed: failed,
			DataChanged:    true,
		}
		if err := a.fillSizes(ctx, database, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (a *Analyzer) fillSizes(ctx context.Context, database string, rec *Record) error {
	var err error
	if rec.SourceRows, err = a.Source.RowCount(ctx, database, rec.Table); err != nil {
		return err
	}
	if rec.DestRows, err = a.Dest.RowCount(ctx, database, rec.Table); err != nil {
		return err
	}
	if rec.SourceBytes, err = a.Source.TableByteSize(ctx, database, rec.Table); err != nil {
		return err
	}
	if rec.DestBytes, err = a.Dest.TableByteSize(ctx, database, rec.Table); err != nil {
		return err
	}
	return nil
}
