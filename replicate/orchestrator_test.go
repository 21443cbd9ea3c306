package replicate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtools/diff"
	"dbtools/mysql"
)

func newEndpoint(t *testing.T, cfg mysql.Config) (*mysql.Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mysql.NewManagerWithDB(cfg, db), mock
}

func databases(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"Database"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func tableRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"TABLE_NAME"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

const listTables = "SELECT TABLE_NAME FROM information_schema.TABLES"

func expectListTables(mock sqlmock.Sqlmock, database string, tables ...string) {
	mock.ExpectQuery(regexp.QuoteMeta(listTables)).
		WithArgs(database, mysql.ReservedTable).
		WillReturnRows(tableRows(tables...))
}

func expectDatabaseSize(mock sqlmock.Sqlmock, database string, size int64, tables ...string) {
	expectListTables(mock, database, tables...)
	mock.ExpectQuery(regexp.QuoteMeta("SUM(DATA_LENGTH + INDEX_LENGTH)")).
		WithArgs(database).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(size))
}

// expectFullPlan scripts Verifying and Planning of a full clone of catalog.
func expectFullPlan(src, dst sqlmock.Sqlmock, tables ...string) {
	src.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("information_schema", "catalog"))
	dst.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	expectListTables(src, "catalog", tables...)
	expectListTables(dst, "catalog", tables...)
	expectDatabaseSize(src, "catalog", 32768, tables...)
}

func expectBatch(mock sqlmock.Sqlmock, stmts ...string) {
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	for _, s := range stmts {
		mock.ExpectExec(regexp.QuoteMeta(s)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 1")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectTableMeta(mock sqlmock.Sqlmock, table string, rows int64) {
	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf("SELECT COUNT(*) AS count FROM `catalog`.`%s`", table))).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(rows))
	mock.ExpectQuery(regexp.QuoteMeta("CONSTRAINT_NAME = 'PRIMARY'")).
		WithArgs("catalog", table).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
}

func expectMoviesPage(mock sqlmock.Sqlmock, offset int) {
	rows := sqlmock.NewRows([]string{"id", "title"})
	for i := offset + 1; i <= offset+5; i++ {
		rows.AddRow(int64(i), fmt.Sprintf("Movie %d", i))
	}
	q := fmt.Sprintf("SELECT * FROM `catalog`.`Movies` ORDER BY `id` LIMIT 5 OFFSET %d", offset)
	mock.ExpectQuery(regexp.QuoteMeta(q)).WillReturnRows(rows)
}

func expectCreateStatement(mock sqlmock.Sqlmock, table, ddl string) {
	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf("SHOW CREATE TABLE `catalog`.`%s`", table))).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow(table, ddl))
}

func expectPostVerify(src, dst sqlmock.Sqlmock) {
	expectListTables(src, "catalog", "Movies", "Seasons")
	expectListTables(dst, "catalog", "Movies", "Seasons")
	expectCreateStatement(src, "Movies", "CREATE TABLE `Movies` (m)")
	expectCreateStatement(dst, "Movies", "CREATE TABLE `Movies` (m)")
	expectCreateStatement(src, "Seasons", "CREATE TABLE `Seasons` (s)")
	expectCreateStatement(dst, "Seasons", "CREATE TABLE `Seasons` (s)")
}

// expectCatalogClone scripts a full clone of Movies (10 rows) and Seasons (0 rows).
func expectCatalogClone(src, dst sqlmock.Sqlmock) {
	expectFullPlan(src, dst, "Seasons", "Movies")

	expectBatch(dst, "TRUNCATE TABLE `catalog`.`Movies`", "TRUNCATE TABLE `catalog`.`Seasons`")

	expectTableMeta(src, "Movies", 10)
	expectMoviesPage(src, 0)
	expectBatch(dst, "INSERT INTO `catalog`.`Movies`")
	expectMoviesPage(src, 5)
	expectBatch(dst, "INSERT INTO `catalog`.`Movies`")

	expectTableMeta(src, "Seasons", 0)

	expectPostVerify(src, dst)

	dst.ExpectClose()
	src.ExpectClose()
}

func TestRunFullCloneOfCatalog(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master", Protected: true})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})
	expectCatalogClone(src, dst)

	var states []State
	var out bytes.Buffer
	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}, BatchSize: 5})
	o.Out = &out
	o.OnStateChange = func(s State) { states = append(states, s) }

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Done, report.State)
	assert.Equal(t, int64(10), report.TotalRows())
	assert.Empty(t, report.Errors())
	assert.Equal(t, 0, report.ExitCode())
	assert.NotEmpty(t, report.RunID)

	db := report.Databases[0]
	require.Len(t, db.Tables, 2)
	assert.Equal(t, "Movies", db.Tables[0].Table)
	assert.Equal(t, 2, db.Tables[0].Pages)
	assert.True(t, db.Tables[0].Truncated)
	assert.Equal(t, "Seasons", db.Tables[1].Table)
	assert.Equal(t, 0, db.Tables[1].Pages)
	assert.Empty(t, db.Warnings)

	assert.Equal(t, []State{Connecting, Verifying, Planning, Truncating, Transferring, Verifying, Done}, states)
	assert.Contains(t, out.String(), "catalog: 0.03 MB in 2 tables")

	var summary bytes.Buffer
	report.WriteSummary(&summary)
	assert.Contains(t, summary.String(), "10 rows transferred, 0 errors")

	assert.NoError(t, src.ExpectationsWereMet())
	assert.NoError(t, dst.ExpectationsWereMet())
}

func TestRunToProtectedEndpointWithoutConfirmationWritesNothing(t *testing.T) {
	tests := []struct {
		name    string
		confirm Confirmer
	}{
		{"declined", ConfirmFunc(func(string) (bool, error) { return false, nil })},
		{"prompt failed", ConfirmFunc(func(string) (bool, error) { return true, errors.New("not a terminal") })},
		{"no confirmer", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, src := newEndpoint(t, mysql.Config{Name: "local"})
			dest, dst := newEndpoint(t, mysql.Config{Name: "master", Protected: true})

			expectFullPlan(src, dst, "Movies", "Seasons")
			dst.ExpectClose()
			src.ExpectClose()

			o := New(source, dest, ToMaster, Options{Databases: []string{"catalog"}})
			o.Out = nil
			o.Confirm = tt.confirm

			report, err := o.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Cancelled, report.State)
			assert.Equal(t, 0, report.ExitCode())
			assert.Zero(t, report.TotalRows())

			// Any TRUNCATE or INSERT would have been an unexpected call.
			assert.NoError(t, dst.ExpectationsWereMet())
			assert.NoError(t, src.ExpectationsWereMet())
		})
	}
}

func TestRunToProtectedEndpointProceedsWhenConfirmed(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "local"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "master", Protected: true})
	expectCatalogClone(src, dst)

	var asked string
	o := New(source, dest, ToMaster, Options{Databases: []string{"catalog"}, BatchSize: 5})
	o.Out = nil
	o.Confirm = ConfirmFunc(func(msg string) (bool, error) {
		asked = msg
		return true, nil
	})

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
	assert.Equal(t, int64(10), report.TotalRows())
	assert.Contains(t, asked, "truncate and overwrite 2 table(s) in catalog on master")
}

func TestRunForceSkipsConfirmation(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "local"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "master", Protected: true})
	expectCatalogClone(src, dst)

	o := New(source, dest, ToMaster, Options{Databases: []string{"catalog"}, BatchSize: 5, Force: true})
	o.Out = nil
	o.Confirm = ConfirmFunc(func(string) (bool, error) {
		t.Fatal("confirmation must not be requested with Force")
		return false, nil
	})

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
}

func TestRunVerificationErrorSkipsOnlyThatDatabase(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})

	src.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog", "scraper"))
	dst.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	expectListTables(src, "catalog", "Movies")
	expectListTables(dst, "catalog", "Movies")
	expectDatabaseSize(src, "catalog", 16384, "Movies")
	dst.ExpectClose()
	src.ExpectClose()

	o := New(source, dest, ToLocal, Options{Databases: []string{"scraper", "catalog"}, DryRun: true})
	o.Out = nil

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
	assert.Equal(t, 1, report.ExitCode())

	var verr *VerificationError
	require.ErrorAs(t, report.Databases[0].Err, &verr)
	assert.Equal(t, "scraper", verr.Database)
	assert.Equal(t, "local", verr.Side)
	assert.ErrorIs(t, report.Databases[0].Err, ErrDatabaseMissing)

	assert.NoError(t, report.Databases[1].Err)
	assert.Equal(t, []string{"Movies"}, report.Databases[1].SyncTables())
	assert.NoError(t, src.ExpectationsWereMet())
	assert.NoError(t, dst.ExpectationsWereMet())
}

func columnRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"COLUMN_NAME", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "EXTRA", "COLUMN_KEY"}).
		AddRow("id", "int", "NO", nil, "", "PRI").
		AddRow("title", "varchar(255)", "YES", nil, "", "")
}

func expectCounts(mock sqlmock.Sqlmock, rows, size int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS count FROM `catalog`.`Movies`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(rows))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(DATA_LENGTH + INDEX_LENGTH, 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(size))
}

func expectChecksum(mock sqlmock.Sqlmock, sum int64) {
	mock.ExpectQuery(regexp.QuoteMeta("CHECKSUM TABLE `catalog`.`Movies`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Checksum"}).AddRow("catalog.Movies", sum))
}

func TestRunDiffDryRunReportsWithoutWriting(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})

	src.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	dst.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	expectListTables(src, "catalog", "Movies")
	expectListTables(dst, "catalog", "Movies")
	expectDatabaseSize(src, "catalog", 16384, "Movies")

	src.ExpectQuery(regexp.QuoteMeta("FROM information_schema.COLUMNS")).WillReturnRows(columnRows())
	dst.ExpectQuery(regexp.QuoteMeta("FROM information_schema.COLUMNS")).WillReturnRows(columnRows())
	expectCounts(src, 10, 16384)
	expectCounts(dst, 6, 8192)
	expectChecksum(src, 111)
	expectChecksum(dst, 222)
	dst.ExpectClose()
	src.ExpectClose()

	var out bytes.Buffer
	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}, Mode: DiffOnly, DryRun: true})
	o.Out = &out

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
	assert.Zero(t, report.TotalRows())

	tr := report.Databases[0].Tables[0]
	assert.True(t, tr.Sync)
	require.NotNil(t, tr.Difference)
	assert.Equal(t, diff.DataMismatch, tr.Difference.Kind)
	assert.Contains(t, out.String(), "Movies: data differs, rows 6 → 10 (+4)")
	assert.Contains(t, out.String(), "Dry run, nothing was written")

	assert.NoError(t, src.ExpectationsWereMet())
	assert.NoError(t, dst.ExpectationsWereMet())
}

func TestRunDiffOnlySkipsUnchangedTables(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})

	src.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	dst.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	expectListTables(src, "catalog", "Movies")
	expectListTables(dst, "catalog", "Movies")
	expectDatabaseSize(src, "catalog", 16384, "Movies")
	src.ExpectQuery(regexp.QuoteMeta("FROM information_schema.COLUMNS")).WillReturnRows(columnRows())
	dst.ExpectQuery(regexp.QuoteMeta("FROM information_schema.COLUMNS")).WillReturnRows(columnRows())
	expectChecksum(src, 42)
	expectChecksum(dst, 42)
	dst.ExpectClose()
	src.ExpectClose()

	var out bytes.Buffer
	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}, Mode: DiffOnly})
	o.Out = &out

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
	assert.Empty(t, report.Databases[0].SyncTables())
	assert.Contains(t, out.String(), "Everything is up to date")
	assert.NoError(t, dst.ExpectationsWereMet())
}

func TestRunTransferFailureIsFatal(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})

	expectFullPlan(src, dst, "Movies", "Seasons")
	expectBatch(dst, "TRUNCATE TABLE `catalog`.`Movies`", "TRUNCATE TABLE `catalog`.`Seasons`")
	expectTableMeta(src, "Movies", 10)
	expectMoviesPage(src, 0)

	dst.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	dst.ExpectBegin()
	dst.ExpectExec("INSERT INTO").WillReturnError(errors.New("Data too long for column 'title'"))
	dst.ExpectRollback()
	dst.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	dst.ExpectClose()
	src.ExpectClose()

	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}, BatchSize: 5})
	o.Out = nil

	report, err := o.Run(context.Background())
	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "catalog", terr.Database)
	assert.Equal(t, "Movies", terr.Table)
	assert.Equal(t, ToLocal, terr.Direction)
	assert.Contains(t, err.Error(), "Data too long")

	assert.Equal(t, Failed, report.State)
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, Failed, o.State())

	// Seasons is never read.
	assert.NoError(t, src.ExpectationsWereMet())
	assert.NoError(t, dst.ExpectationsWereMet())
}

func TestRunTruncationFailureRestoresForeignKeyChecks(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})

	expectFullPlan(src, dst, "Movies", "Seasons")
	dst.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	dst.ExpectBegin()
	dst.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `catalog`.`Movies`")).WillReturnResult(sqlmock.NewResult(0, 0))
	dst.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `catalog`.`Seasons`")).WillReturnError(errors.New("Lock wait timeout exceeded"))
	dst.ExpectRollback()
	dst.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	dst.ExpectClose()
	src.ExpectClose()

	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}})
	o.Out = nil

	report, err := o.Run(context.Background())
	var terr *TruncationError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "catalog", terr.Database)
	assert.Equal(t, Failed, report.State)
	assert.NoError(t, dst.ExpectationsWereMet())
}

func TestRunCreatesMissingTables(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})

	src.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	dst.ExpectQuery("SHOW DATABASES").WillReturnRows(databases("catalog"))
	expectListTables(src, "catalog", "Seasons")
	expectListTables(dst, "catalog")
	expectDatabaseSize(src, "catalog", 0, "Seasons")

	expectCreateStatement(src, "Seasons", "CREATE TABLE `Seasons` (\n  `id` int NOT NULL\n)")
	expectBatch(dst, "CREATE TABLE IF NOT EXISTS `catalog`.`Seasons` (\n  `id` int NOT NULL\n)")
	expectTableMeta(src, "Seasons", 0)

	expectListTables(src, "catalog", "Seasons")
	expectListTables(dst, "catalog", "Seasons")
	expectCreateStatement(src, "Seasons", "CREATE TABLE `Seasons` (s)")
	expectCreateStatement(dst, "Seasons", "CREATE TABLE `Seasons` (s)")
	dst.ExpectClose()
	src.ExpectClose()

	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}})
	o.Out = nil

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	tr := report.Databases[0].Tables[0]
	assert.True(t, tr.Created)
	assert.False(t, tr.Truncated)
	assert.NoError(t, dst.ExpectationsWereMet())
}

func TestRunConnectionFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing().WillReturnError(errors.New("Access denied for user 'reader'@'10.0.0.7'"))
	mock.ExpectClose()

	source := mysql.NewManagerWithDB(mysql.Config{Name: "master"}, db)
	dest, _ := newEndpoint(t, mysql.Config{Name: "local"})

	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}})
	o.Out = nil

	report, err := o.Run(context.Background())
	var cerr *mysql.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "master (:3306)", cerr.Endpoint)
	assert.Equal(t, Failed, report.State)
	assert.Equal(t, 1, report.ExitCode())
}

func TestRunWithoutDatabasesFails(t *testing.T) {
	source, _ := newEndpoint(t, mysql.Config{})
	dest, _ := newEndpoint(t, mysql.Config{})

	report, err := New(source, dest, ToLocal, Options{}).Run(context.Background())
	assert.EqualError(t, err, "no databases selected")
	assert.Equal(t, Failed, report.State)
}

func TestRunStopsSchedulingAfterCancel(t *testing.T) {
	source, src := newEndpoint(t, mysql.Config{Name: "master"})
	dest, dst := newEndpoint(t, mysql.Config{Name: "local"})
	expectFullPlan(src, dst, "Seasons", "Movies")
	dst.ExpectClose()
	src.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(source, dest, ToLocal, Options{Databases: []string{"catalog"}, BatchSize: 5})
	o.Out = io.Discard
	report, err := o.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, report.State)
	assert.Equal(t, 1, report.ExitCode())
	assert.False(t, report.Databases[0].Tables[0].Truncated)
	assert.NoError(t, src.ExpectationsWereMet())
	assert.NoError(t, dst.ExpectationsWereMet())
}
