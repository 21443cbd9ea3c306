// Package replicate drives a clone of one or more databases between the
// master and local endpoints.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbtools/diff"
	"dbtools/internal"
	"dbtools/mysql"
	"dbtools/order"
)

type Options struct {
	Databases []string
	BatchSize int
	DryRun    bool
	// Force skips the confirmation required before writing to a protected endpoint.
	Force    bool
	Mode     Mode
	Ordering order.Ordering
	// Tables restricts the run to the named tables when non-empty.
	Tables []string
	// SelectTables lets a caller narrow each database's table list, for
	// example interactively.
	SelectTables func(database string, tables []string) ([]string, error)
}

// Confirmer approves writes to a protected endpoint.
type Confirmer interface {
	Confirm(message string) (bool, error)
}

type ConfirmFunc func(message string) (bool, error)

func (f ConfirmFunc) Confirm(message string) (bool, error) {
	return f(message)
}

// Orchestrator runs one invocation. Databases are processed one after the
// other and tables within a database strictly in dependency order.
type Orchestrator struct {
	Source    *mysql.Manager
	Dest      *mysql.Manager
	Direction Direction
	Options   Options

	// Confirm is consulted when Dest is protected and Force is not set. A nil
	// Confirm never approves.
	Confirm Confirmer
	Out     io.Writer

	OnProgress    mysql.ProgressFunc
	OnStateChange func(State)

	state    State
	analyzer *diff.Analyzer
	stop     context.Context
}

func New(source, dest *mysql.Manager, direction Direction, opts Options) *Orchestrator {
	return &Orchestrator{
		Source:    source,
		Dest:      dest,
		Direction: direction,
		Options:   opts,
		Out:       os.Stdout,
	}
}

func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	internal.Logger.Debug("Replication state changed", "from", o.state, "to", s)
	o.state = s
	if o.OnStateChange != nil {
		o.OnStateChange(s)
	}
}

func (o *Orchestrator) out() io.Writer {
	if o.Out == nil {
		return io.Discard
	}
	return o.Out
}

func (o *Orchestrator) defaults() {
	if o.Options.BatchSize <= 0 {
		o.Options.BatchSize = mysql.DefaultBatchSize
	}
	if len(o.Options.Ordering.Tables) == 0 {
		o.Options.Ordering = order.Content
	}
	if o.analyzer == nil {
		o.analyzer = diff.NewAnalyzer(o.Source, o.Dest)
	}
}

// Run executes the state machine to a terminal state. The returned error is
// the fatal error that moved the run to Failed. Per-database verification
// failures do not stop the run; they show up in the report and its exit code.
//
// Cancelling ctx stops the run before the next table or database starts.
// Statements already in flight are allowed to finish.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	o.defaults()
	o.stop = ctx
	ctx = context.WithoutCancel(ctx)

	report := &Report{
		RunID:     uuid.NewString(),
		Direction: o.Direction,
		Mode:      o.Options.Mode,
		DryRun:    o.Options.DryRun,
		Started:   time.Now(),
	}

	if len(o.Options.Databases) == 0 {
		return o.fail(report, errors.New("no databases selected"))
	}

	o.setState(Connecting)
	if err := o.Source.Connect(ctx); err != nil {
		return o.fail(report, err)
	}
	defer disconnect(o.Source)
	if err := o.Dest.Connect(ctx); err != nil {
		return o.fail(report, err)
	}
	defer disconnect(o.Dest)

	internal.Logger.Info("Connected",
		"source", o.Source.Endpoint(),
		"dest", o.Dest.Endpoint(),
		"direction", o.Direction)

	o.setState(Verifying)
	verified, err := o.verify(ctx, report)
	if err != nil {
		return o.fail(report, err)
	}

	o.setState(Planning)
	for _, d := range verified {
		if err := o.plan(ctx, d); err != nil {
			return o.fail(report, err)
		}
	}
	o.printPlan(report)

	if o.Options.DryRun {
		fmt.Fprintln(o.out(), "Dry run, nothing was written")
		return o.finish(report, Done), nil
	}

	pending := 0
	for _, d := range verified {
		pending += len(d.SyncTables())
	}
	if pending == 0 {
		fmt.Fprintln(o.out(), "Everything is up to date")
		return o.finish(report, Done), nil
	}

	if o.Dest.Config().Protected && !o.Options.Force {
		o.setState(ConfirmingDestructive)
		if !o.confirm(verified, pending) {
			internal.Logger.Warn("Replication cancelled", "dest", o.Dest.Endpoint())
			return o.finish(report, Cancelled), nil
		}
	}

	for _, d := range verified {
		if err := o.stop.Err(); err != nil {
			return o.fail(report, fmt.Errorf("stopped before %s: %w", d.Database, err))
		}
		if err := o.replicate(ctx, d); err != nil {
			return o.fail(report, err)
		}
	}
	return o.finish(report, Done), nil
}

func (o *Orchestrator) fail(report *Report, err error) (*Report, error) {
	report.Err = err
	internal.Logger.Error("Replication failed", "state", o.state, "error", err)
	return o.finish(report, Failed), err
}

func (o *Orchestrator) finish(report *Report, s State) *Report {
	o.setState(s)
	report.State = s
	report.Finished = time.Now()
	return report
}

func (o *Orchestrator) verify(ctx context.Context, report *Report) ([]*DatabaseReport, error) {
	sourceDBs, err := o.Source.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	destDBs, err := o.Dest.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	var verified []*DatabaseReport
	for _, name := range o.Options.Databases {
		d := &DatabaseReport{Database: name}
		report.Databases = append(report.Databases, d)

		switch {
		case !slices.Contains(sourceDBs, name):
			d.Err = &VerificationError{Database: name, Side: o.Direction.Source()}
		case !slices.Contains(destDBs, name):
			d.Err = &VerificationError{Database: name, Side: o.Direction.Dest()}
		}
		if d.Err != nil {
			internal.Logger.Error("Skipping database", "database", name, "error", d.Err)
			continue
		}
		verified = append(verified, d)
	}
	return verified, nil
}

func (o *Orchestrator) plan(ctx context.Context, d *DatabaseReport) error {
	tables, err := o.Source.ListTables(ctx, d.Database)
	if err != nil {
		return err
	}
	if len(o.Options.Tables) > 0 {
		tables = o.restrict(d.Database, tables)
	}
	if o.Options.SelectTables != nil {
		if tables, err = o.Options.SelectTables(d.Database, tables); err != nil {
			return fmt.Errorf("select tables of %s: %w", d.Database, err)
		}
	}
	tables = o.Options.Ordering.Sort(tables)

	destTables, err := o.Dest.ListTables(ctx, d.Database)
	if err != nil {
		return err
	}
	if d.SourceSize, err = o.Source.DatabaseSize(ctx, d.Database); err != nil {
		return err
	}

	for _, table := range tables {
		tr := TableReport{Table: table, Missing: !slices.Contains(destTables, table)}

		switch {
		case o.Options.Mode == FullClone:
			tr.Sync = true
		case tr.Missing:
			tr.Sync = true
			tr.Difference = &diff.Record{Kind: diff.MissingTable, Table: table}
		case o.Options.DryRun:
			rec, err := o.analyzer.AnalyzeTableDifferences(ctx, d.Database, table)
			if err != nil {
				return err
			}
			tr.Difference = rec
			tr.Sync = rec != nil
			if rec != nil && rec.SchemaChanged {
				d.Warnings = append(d.Warnings, *rec)
			}
		default:
			needs, err := o.analyzer.TableNeedsSync(ctx, d.Database, table)
			if err != nil {
				return err
			}
			tr.Sync = needs
		}

		internal.Logger.Debug("Planned table", "database", d.Database, "table", table, "sync", tr.Sync, "missing", tr.Missing)
		d.Tables = append(d.Tables, tr)
	}
	return nil
}

func (o *Orchestrator) restrict(database string, tables []string) []string {
	var out []string
	for _, want := range o.Options.Tables {
		if slices.Contains(tables, want) {
			out = append(out, want)
		} else {
			internal.Logger.Warn("Requested table not found on source", "database", database, "table", want)
		}
	}
	return out
}

func (o *Orchestrator) confirm(verified []*DatabaseReport, pending int) bool {
	if o.Confirm == nil {
		return false
	}

	names := make([]string, len(verified))
	for i, d := range verified {
		names[i] = d.Database
	}
	action := "overwrite"
	if o.Options.Mode == FullClone {
		action = "truncate and overwrite"
	}
	msg := fmt.Sprintf("This will %s %d table(s) in %s on %s. Continue?",
		action, pending, strings.Join(names, ", "), o.Dest.Endpoint())

	ok, err := o.Confirm.Confirm(msg)
	if err != nil {
		internal.Logger.Warn("Confirmation failed", "error", err)
		return false
	}
	return ok
}

func (o *Orchestrator) replicate(ctx context.Context, d *DatabaseReport) error {
	if err := o.createMissing(ctx, d); err != nil {
		return err
	}

	if o.Options.Mode == FullClone {
		o.setState(Truncating)
		if err := o.truncateAll(ctx, d); err != nil {
			return err
		}
	}

	o.setState(Transferring)
	cloner := mysql.NewCloner(o.Source, o.Dest)
	cloner.OnProgress = o.OnProgress

	for i := range d.Tables {
		tr := &d.Tables[i]
		if !tr.Sync {
			continue
		}
		if err := o.stop.Err(); err != nil {
			return fmt.Errorf("stopped before %s.%s: %w", d.Database, tr.Table, err)
		}

		if o.Options.Mode == DiffOnly && !tr.Missing && o.Options.Ordering.TruncatesBeforeSync(tr.Table) {
			stmt := "TRUNCATE TABLE " + qualify(d.Database, tr.Table)
			if err := o.Dest.ExecBatch(ctx, []string{stmt}, mysql.WithoutForeignKeyChecks()); err != nil {
				return &TruncationError{Database: d.Database, Table: tr.Table, Err: err}
			}
			tr.Truncated = true
		}

		started := time.Now()
		progress, err := cloner.CloneTable(ctx, mysql.CloneJob{
			Database:  d.Database,
			Table:     tr.Table,
			BatchSize: o.Options.BatchSize,
		})
		tr.Pages = progress.Pages
		tr.Rows = progress.RowsTransferred
		tr.Duration = time.Since(started)
		if err != nil {
			return &TransferError{Database: d.Database, Table: tr.Table, Direction: o.Direction, Err: err}
		}

		internal.Logger.Info("Table synced",
			"database", d.Database,
			"table", tr.Table,
			"rows", tr.Rows,
			"pages", tr.Pages,
			"duration", tr.Duration.Round(time.Millisecond))
	}

	o.setState(Verifying)
	o.verifySchemas(ctx, d)
	return nil
}

func (o *Orchestrator) createMissing(ctx context.Context, d *DatabaseReport) error {
	for i := range d.Tables {
		tr := &d.Tables[i]
		if !tr.Sync || !tr.Missing {
			continue
		}

		ddl, err := o.Source.CreateStatement(ctx, d.Database, tr.Table)
		if err != nil {
			return &TransferError{Database: d.Database, Table: tr.Table, Direction: o.Direction, Err: err}
		}
		stmt := mysql.QualifyCreateStatement(d.Database, tr.Table, ddl)
		if err := o.Dest.ExecBatch(ctx, []string{stmt}, mysql.WithoutForeignKeyChecks()); err != nil {
			return &TransferError{Database: d.Database, Table: tr.Table, Direction: o.Direction, Err: fmt.Errorf("create table: %w", err)}
		}
		tr.Created = true
		internal.Logger.Info("Created table", "database", d.Database, "table", tr.Table)
	}
	return nil
}

// truncateAll empties every planned table that already existed on the
// destination, in dependency order, with foreign key checks off for the
// whole sequence.
func (o *Orchestrator) truncateAll(ctx context.Context, d *DatabaseReport) error {
	var stmts, names []string
	for _, tr := range d.Tables {
		if tr.Sync && !tr.Created {
			stmts = append(stmts, "TRUNCATE TABLE "+qualify(d.Database, tr.Table))
			names = append(names, tr.Table)
		}
	}
	if len(stmts) == 0 {
		return nil
	}

	internal.Logger.Info("Truncating tables", "database", d.Database, "tables", strings.Join(names, ", "))
	if err := o.Dest.ExecBatch(ctx, stmts, mysql.WithoutForeignKeyChecks()); err != nil {
		return &TruncationError{Database: d.Database, Err: err}
	}
	for _, name := range names {
		d.table(name).Truncated = true
	}
	return nil
}

// verifySchemas records post-clone definition differences as warnings.
func (o *Orchestrator) verifySchemas(ctx context.Context, d *DatabaseReport) {
	records, err := o.analyzer.CompareSchemas(ctx, d.Database, d.Database)
	if err != nil {
		internal.Logger.Warn("Schema verification failed", "database", d.Database, "error", err)
		return
	}
	d.Warnings = records
	for _, r := range records {
		internal.Logger.Warn("Schema difference", "database", d.Database, "table", r.Table, "kind", r.Kind)
	}
}

func qualify(database, table string) string {
	return "`" + strings.ReplaceAll(database, "`", "``") + "`.`" + strings.ReplaceAll(table, "`", "``") + "`"
}
