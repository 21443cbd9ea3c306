package replicate

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"dbtools/diff"
	"dbtools/mysql"
)

type TableReport struct {
	Table      string
	Sync       bool
	Missing    bool
	Created    bool
	Truncated  bool
	Pages      int
	Rows       int64
	Duration   time.Duration
	Difference *diff.Record
}

type DatabaseReport struct {
	Database   string
	SourceSize mysql.DatabaseSize
	DestSize   mysql.DatabaseSize
	Tables     []TableReport
	// Warnings holds schema differences. They never stop a clone.
	Warnings []diff.Record
	Err      error
}

func (d *DatabaseReport) table(name string) *TableReport {
	for i := range d.Tables {
		if d.Tables[i].Table == name {
			return &d.Tables[i]
		}
	}
	return nil
}

// SyncTables lists the tables that will be transferred, in plan order.
func (d *DatabaseReport) SyncTables() []string {
	var out []string
	for _, t := range d.Tables {
		if t.Sync {
			out = append(out, t.Table)
		}
	}
	return out
}

func (d *DatabaseReport) Rows() int64 {
	var n int64
	for _, t := range d.Tables {
		n += t.Rows
	}
	return n
}

type Report struct {
	RunID     string
	Direction Direction
	Mode      Mode
	DryRun    bool
	State     State
	Started   time.Time
	Finished  time.Time
	Databases []*DatabaseReport
	// Err is the fatal error that ended the run, if any.
	Err error
}

func (r *Report) TotalRows() int64 {
	var n int64
	for _, d := range r.Databases {
		n += d.Rows()
	}
	return n
}

// Errors collects per-database failures and the fatal error.
func (r *Report) Errors() []error {
	var errs []error
	for _, d := range r.Databases {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	if r.Err != nil {
		errs = append(errs, r.Err)
	}
	return errs
}

func (r *Report) Warnings() int {
	n := 0
	for _, d := range r.Databases {
		n += len(d.Warnings)
	}
	return n
}

// ExitCode is 0 for a clean run or a safe cancellation and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.State == Cancelled {
		return 0
	}
	if r.State == Failed || len(r.Errors()) > 0 {
		return 1
	}
	return 0
}

var (
	headerColor = color.New(color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

func (r *Report) WriteSummary(w io.Writer) {
	fmt.Fprintln(w)
	headerColor.Fprintf(w, "Summary (%s clone, %s → %s)\n", r.Mode, r.Direction.Source(), r.Direction.Dest())

	for _, d := range r.Databases {
		if d.Err != nil {
			errColor.Fprintf(w, "  %s: %v\n", d.Database, d.Err)
			continue
		}
		synced := 0
		for _, t := range d.Tables {
			if t.Sync {
				synced++
			}
		}
		fmt.Fprintf(w, "  %s: %d/%d tables synced, %d rows\n", d.Database, synced, len(d.Tables), d.Rows())
		for _, warn := range d.Warnings {
			warnColor.Fprintf(w, "    warning: %s\n", warn)
		}
	}

	elapsed := r.Finished.Sub(r.Started).Round(time.Millisecond)
	switch r.State {
	case Cancelled:
		warnColor.Fprintln(w, "Cancelled, nothing was written")
	case Failed:
		errColor.Fprintf(w, "Failed after %s: %v\n", elapsed, r.Err)
	default:
		errs := len(r.Errors())
		c := okColor
		if errs > 0 {
			c = errColor
		}
		c.Fprintf(w, "%d rows transferred, %d errors, %d warnings in %s\n", r.TotalRows(), errs, r.Warnings(), elapsed)
	}
}
