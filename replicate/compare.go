package replicate

import (
	"context"
	"fmt"
	"io"
	"slices"

	"dbtools/diff"
	"dbtools/internal"
	"dbtools/mysql"
)

type DatabaseDiff struct {
	Database   string
	SourceSize mysql.DatabaseSize
	DestSize   mysql.DatabaseSize
	Records    []diff.Record
	Err        error
}

type DiffReport struct {
	Databases []*DatabaseDiff
}

func (r *DiffReport) Records() int {
	n := 0
	for _, d := range r.Databases {
		n += len(d.Records)
	}
	return n
}

// ExitCode is non-zero only when a database could not be compared.
// Differences themselves are not failures.
func (r *DiffReport) ExitCode() int {
	for _, d := range r.Databases {
		if d.Err != nil {
			return 1
		}
	}
	return 0
}

// Diff compares each database across both endpoints without writing
// anything. The managers are connected and disconnected here.
func Diff(ctx context.Context, source, dest *mysql.Manager, databases []string, out io.Writer) (*DiffReport, error) {
	if out == nil {
		out = io.Discard
	}
	if err := source.Connect(ctx); err != nil {
		return nil, err
	}
	defer disconnect(source)
	if err := dest.Connect(ctx); err != nil {
		return nil, err
	}
	defer disconnect(dest)

	sourceDBs, err := source.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	destDBs, err := dest.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	analyzer := diff.NewAnalyzer(source, dest)
	report := &DiffReport{}

	for _, name := range databases {
		d := &DatabaseDiff{Database: name}
		report.Databases = append(report.Databases, d)

		switch {
		case !slices.Contains(sourceDBs, name):
			d.Err = &VerificationError{Database: name, Side: source.Config().Name}
		case !slices.Contains(destDBs, name):
			d.Err = &VerificationError{Database: name, Side: dest.Config().Name}
		}
		if d.Err != nil {
			errColor.Fprintf(out, "%s: %v\n", name, d.Err)
			continue
		}

		if d.Records, err = analyzer.CompareDatabase(ctx, name); err != nil {
			return report, fmt.Errorf("compare %s: %w", name, err)
		}
		if d.SourceSize, err = source.DatabaseSize(ctx, name); err != nil {
			return report, err
		}
		if d.DestSize, err = dest.DatabaseSize(ctx, name); err != nil {
			return report, err
		}

		internal.Logger.Debug("Compared database", "database", name, "differences", len(d.Records))
		writeDatabaseDiff(out, d)
	}

	s := diff.Summary{}
	for _, d := range report.Databases {
		for k, n := range diff.Summarize(d.Records) {
			s[k] += n
		}
	}
	headerColor.Fprintf(out, "%d differences: %d missing, %d extra, %d schema, %d data\n",
		report.Records(), s[diff.MissingTable], s[diff.ExtraTable], s[diff.SchemaMismatch], s[diff.DataMismatch])
	return report, nil
}

func writeDatabaseDiff(w io.Writer, d *DatabaseDiff) {
	headerColor.Fprintf(w, "%s\n", d.Database)
	fmt.Fprintf(w, "  source: %s in %d tables, dest: %s in %d tables\n",
		formatMB(d.SourceSize.TotalBytes), d.SourceSize.TableCount,
		formatMB(d.DestSize.TotalBytes), d.DestSize.TableCount)
	if len(d.Records) == 0 {
		okColor.Fprintln(w, "  no differences")
		return
	}
	for _, rec := range d.Records {
		writeRecord(w, "  ", rec)
	}
}

func disconnect(m *mysql.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), mysql.ConnectTimeout)
	defer cancel()
	if err := m.Disconnect(ctx); err != nil {
		internal.Logger.Warn("Disconnect failed", "endpoint", m.Endpoint(), "error", err)
	}
}
