package replicate

import (
	"fmt"
	"io"

	"dbtools/diff"
)

const megabyte = 1024 * 1024

func formatMB(bytes int64) string {
	return fmt.Sprintf("%.2f MB", float64(bytes)/megabyte)
}

// formatDelta renders a destination → source change such as "6 → 10 (+4)".
func formatDelta(dest, source int64) string {
	return fmt.Sprintf("%d → %d (%+d)", dest, source, source-dest)
}

func (o *Orchestrator) printPlan(r *Report) {
	w := o.out()
	headerColor.Fprintf(w, "%s clone %s → %s\n", r.Mode, o.Source.Endpoint(), o.Dest.Endpoint())

	for _, d := range r.Databases {
		if d.Err != nil {
			errColor.Fprintf(w, "  %s: %v\n", d.Database, d.Err)
			continue
		}
		fmt.Fprintf(w, "  %s: %s in %d tables\n", d.Database, formatMB(d.SourceSize.TotalBytes), d.SourceSize.TableCount)

		synced := 0
		for _, t := range d.Tables {
			if !t.Sync {
				continue
			}
			synced++
			writeTableLine(w, t)
		}
		if synced == 0 {
			okColor.Fprintln(w, "    up to date")
		}
	}
}

func writeTableLine(w io.Writer, t TableReport) {
	switch {
	case t.Missing:
		warnColor.Fprintf(w, "    + %s (create from source)\n", t.Table)
	case t.Difference == nil:
		fmt.Fprintf(w, "    ~ %s\n", t.Table)
	default:
		writeRecord(w, "    ~ ", *t.Difference)
	}
}

// writeRecord prints one difference with its row and size deltas.
func writeRecord(w io.Writer, prefix string, rec diff.Record) {
	switch rec.Kind {
	case diff.MissingTable:
		warnColor.Fprintf(w, "%s%s: missing on destination\n", prefix, rec.Table)
		return
	case diff.ExtraTable:
		fmt.Fprintf(w, "%s%s: only on destination\n", prefix, rec.Table)
		return
	}

	var what string
	switch {
	case rec.SchemaChanged && rec.DataChanged:
		what = "schema and data differ"
	case rec.SchemaChanged:
		what = "schema differs"
	case rec.ChecksumFailed:
		what = "checksum unavailable"
	default:
		what = "data differs"
	}
	fmt.Fprintf(w, "%s%s: %s", prefix, rec.Table, what)
	if rec.SourceRows != 0 || rec.DestRows != 0 {
		fmt.Fprintf(w, ", rows %s, size %s → %s",
			formatDelta(rec.DestRows, rec.SourceRows), formatMB(rec.DestBytes), formatMB(rec.SourceBytes))
	}
	fmt.Fprintln(w)

	if rec.SchemaChanged && rec.SourceDDL != "" {
		fmt.Fprintf(w, "%s  source: %s\n", prefix, rec.SourceDDL)
		fmt.Fprintf(w, "%s  dest:   %s\n", prefix, rec.DestDDL)
	}
}
