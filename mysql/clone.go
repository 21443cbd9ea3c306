package mysql

import (
	"context"
	"fmt"
	"strings"

	"dbtools/internal"
)

const DefaultBatchSize = 1000

// CloneJob is one table transfer. It lives for a single CloneTable call.
type CloneJob struct {
	Database  string
	Table     string
	BatchSize int
}

// CloneProgress only moves forward while a job runs. It is not persisted:
// an interrupted table is cloned again from offset zero.
type CloneProgress struct {
	Database           string
	Table              string
	TotalRows          int64
	RowsTransferred    int64
	CurrentBatchOffset int64
	Pages              int
}

func (p CloneProgress) Percent() float64 {
	if p.TotalRows == 0 {
		return 100
	}
	return float64(p.RowsTransferred) * 100 / float64(p.TotalRows)
}

type ProgressFunc func(CloneProgress)

type Cloner struct {
	Source     *Manager
	Dest       *Manager
	OnProgress ProgressFunc
}

func NewCloner(source, dest *Manager) *Cloner {
	return &Cloner{
		Source: source,
		Dest:   dest,
	}
}

// CloneTable copies a table page by page. Every page is one upsert executed
// in its own transaction on the destination; a failing page aborts the job
// and pages already written stay in place.
func (c *Cloner) CloneTable(ctx context.Context, job CloneJob) (CloneProgress, error) {
	if job.BatchSize <= 0 {
		job.BatchSize = DefaultBatchSize
	}
	progress := CloneProgress{Database: job.Database, Table: job.Table}

	total, err := c.Source.RowCount(ctx, job.Database, job.Table)
	if err != nil {
		return progress, err
	}
	progress.TotalRows = total

	keys, err := c.Source.PrimaryKey(ctx, job.Database, job.Table)
	if err != nil {
		return progress, err
	}

	internal.Logger.Debug("Cloning table",
		"database", job.Database,
		"table", job.Table,
		"rows", total,
		"batchSize", job.BatchSize,
		"primaryKey", keys)

	query := pageQuery(job.Database, job.Table, keys)
	batch := int64(job.BatchSize)

	for progress.CurrentBatchOffset < total {
		page, err := c.Source.Query(ctx, fmt.Sprintf(query, batch, progress.CurrentBatchOffset))
		if err != nil {
			return progress, fmt.Errorf("read page at offset %d: %w", progress.CurrentBatchOffset, err)
		}
		if len(page.Rows) == 0 {
			break
		}

		stmt, err := BuildUpsert(job.Database, job.Table, page.ColumnNames(), keys, page.Rows)
		if err != nil {
			return progress, fmt.Errorf("build upsert at offset %d: %w", progress.CurrentBatchOffset, err)
		}
		if err := c.Dest.ExecBatch(ctx, []string{stmt}, WithoutForeignKeyChecks()); err != nil {
			return progress, fmt.Errorf("write page at offset %d: %w", progress.CurrentBatchOffset, err)
		}

		progress.RowsTransferred += int64(len(page.Rows))
		progress.CurrentBatchOffset += batch
		progress.Pages++

		internal.Logger.Info("Transferred page",
			"database", job.Database,
			"table", job.Table,
			"rows", progress.RowsTransferred,
			"total", total,
			"percent", fmt.Sprintf("%.1f", progress.Percent()))

		if c.OnProgress != nil {
			c.OnProgress(progress)
		}
	}

	return progress, nil
}

// pageQuery leaves LIMIT and OFFSET as format verbs. Ordering by the primary
// key keeps offset windows stable between pages.
func pageQuery(database, table string, keys []string) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(strings.ReplaceAll(qualify(database, table), "%", "%%"))
	if len(keys) > 0 {
		quoted := make([]string, len(keys))
		for i, k := range keys {
			quoted[i] = strings.ReplaceAll(quoteIdent(k), "%", "%%")
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(quoted, ", "))
	}
	b.WriteString(" LIMIT %d OFFSET %d")
	return b.String()
}
