package internal

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
)

// TableProgress renders per-table transfer progress as a terminal bar. When
// decorations are off (verbose mode or no TTY) it is a no-op and page logs
// carry the information instead.
type TableProgress struct {
	bar   *progressbar.ProgressBar
	table string
}

func NewTableProgress(database, table string, total int64) *TableProgress {
	p := &TableProgress{table: table}
	if !showDecorations() || total <= 0 {
		return p
	}
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionSetDescription(fmt.Sprintf("%s.%s", database, table)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(0),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stdout) }),
	)
	return p
}

func (p *TableProgress) Table() string {
	return p.table
}

func (p *TableProgress) Set(rows int64) {
	if p.bar == nil {
		return
	}
	_ = p.bar.Set64(rows)
}

func (p *TableProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
