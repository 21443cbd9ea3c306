package internal

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
)

var ErrNotInteractive = errors.New("no terminal available for interactive input")

// ConfirmDestructive asks the operator to approve an operation that
// overwrites a protected endpoint. It never defaults to yes, and without a
// terminal it refuses rather than blocking.
func ConfirmDestructive(message string) (bool, error) {
	if !IsInteractive() {
		Logger.Warn("Cannot prompt for confirmation without a terminal; use --force to proceed", "prompt", message)
		return false, nil
	}

	var confirm bool
	prompt := &survey.Confirm{
		Message: message,
		Default: false,
	}
	if err := survey.AskOne(prompt, &confirm); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return false, nil
		}
		return false, fmt.Errorf("confirmation error: %w", err)
	}
	return confirm, nil
}

// TableSelector handles interactive table selection
type TableSelector struct {
	tables []string
}

func NewTableSelector(tables []string) *TableSelector {
	sortedTables := make([]string, len(tables))
	copy(sortedTables, tables)
	sort.Strings(sortedTables)

	return &TableSelector{
		tables: sortedTables,
	}
}

// SelectTables presents a checkbox list and returns the chosen tables.
func (ts *TableSelector) SelectTables(database string) ([]string, error) {
	if len(ts.tables) == 0 {
		return nil, fmt.Errorf("no tables available for selection in %s", database)
	}
	if !IsInteractive() {
		return nil, ErrNotInteractive
	}

	Logger.Info("Found tables for selection", "database", database, "count", len(ts.tables))
	fmt.Println("Use ↑/↓ to navigate, SPACE to select/deselect, ENTER to confirm")

	var selectedTables []string
	prompt := &survey.MultiSelect{
		Message:  fmt.Sprintf("Select tables to sync in %s:", database),
		Options:  ts.tables,
		PageSize: 15,
	}

	err := survey.AskOne(prompt, &selectedTables, survey.WithPageSize(15))
	if err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return nil, fmt.Errorf("selection cancelled by user")
		}
		return nil, fmt.Errorf("selection error: %w", err)
	}

	if len(selectedTables) == 0 {
		return nil, fmt.Errorf("no tables selected")
	}

	fmt.Printf("\n✅ Selected %d table(s):\n", len(selectedTables))
	for i, table := range selectedTables {
		fmt.Printf("  %d. %s\n", i+1, table)
	}
	return selectedTables, nil
}
