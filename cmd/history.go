package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dbtools/dynamodb"
)

var historyCmd = &cobra.Command{
	Use:           "history",
	Short:         "List recent replication runs",
	Args:          cobra.NoArgs,
	RunE:          runHistory,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	historyCfg, ok := cfg.HistoryConfig()
	if !ok {
		return formatError(errors.New("run history is not configured: add a [history] section to the config file"))
	}

	recorder, err := dynamodb.NewRecorder(cmd.Context(), historyCfg)
	if err != nil {
		return formatError(err)
	}

	runs, err := recorder.Recent(cmd.Context(), limit)
	if err != nil {
		return formatError(err)
	}

	writeRuns(cmd, runs)
	return nil
}

func writeRuns(cmd *cobra.Command, runs []dynamodb.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tRUN\tDIRECTION\tMODE\tSTATE\tROWS\tERRORS")
	for _, r := range runs {
		state := r.State
		if r.DryRun {
			state += " (dry run)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.Started.Local().Format("2006-01-02 15:04:05"),
			r.RunID, r.Direction, r.Mode, state, r.Rows, r.Errors)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 10, "Number of runs to show")
}
