package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"dbtools/internal"
	"dbtools/mysql"
	"dbtools/replicate"
)

var diffCmd = &cobra.Command{
	Use:           "diff",
	Short:         "Show schema and data differences without writing anything",
	Args:          cobra.NoArgs,
	RunE:          runDiff,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func runDiff(cmd *cobra.Command, args []string) error {
	database, _ := cmd.Flags().GetString("database")
	directionFlag, _ := cmd.Flags().GetString("direction")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	direction, err := replicate.ParseDirection(directionFlag)
	if err != nil {
		return formatError(err)
	}
	sourceCfg, destCfg, err := cfg.Endpoints(direction)
	if err != nil {
		return formatError(err)
	}
	databases, err := cfg.ResolveDatabases(database)
	if err != nil {
		return formatError(err)
	}

	// The report is buffered so it does not interleave with the spinner.
	var out bytes.Buffer
	var report *replicate.DiffReport
	err = internal.WithSpinner("Comparing databases", func() error {
		var diffErr error
		report, diffErr = replicate.Diff(cmd.Context(), mysql.NewManager(sourceCfg), mysql.NewManager(destCfg), databases, &out)
		return diffErr
	})
	cmd.OutOrStdout().Write(out.Bytes())
	if err != nil {
		return formatError(err)
	}

	if report.ExitCode() != 0 {
		for _, d := range report.Databases {
			if d.Err != nil {
				return formatError(d.Err)
			}
		}
		return formatError(fmt.Errorf("comparison failed"))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().String("database", "", "Comma separated databases (default from CLONE_DATABASES)")
	diffCmd.Flags().String("direction", string(replicate.ToLocal), "Which endpoint is the destination: local or master")
}
