package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dbtools/config"
	"dbtools/dynamodb"
	"dbtools/internal"
	"dbtools/mysql"
	"dbtools/replicate"
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Clone databases between master and local",
	Long: `Copy every table of the selected databases from the source to the destination.
Destination tables are truncated first and refilled in dependency order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplication(cmd, replicate.FullClone)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var cloneDiffCmd = &cobra.Command{
	Use:   "clone-diff",
	Short: "Sync only the tables that differ between master and local",
	Long: `Compare checksums table by table and upsert only the tables whose data differs.
Missing tables are created. Nothing is truncated except tables the ordering marks
for truncation before every sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplication(cmd, replicate.DiffOnly)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func runReplication(cmd *cobra.Command, mode replicate.Mode) error {
	database, _ := cmd.Flags().GetString("database")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	directionFlag, _ := cmd.Flags().GetString("direction")
	force, _ := cmd.Flags().GetBool("force")
	tables, _ := cmd.Flags().GetStringSlice("tables")
	selectTables, _ := cmd.Flags().GetBool("select")

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

	ordering, err := cfg.ResolveOrdering()
	if err != nil {
		return formatError(err)
	}

	if batchSize <= 0 {
		batchSize = cfg.BatchSize
	}

	internal.Logger.Info("Starting replication",
		"mode", mode,
		"direction", direction,
		"source", sourceCfg,
		"dest", destCfg,
		"databases", databases,
		"ordering", ordering.Name,
		"dryRun", dryRun)

	orch := replicate.New(mysql.NewManager(sourceCfg), mysql.NewManager(destCfg), direction, replicate.Options{
		Databases: databases,
		BatchSize: batchSize,
		DryRun:    dryRun,
		Force:     force,
		Mode:      mode,
		Ordering:  ordering,
		Tables:    tables,
	})
	orch.Confirm = replicate.ConfirmFunc(internal.ConfirmDestructive)
	orch.Out = cmd.OutOrStdout()
	if selectTables {
		orch.Options.SelectTables = func(database string, tables []string) ([]string, error) {
			return internal.NewTableSelector(tables).SelectTables(database)
		}
	}

	progress := &progressReporter{}
	orch.OnProgress = progress.update
	orch.OnStateChange = func(s replicate.State) {
		progress.finish()
		internal.Logger.Debug("Replication state changed", "state", s)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	report, runErr := orch.Run(ctx)
	progress.finish()

	internal.Logger.Info("Replication finished", "state", report.State, "duration", time.Since(start))
	report.WriteSummary(cmd.OutOrStdout())

	if historyCfg, ok := cfg.HistoryConfig(); ok {
		recordHistory(historyCfg, report)
	}

	if runErr != nil {
		return formatError(runErr)
	}
	if report.ExitCode() != 0 {
		errs := report.Errors()
		formatted := make([]error, len(errs))
		for i, e := range errs {
			formatted[i] = formatError(e)
		}
		return errors.Join(formatted...)
	}
	return nil
}

// recordHistory never fails the run; the outcome already happened.
func recordHistory(cfg dynamodb.Config, report *replicate.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recorder, err := dynamodb.NewRecorder(ctx, cfg)
	if err == nil {
		err = recorder.EnsureTable(ctx)
	}
	if err == nil {
		err = recorder.Record(ctx, report)
	}
	if err != nil {
		internal.Logger.Warn("Failed to record run history", "runID", report.RunID, "error", err)
	}
}

// progressReporter keeps one progress bar for the table being transferred.
type progressReporter struct {
	database string
	bar      *internal.TableProgress
}

func (p *progressReporter) update(cp mysql.CloneProgress) {
	if p.bar == nil || p.database != cp.Database || p.bar.Table() != cp.Table {
		p.finish()
		p.database = cp.Database
		p.bar = internal.NewTableProgress(cp.Database, cp.Table, cp.TotalRows)
	}
	p.bar.Set(cp.RowsTransferred)
}

func (p *progressReporter) finish() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
	p.bar = nil
}

func formatError(err error) error {
	var connErr *mysql.ConnectionError
	if errors.As(err, &connErr) {
		if mysql.IsAccessDenied(err) {
			return fmt.Errorf("❌ MySQL authentication failed for %s. Please check your username and password.", connErr.Endpoint)
		}
		return fmt.Errorf("❌ Cannot connect to MySQL server %s. Please check your connection settings: %v", connErr.Endpoint, connErr.Err)
	}

	var verifyErr *replicate.VerificationError
	if errors.As(err, &verifyErr) {
		return fmt.Errorf("❌ Database %s does not exist on %s. Please check your database name.", verifyErr.Database, verifyErr.Side)
	}

	var truncErr *replicate.TruncationError
	if errors.As(err, &truncErr) {
		return fmt.Errorf("❌ Failed to truncate %s before cloning: %v", truncErr.Database, truncErr.Err)
	}

	var transferErr *replicate.TransferError
	if errors.As(err, &transferErr) {
		return fmt.Errorf("❌ Failed to copy %s.%s to %s: %v", transferErr.Database, transferErr.Table, transferErr.Direction, transferErr.Err)
	}

	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") {
		return fmt.Errorf("❌ Cannot connect to MySQL server. Please check your connection settings.")
	}

	if strings.Contains(errStr, "Access denied") {
		return fmt.Errorf("❌ MySQL authentication failed. Please check your username and password.")
	}

	if mysql.IsUnknownDatabase(err) {
		return fmt.Errorf("❌ Database does not exist. Please check your database name.")
	}

	return fmt.Errorf("❌ %s", errStr)
}

func addReplicationFlags(c *cobra.Command) {
	c.Flags().String("database", "", "Comma separated databases (default from CLONE_DATABASES)")
	c.Flags().Int("batch-size", 0, fmt.Sprintf("Rows per page (default %d)", config.DefaultBatchSize))
	c.Flags().Bool("dry-run", false, "Plan and report without writing anything")
	c.Flags().String("direction", string(replicate.ToLocal), "Replication direction: local (master to local) or master (local to master)")
	c.Flags().Bool("force", false, "Skip the confirmation before writing to master")
	c.Flags().StringSlice("tables", nil, "Only replicate these tables")
	c.Flags().Bool("select", false, "Pick tables interactively for each database")
}

func init() {
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(cloneDiffCmd)

	addReplicationFlags(cloneCmd)
	addReplicationFlags(cloneDiffCmd)
}
