package cmd

import (
	"github.com/spf13/cobra"

	"dbtools/config"
	"dbtools/internal"
)

var rootCmd = &cobra.Command{
	Use:   "dbtools",
	Short: "Replicate MySQL databases between the master and local environments",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			internal.SetLogLevel("debug")
		} else {
			internal.SetLogLevel("error")
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	configFile, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(config.LoadOptions{EnvFile: envFile, ConfigFile: configFile})
	if err != nil {
		return nil, formatError(err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config file (default ~/.dbtools/config.toml)")
	rootCmd.PersistentFlags().String("env-file", "", "Path to the environment file (default "+config.DefaultEnvFile+")")
}
