package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MIRADOR_LOGWATCH")
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "logwatch-engine",
		Short: "Rule-based log anomaly detection with incident report generation",
		Long: `logwatch-engine evaluates detection rules against Cloud Logging entries,
clusters matching events into anomaly groups and turns every closed group into
an incident report. Sessions run live against Cloud Logging or replay an
uploaded log file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to configuration file")
	flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(newServeCmd(v), newSimulateCmd(v), newRulesCmd(v))
	return rootCmd
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC, HTTP and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
}
