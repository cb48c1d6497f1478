package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/propstream/propstream/internal/config"
)

const (
	appName = "propstream"
	version = "v1.0.0"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Sports-prop market data pipeline",
		Version: version,
		Long: `Propstream ingests player-prop quotes from upstream sportsbooks, detects
line movement, settles finished props, and serves the live feed over
HTTP and WebSocket.

Run 'propstream serve' for the full pipeline; the other subcommands are
operator tools against a running instance or offline slices of it.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagLogLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (trace|debug|info|warn|error); overrides config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline",
		Long:  "Start store, event bus, resilience manager, streamer, settlement manager, admission layer, HTTP+WS gateway, and the optional AMQP bridge. Shuts down gracefully on SIGINT/SIGTERM.",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Listen address host:port (overrides config)")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "Grace period for draining on shutdown")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Run streamer cycles without the gateway",
		Long:  "Fetch quote boards from the configured providers, diff against the previous cycle, and print each cycle summary. No HTTP surface.",
		RunE:  runStream,
	}
	streamCmd.Flags().Bool("once", false, "Run exactly one cycle and exit")
	streamCmd.Flags().Duration("interval", 0, "Cycle interval (overrides config)")
	streamCmd.Flags().Bool("events", false, "Print every published event, not just cycle summaries")

	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Operator settlement actions against a running instance",
	}
	addClientFlags(settleCmd.PersistentFlags())

	settleStatusCmd := &cobra.Command{
		Use:   "status <prop_id>",
		Short: "Show lifecycle state and settlement history for a prop",
		Args:  cobra.ExactArgs(1),
		RunE:  runSettleStatus,
	}

	settleDisputeCmd := &cobra.Command{
		Use:   "dispute <settlement_id>",
		Short: "Open a dispute against a settled record",
		Args:  cobra.ExactArgs(1),
		RunE:  runSettleDispute,
	}
	settleDisputeCmd.Flags().String("reason", "", "Dispute reason (required)")
	settleDisputeCmd.Flags().String("by", "operator", "Who is raising the dispute")

	settleResolveCmd := &cobra.Command{
		Use:   "resolve <settlement_id>",
		Short: "Resolve an open dispute with a final outcome",
		Args:  cobra.ExactArgs(1),
		RunE:  runSettleResolve,
	}
	settleResolveCmd.Flags().String("outcome", "", "Final outcome: WIN|LOSE|PUSH|VOID (required)")
	settleResolveCmd.Flags().String("by", "operator", "Who is resolving the dispute")
	settleResolveCmd.Flags().String("notes", "", "Resolution notes")

	settleArchiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive settled props older than the cutoff",
		RunE:  runSettleArchive,
	}
	settleArchiveCmd.Flags().Int("days", 30, "Cutoff age in days")

	settleCmd.AddCommand(settleStatusCmd)
	settleCmd.AddCommand(settleDisputeCmd)
	settleCmd.AddCommand(settleResolveCmd)
	settleCmd.AddCommand(settleArchiveCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running instance's health",
		RunE:  runHealth,
	}
	addClientFlags(healthCmd.Flags())
	healthCmd.Flags().Bool("json", false, "Print the raw health document as JSON")

	policiesCmd := &cobra.Command{
		Use:   "policies",
		Short: "Print the resolved rate-limit policy tables",
		Long:  "Compile the admission policy tables from defaults plus config and print them for inspection. No network access.",
		RunE:  runPolicies,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(policiesCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// addClientFlags registers the flags shared by every command that talks to a
// running instance.
func addClientFlags(fs *pflag.FlagSet) {
	fs.String("addr", "http://127.0.0.1:8080", "Base URL of the running instance")
	fs.Duration("timeout", 10*time.Second, "Request timeout")
}

// setupLogging routes through a console writer on interactive terminals and
// plain JSON elsewhere. The flag level wins over config; config is applied
// later by the commands that load it.
func setupLogging(level string) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, keeping default")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

// applyLogConfig applies the config file's log section unless the flag
// already set a level.
func applyLogConfig(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if flagLogLevel != "" {
		return
	}
	if lvl, err := zerolog.ParseLevel(cfg.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}
