package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/falcon-image-export/internal/ui"
	"github.com/Sternrassler/falcon-image-export/pkg/auth"
	"github.com/Sternrassler/falcon-image-export/pkg/client"
	"github.com/Sternrassler/falcon-image-export/pkg/config"
	"github.com/Sternrassler/falcon-image-export/pkg/export"
	"github.com/Sternrassler/falcon-image-export/pkg/logging"
	"github.com/Sternrassler/falcon-image-export/pkg/metrics"
	"github.com/Sternrassler/falcon-image-export/pkg/output"
)

var (
	cfgFile string
	quiet   bool

	flagShards      []string
	flagConcurrency int
	flagJSONPath    string
	flagCSVPath     string
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "falcon-export",
	Short: "Export Falcon image assessment results",
	Long: `falcon-export downloads the full image assessment vulnerability dataset
from the CrowdStrike Falcon API. The dataset is partitioned into 16 shards
by the first hex digit of the image digest; each shard runs through its own
asynchronous export job and the results are merged, deduplicated and written
as JSON and/or CSV.

Credentials come from the configuration file or from the FALCON_CLIENT_ID
and FALCON_CLIENT_SECRET environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (YAML)")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	rootCmd.Flags().StringSliceVar(&flagShards, "shards", nil, "restrict the run to these shard keys (default: all 16)")
	rootCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "concurrent shard exports")
	rootCmd.Flags().StringVar(&flagJSONPath, "json", "", "JSON report path")
	rootCmd.Flags().StringVar(&flagCSVPath, "csv", "", "CSV report path")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		return err
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd.Flags(), cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Console,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsDone chan struct{}
	if cfg.Metrics.Enabled {
		metricsDone = make(chan struct{})
		go func() {
			defer close(metricsDone)
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddress, logging.NewLogger("metrics")); err != nil {
				logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	report, runErr := execute(ctx, cfg)
	if report != nil {
		if err := writeOutputs(cfg, report); err != nil {
			return err
		}
		printSummary(report)
	}

	stop()
	if metricsDone != nil {
		<-metricsDone
	}

	if runErr != nil {
		return runErr
	}
	if report.AllFailed() {
		return errors.New("every shard failed, no results exported")
	}
	return nil
}

func execute(ctx context.Context, cfg *config.Config) (*export.Report, error) {
	tokens, err := auth.NewManager(auth.Config{
		BaseURL:      cfg.API.BaseURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
	}, logging.NewLogger("auth"))
	if err != nil {
		return nil, err
	}

	observer := buildObserver()

	clientCfg := client.DefaultConfig(cfg.API.BaseURL, tokens)
	clientCfg.UserAgent = cfg.API.UserAgent
	clientCfg.RequestsPerSecond = cfg.API.RequestsPerSecond
	clientCfg.Backoff.MaxAttempts = cfg.Export.MaxAttempts
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.API.Timeout}
	clientCfg.OnBackoff = func(operation string, attempt int, delay time.Duration) {
		observer.OnEvent(export.Event{
			Type:      export.EventBackoffWait,
			Operation: operation,
			Attempt:   attempt,
			Delay:     delay,
		})
	}

	api, err := client.New(clientCfg, logging.NewLogger("client"))
	if err != nil {
		return nil, err
	}

	lifecycle, err := export.NewLifecycle(api, export.LifecycleConfig{
		PageLimit:    cfg.Export.PageLimit,
		MaxOffset:    cfg.Export.MaxOffset,
		PollInterval: cfg.Export.PollInterval,
		MaxPolls:     cfg.Export.MaxPolls,
	}, observer, logging.NewLogger("lifecycle"))
	if err != nil {
		return nil, err
	}

	orchestrator, err := export.NewOrchestrator(lifecycle, cfg.Export.Concurrency, observer, logging.NewLogger("orchestrator"))
	if err != nil {
		return nil, err
	}

	shards := make([]export.ShardKey, 0, len(cfg.Export.Shards))
	for _, s := range cfg.Export.Shards {
		shards = append(shards, export.ShardKey(s))
	}

	return orchestrator.Run(ctx, shards)
}

// buildObserver returns the progress printer, or a no-op in quiet mode.
func buildObserver() export.Observer {
	if quiet {
		return export.NopObserver
	}
	return ui.NewProgress(nil)
}

// applyFlagOverrides lets explicitly set flags win over file and
// environment values.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("shards") {
		cfg.Export.Shards = flagShards
	}
	if flags.Changed("concurrency") {
		cfg.Export.Concurrency = flagConcurrency
	}
	if flags.Changed("json") {
		cfg.Output.JSONPath = flagJSONPath
	}
	if flags.Changed("csv") {
		cfg.Output.CSVPath = flagCSVPath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
}

func writeOutputs(cfg *config.Config, report *export.Report) error {
	if path := cfg.Output.JSONPath; path != "" {
		if err := writeFile(path, func(f *os.File) error {
			return output.NewJSONExporter(cfg.Output.Pretty).Export(context.Background(), report, f)
		}); err != nil {
			return fmt.Errorf("write JSON report: %w", err)
		}
	}
	if path := cfg.Output.CSVPath; path != "" {
		if err := writeFile(path, func(f *os.File) error {
			return output.NewCSVExporter(true).Export(context.Background(), report, f)
		}); err != nil {
			return fmt.Errorf("write CSV report: %w", err)
		}
	}
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(report *export.Report) {
	meta := report.Meta

	switch {
	case report.AllFailed():
		fmt.Fprintf(os.Stderr, "%s No shard produced results\n", color.RedString("✗"))
	case report.Empty():
		fmt.Fprintf(os.Stderr, "%s Export succeeded, the dataset is empty\n", color.GreenString("✓"))
	default:
		fmt.Fprintf(os.Stderr, "%s Exported %d records (%d duplicates dropped)\n",
			color.GreenString("✓"), meta.TotalRecords, meta.DuplicatesDropped)
	}

	if len(meta.FailedShards) > 0 {
		fmt.Fprintf(os.Stderr, "%s Failed shards: %v\n", color.YellowString("⚠"), meta.FailedShards)
	}
	if len(meta.TruncatedShards) > 0 {
		fmt.Fprintf(os.Stderr, "%s Truncated shards (dataset exceeds the pagination window): %v\n",
			color.YellowString("⚠"), meta.TruncatedShards)
	}
	if meta.InvalidRecords > 0 {
		fmt.Fprintf(os.Stderr, "%s Dropped %d records without an identifier\n",
			color.YellowString("⚠"), meta.InvalidRecords)
	}
}
