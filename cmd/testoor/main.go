package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/history"
	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "testoor",
	Short: "Test run lifecycle and status tracking service",
	Long: `Testoor snapshots project tests into runs, tracks per-test execution
status with an audit trail and aggregates run results by status and squad.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		log.SetLevel(level)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("testoor %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}

// loadConfig reads --config when given, otherwise defaults and environment.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.Default()
	}

	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// openService starts a store and a run service for one-shot commands. The
// returned stop function flushes history and closes the store.
func openService(
	ctx context.Context, cfg *config.Config,
) (store.Store, runs.Service, func(), error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("starting store: %w", err)
	}

	recorder := history.NewRecorder(log, st, &cfg.History)
	if err := recorder.Start(ctx); err != nil {
		_ = st.Stop()

		return nil, nil, nil, fmt.Errorf("starting history recorder: %w", err)
	}

	svc := runs.NewService(log, st, recorder, runs.Options{
		InsertBatchSize: cfg.Runs.InsertBatchSize,
		HistoryMode:     cfg.History.Mode,
	})

	stop := func() {
		if err := recorder.Stop(); err != nil {
			log.WithError(err).Warn("History recorder stop error")
		}

		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}

	return st, svc, stop, nil
}
