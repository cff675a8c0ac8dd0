package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/config"
	"github.com/TheMichaelB/filebridge/internal/events"
)

var version = "dev"

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "filebridge",
	Short: "Browse and transfer files across NAS, SFTP, FTP and cloud storage",
	Long: `filebridge gives one set of commands over every configured storage
resource. Remote paths are written as <resource>:<path>.

Connections are pooled, failing servers are paused by a circuit breaker,
and copies, moves and deletes made while offline are queued and replayed
when the network returns.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(cfgFile)
		c, err := loader.Load()
		if err != nil {
			return err
		}
		if verbose {
			c.Log.Level = "debug"
		}
		cfg = c

		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		events.SetDefault(logger)
		cmd.SetContext(events.WithLogger(cmd.Context(), logger))
		if loader.Path() != "" {
			logger.WithField("config", loader.Path()).Debug("Loaded config file")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeApp()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./filebridge.yaml or ~/.config/filebridge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		closeApp()
		printFailure(err)
		os.Exit(1)
	}
}
