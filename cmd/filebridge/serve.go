package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/metrics"
	"github.com/TheMichaelB/filebridge/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run background maintenance and expose metrics and events",
	Long: `Serve keeps the orchestrator running: idle connections are swept,
expired cache entries removed, and queued operations replayed whenever the
network comes back. It listens on serve.listen for

  /metrics   Prometheus metrics
  /events    WebSocket stream of events (?resource=<id>&type=<t1,t2>)
  /health    JSON health of every resource used so far`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var eventsCmd = &cobra.Command{
	Use:   "events [url]",
	Short: "Follow the event stream of a running serve",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvents,
}

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd, eventsCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "",
		"Listen address (overrides serve.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := getApp(ctx)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Serve.Listen = serveListen
	}

	if err := a.orch.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/events", transport.NewRelay(a.bus, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snapshot := a.orch.Health().Snapshot()
		out := make(map[string]string, len(snapshot))
		for id, h := range snapshot {
			out[id] = h.String()
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out)
	})

	srv := &http.Server{
		Addr:              cfg.Serve.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("listen", cfg.Serve.Listen).Info("Serving metrics and events")
		errCh <- srv.ListenAndServe()
	}()

	if !jsonOutput {
		printInfo("Listening on http://%s (Ctrl-C to stop)", cfg.Serve.Listen)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete")
	}
	a.orch.Stop()
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	url := "ws://" + cfg.Serve.Listen + "/events"
	if len(args) == 1 {
		url = args[0]
	}

	client := transport.NewWSClient(url, logger)
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}
	defer client.Close()

	errs := client.Errors()
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case err, ok := <-errs:
			if ok {
				return err
			}
			errs = nil
		case e, ok := <-client.Events():
			if !ok {
				return nil
			}
			printEvent(e)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Debug("Failed to write response")
	}
}

func printEvent(e events.Event) {
	if jsonOutput {
		printJSON(e)
		return
	}

	ts := dimColor.Sprint(e.Timestamp.Local().Format("15:04:05"))
	line := fmt.Sprintf("%s %-20s %s", ts, e.Type, e.ResourceID)
	if e.Path != "" {
		line += ":" + e.Path
	}
	if e.From != "" || e.To != "" {
		line += fmt.Sprintf(" %s -> %s", e.From, e.To)
	}
	if e.Message != "" {
		line += " " + e.Message
	}

	switch e.Type {
	case events.EventOperationFailed, events.EventConflictDetected:
		errorColor.Println(line)
	case events.EventCircuitTransition, events.EventHealthChanged, events.EventOperationQueued:
		warnColor.Println(line)
	default:
		fmt.Println(line)
	}
}
