package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/TheMichaelB/filebridge/internal/models"
	"github.com/TheMichaelB/filebridge/internal/offline"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
	dirColor     = color.New(color.FgBlue, color.Bold)
)

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printFailure reports a command error with a hint for backend failures.
func printFailure(err error) {
	if jsonOutput {
		out := map[string]interface{}{"success": false, "error": err.Error()}
		var be *models.BackendError
		if errors.As(err, &be) {
			out["kind"] = be.Kind.String()
		}
		if errors.Is(err, offline.ErrConflict) {
			out["conflict"] = true
		}
		printJSON(out)
		return
	}

	printError("Error: %v", err)
	var be *models.BackendError
	if errors.As(err, &be) {
		dimColor.Fprintf(os.Stderr, "  %s\n", models.Guidance(be.Kind))
	}
	if errors.Is(err, offline.ErrConflict) {
		dimColor.Fprintf(os.Stderr, "  Run again with --force to replace the remote version.\n")
	}
}

// reportQueued prints the outcome of a mutation that may have been
// deferred. It returns nil for queued operations.
func reportQueued(err error, done string) error {
	switch {
	case err == nil:
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "queued": false})
		} else {
			printSuccess("%s", done)
		}
		return nil
	case errors.Is(err, models.ErrQueued):
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "queued": true})
		} else {
			printWarning("Offline: %v", err)
		}
		return nil
	default:
		return err
	}
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

// ProgressDisplay renders a single transfer progress line on stderr.
type ProgressDisplay struct {
	mu      sync.Mutex
	label   string
	start   time.Time
	last    time.Time
	written bool
}

// NewProgressDisplay creates a display for one transfer.
func NewProgressDisplay(label string) *ProgressDisplay {
	return &ProgressDisplay{label: label, start: time.Now()}
}

// Update is a models.ProgressFunc.
func (p *ProgressDisplay) Update(done, total int64) {
	if jsonOutput {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.last) < 100*time.Millisecond && done != total {
		return
	}
	p.last = now

	var line string
	if total > 0 {
		pct := float64(done) * 100 / float64(total)
		width := 30
		filled := int(pct / 100 * float64(width))
		if filled > width {
			filled = width
		}
		line = fmt.Sprintf("%s [%s%s] %5.1f%% %s/%s",
			p.label, strings.Repeat("=", filled), strings.Repeat(" ", width-filled), pct,
			formatBytes(done), formatBytes(total))
	} else {
		line = fmt.Sprintf("%s %s", p.label, formatBytes(done))
	}
	if secs := now.Sub(p.start).Seconds(); secs > 0 {
		line += fmt.Sprintf(" %s/s", formatBytes(int64(float64(done)/secs)))
	}

	fmt.Fprintf(os.Stderr, "\r%s", line)
	p.written = true
}

// Close ends the progress line.
func (p *ProgressDisplay) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.written {
		fmt.Fprintln(os.Stderr)
	}
}
