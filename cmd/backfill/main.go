// Package main is the backfill CLI. It scans a projects directory for
// finished session transcripts, replays them through the ingest API, and
// optionally waits for the pipeline to finish processing them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devtrail/devtrail/internal/backfill"
	"github.com/devtrail/devtrail/internal/common/logger"
)

var (
	rootFlag        = flag.String("root", defaultProjectsRoot(), "Projects directory to scan for transcripts")
	serverFlag      = flag.String("server", "http://localhost:8425", "devtrail server URL")
	apiKeyFlag      = flag.String("api-key", os.Getenv("DEVTRAIL_API_KEY"), "API key (defaults to DEVTRAIL_API_KEY)")
	deviceFlag      = flag.String("device-id", defaultDeviceID(), "Device ID to attribute events to")
	concurrencyFlag = flag.Int("concurrency", 2, "Batches in flight at once")
	throttleFlag    = flag.Duration("throttle", 0, "Pause between a worker's batches")
	skipActiveFlag  = flag.Duration("skip-active", backfill.DefaultSkipActiveThreshold, "Skip transcripts modified more recently than this")
	waitFlag        = flag.Bool("wait", true, "Wait for the pipeline to finish processing")
	waitTimeoutFlag = flag.Duration("wait-timeout", 10*time.Minute, "Give up waiting after this long")
	dryRunFlag      = flag.Bool("dry-run", false, "Scan and report without posting anything")
	logLevelFlag    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("Scanning for transcripts", zap.String("root", *rootFlag))
	scan, err := backfill.Scan(*rootFlag, backfill.ScanOptions{SkipActiveThreshold: *skipActiveFlag})
	if err != nil {
		log.Fatal("Scan failed", zap.Error(err))
	}
	log.Info("Scan complete",
		zap.Int("discovered", len(scan.Discovered)),
		zap.Int("skipped_subagents", scan.Skipped.Subagents),
		zap.Int("skipped_active", scan.Skipped.Active),
		zap.Int("errors", len(scan.Errors)),
	)
	for _, e := range scan.Errors {
		log.Warn("Scan error", zap.String("error", e))
	}
	if len(scan.Discovered) == 0 {
		log.Info("Nothing to backfill")
		return
	}
	if *dryRunFlag {
		for _, d := range scan.Discovered {
			log.Info("Would ingest",
				zap.String("session_id", d.SessionID),
				zap.String("workspace", d.Workspace),
				zap.Int64("bytes", d.FileSizeBytes),
			)
		}
		return
	}

	client := backfill.NewClient(*serverFlag, *apiKeyFlag, *deviceFlag, log)
	result, err := client.Ingest(ctx, scan.Discovered, backfill.IngestOptions{
		Concurrency: *concurrencyFlag,
		Throttle:    *throttleFlag,
		Progress: func(p backfill.Progress) {
			log.Info("Backfill progress", zap.Int("completed", p.Completed), zap.Int("total", p.Total))
		},
	})
	if err != nil {
		log.Fatal("Ingest failed", zap.Error(err))
	}
	for _, e := range result.Errors {
		log.Warn("Batch failed", zap.String("error", e))
	}
	log.Info("Ingest complete", zap.Int("ingested", result.Ingested), zap.Int("skipped", result.Skipped))

	if !*waitFlag {
		return
	}

	ids := make([]string, len(scan.Discovered))
	for i, d := range scan.Discovered {
		ids[i] = d.SessionID
	}
	wait, err := client.WaitForCompletion(ctx, ids, backfill.WaitOptions{Timeout: *waitTimeoutFlag})
	if err != nil {
		log.Fatal("Status poll failed", zap.Error(err))
	}
	log.Info("Pipeline wait finished",
		zap.Bool("completed", wait.Completed),
		zap.Bool("timed_out", wait.TimedOut),
		zap.Bool("aborted", wait.Aborted),
		zap.Int("parsed", wait.Summary.Parsed),
		zap.Int("summarized", wait.Summary.Summarized),
		zap.Int("archived", wait.Summary.Archived),
		zap.Int("failed", wait.Summary.Failed),
		zap.Int("pending", wait.Summary.Pending),
	)
	if !wait.Completed {
		os.Exit(1)
	}
}

func defaultProjectsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".claude", "projects")
}

func defaultDeviceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "backfill"
	}
	return hostname
}
