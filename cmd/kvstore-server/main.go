package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tmslee/kvstore/internal/maintenance"
	"github.com/tmslee/kvstore/internal/server"
	"github.com/tmslee/kvstore/internal/storage"
)

type config struct {
	host                string
	port                int
	backend             string
	dataDir             string
	snapshotThreshold   int
	compactionThreshold int
	maxConnections      int
	clientTimeout       time.Duration
	binaryOnly          bool
	cleanupInterval     time.Duration
	logLevel            string
}

func main() {
	var cfg config

	flag.StringVar(&cfg.host, "host", "127.0.0.1", "address to bind")
	flag.IntVar(&cfg.port, "port", server.DefaultPort, "TCP port (0 for an ephemeral port)")
	flag.StringVar(&cfg.backend, "backend", "memory", "storage backend: memory|disk")
	flag.StringVar(&cfg.dataDir, "data-dir", "data", "directory for WAL, snapshot, and data files")
	flag.IntVar(&cfg.snapshotThreshold, "snapshot-threshold", storage.DefaultSnapshotThreshold, "WAL records between snapshots (memory backend)")
	flag.IntVar(&cfg.compactionThreshold, "compaction-threshold", storage.DefaultCompactionThreshold, "tombstones between compactions (disk backend)")
	flag.IntVar(&cfg.maxConnections, "max-conn", 0, "maximum concurrent connections (0 for unlimited)")
	flag.DurationVar(&cfg.clientTimeout, "client-timeout", 0, "per-client read/write timeout (0 for none)")
	flag.BoolVar(&cfg.binaryOnly, "binary-only", false, "serve only the binary protocol, skipping auto-detection")
	flag.DurationVar(&cfg.cleanupInterval, "cleanup-interval", 0, "interval between expired-entry sweeps (0 disables)")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	store, cleanupTask, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	srv := server.New(store, server.Options{
		Host:           cfg.host,
		Port:           cfg.port,
		MaxConnections: cfg.maxConnections,
		ClientTimeout:  cfg.clientTimeout,
		BinaryOnly:     cfg.binaryOnly,
		Logger:         logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	var sweeper *maintenance.Scheduler
	if cfg.cleanupInterval > 0 && cleanupTask != nil {
		sweeper = maintenance.NewScheduler(maintenance.Config{
			Name:     "cleanup-expired",
			Interval: cfg.cleanupInterval,
			Task:     cleanupTask,
			Logger:   logger,
		})
		sweeper.Start()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("caught signal", "signal", sig.String())

	if sweeper != nil {
		sweeper.Stop()
	}
	srv.Stop()
	return nil
}

// buildStore assembles the chosen backend and, when the backend supports
// it, the task the expiry sweeper should run.
func buildStore(cfg config, logger *slog.Logger) (storage.Store, maintenance.Task, error) {
	switch cfg.backend {
	case "memory":
		if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir %s: %w", cfg.dataDir, err)
		}
		store, err := storage.OpenMemoryStore(storage.MemoryOptions{
			WALPath:           filepath.Join(cfg.dataDir, "store.wal"),
			SnapshotPath:      filepath.Join(cfg.dataDir, "store.snapshot"),
			SnapshotThreshold: cfg.snapshotThreshold,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("memory store opened", "dir", cfg.dataDir, "entries", store.Size())
		return store, store.CleanupExpired, nil

	case "disk":
		store, err := storage.OpenDiskStore(storage.DiskOptions{
			DataDir:             cfg.dataDir,
			CompactionThreshold: cfg.compactionThreshold,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("disk store opened", "dir", cfg.dataDir, "entries", store.Size())
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
