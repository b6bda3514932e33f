// Package main is the entry point for the OpenADMS Node dataflow runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dabamos/openadms-node/internal/alert"
	"github.com/dabamos/openadms-node/internal/buildinfo"
	"github.com/dabamos/openadms-node/internal/config"
	"github.com/dabamos/openadms-node/internal/httpstatus"
	"github.com/dabamos/openadms-node/internal/runtime"
	"github.com/dabamos/openadms-node/internal/schema"
	"github.com/dabamos/openadms-node/internal/sensor"

	_ "github.com/dabamos/openadms-node/internal/processing"
	_ "github.com/dabamos/openadms-node/internal/scheduler"
	_ "github.com/dabamos/openadms-node/internal/status"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (required)")
	schemaDir := flag.String("schema-dir", "schemas", "path to the schemas/ tree, relative to the config file's directory unless absolute")
	logFile := flag.String("log-file", "", "path to log file (default: stdout only)")
	verbosity := flag.Int("verbosity", 6, "log verbosity, 1 (quietest) through 9 (spam)")
	debug := flag.Bool("debug", false, "print debug messages")
	quiet := flag.Bool("quiet", false, "disable log output entirely")
	withMQTTBroker := flag.Bool("with-mqtt-broker", false, "use an embedded MQTT message broker (unsupported here; an external broker is required)")
	bind := flag.String("bind", "127.0.0.1", "bind address for the local status HTTP page")
	port := flag.Int("port", 8080, "port for the local status HTTP page (0 disables it)")
	flag.Parse()

	logLevel := verbosityToLevel(*verbosity)
	if *debug {
		logLevel = slog.LevelDebug
	}
	if *quiet {
		logLevel = slog.Level(100)
	}

	logSink, closeSink := openLogSink(*logFile)
	defer closeSink()

	logs := httpstatus.NewRingBuffer(500)
	base := slog.NewTextHandler(logSink, &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	tailed := httpstatus.NewRingBufferHandler(base, logs, slog.LevelInfo)
	teed := alert.NewTeeHandler(tailed, alert.Bus, slog.LevelWarn)
	logger := slog.New(teed)
	slog.SetDefault(logger)

	logger.Info("starting openadmsd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	if *withMQTTBroker {
		logger.Warn("--with-mqtt-broker requested but no embedded broker is built in; point --config at an external MQTT 3.1.1 broker")
	}

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	schemaRoot := *schemaDir
	if !filepath.IsAbs(schemaRoot) {
		schemaRoot = filepath.Join(filepath.Dir(cfgPath), schemaRoot)
	}
	schemaRegistry := schema.NewRegistry(schemaRoot, logger)
	schemaRegistry.LoadAll()

	sensorsCfg, _ := cfg.Sub("sensors").(map[string]any)
	catalog, err := sensor.NewCatalog(sensorsCfg)
	if err != nil {
		logger.Error("failed to build sensor catalog", "error", err)
		os.Exit(1)
	}

	manager := runtime.New(cfg, schemaRegistry, catalog, logger)
	manager.SetConfigPath(cfgPath)
	if err := manager.Load(); err != nil {
		logger.Error("failed to load workers", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := schemaRegistry.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			logger.Warn("schema watch stopped", "error", err)
		}
	}()

	if err := manager.StartAll(ctx); err != nil {
		logger.Error("failed to start workers", "error", err)
		os.Exit(1)
	}

	var statusServer *httpstatus.Server
	if *port != 0 {
		statusServer = httpstatus.NewServer(*bind, *port, manager, catalog, logs, logger)
		go func() {
			if err := statusServer.Start(ctx); err != nil {
				logger.Error("status page failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			logger.Info("SIGHUP received, restarting")
			if err := manager.Restart(ctx); err != nil {
				logger.Error("restart failed", "error", err)
				os.Exit(1)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutdown signal received")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
			if err := manager.StopAll(shutdownCtx); err != nil {
				logger.Warn("shutdown did not complete cleanly", "error", err)
			}
			cancelShutdown()
			cancel()
			if statusServer != nil {
				_ = statusServer.Shutdown(context.Background())
			}
			logger.Info("openadmsd stopped")
			return
		}
	}
}

// verbosityToLevel maps the CLI's 1 (quietest) - 9 (spam) verbosity
// scale onto slog levels, matching openadms.py's setup_logging table.
func verbosityToLevel(v int) slog.Level {
	switch v {
	case 1:
		return slog.LevelError + 4 // CRITICAL has no slog equivalent; clamp above Error.
	case 2:
		return slog.LevelError
	case 3, 4:
		return slog.LevelWarn
	case 5, 6:
		return slog.LevelInfo
	case 7:
		return slog.LevelInfo - 4 // VERBOSE, between Info and Debug.
	case 8:
		return slog.LevelDebug
	case 9:
		return config.LevelSpam
	default:
		return slog.LevelInfo
	}
}

// openLogSink opens path for appending, falling back to stdout when
// path is empty, matching --log-file's default of stdout-only output.
func openLogSink(path string) (*os.File, func()) {
	if path == "" {
		return os.Stdout, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "openadmsd: failed to open log file %q: %v (falling back to stdout)\n", path, err)
		return os.Stdout, func() {}
	}
	return f, func() { _ = f.Close() }
}
