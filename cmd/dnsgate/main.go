package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/server"
	"dnsgate/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.json", "Path to configuration file")
	importList = flag.String("import", "", "Import a domain list file and exit")
	importRole = flag.String("import-role", "blacklist", "List to import into: blacklist or whitelist")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		AddSource: cfg.Logging.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	if *importList != "" {
		if err := runImport(cfg, *importRole, *importList); err != nil {
			logger.Error("Import failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("dnsgate starting", "version", version, "build_time", buildTime)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()

	sup, err := server.New(cfg, *configPath, bus, metrics)
	if err != nil {
		logger.Error("Failed to build resolver", "error", err)
		os.Exit(1)
	}

	if err := sup.Start(); err != nil {
		logger.Error("Failed to start resolver", "error", err)
		os.Exit(1)
	}

	// Watch the config file so external edits apply without a restart
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	watcher, err := config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			if err := sup.UpdateConfig(next); err != nil {
				logger.Error("Failed to apply config change", "error", err)
			}
		})
		go func() {
			if err := watcher.Start(watchCtx); err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("dnsgate running",
		"port", cfg.Server.Port,
		"tcp", cfg.Server.EnableTCP,
		"secondary", cfg.Server.SecondaryDNS,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	cancelWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sup.Close(); err != nil {
		logger.Error("Error during resolver shutdown", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}
	bus.Close()

	logger.Info("dnsgate stopped")
}
