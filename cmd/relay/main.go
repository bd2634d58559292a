// Command relay runs the message relay: a centralized Telegram
// notification gateway with an optional bot-command webhook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vmnotify/relay/internal/bot"
	"github.com/vmnotify/relay/internal/config"
	"github.com/vmnotify/relay/internal/history"
	"github.com/vmnotify/relay/internal/monitor"
	"github.com/vmnotify/relay/internal/server"
	"github.com/vmnotify/relay/internal/telegram"
	"github.com/vmnotify/relay/internal/template"
	"github.com/vmnotify/relay/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	settings := config.SettingsFromViper(v)

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("message relay starting",
		zap.String("version", version.Short()),
		zap.Int("port", settings.Port),
	)

	// Relay config file: created with placeholders on first launch,
	// re-read on every request thereafter.
	cfgStore := config.NewStore(settings.RelayConfig, logger.Named("config"))
	if err := cfgStore.EnsureExists(); err != nil {
		logger.Fatal("failed to create default config", zap.Error(err))
	}

	templates := template.NewStore(settings.TemplatesPath, logger.Named("templates"))
	messenger := telegram.NewClient(telegram.DefaultBaseURL, 30*time.Second, logger.Named("telegram"))
	machines := monitor.NewClient(10*time.Second, logger.Named("monitor"))

	// Delivery history is an optional audit log.
	var deliveries *history.Store
	if settings.HistoryPath != "" {
		deliveries, err = history.Open(settings.HistoryPath)
		if err != nil {
			logger.Fatal("failed to open history database", zap.Error(err))
		}
		defer deliveries.Close()
		logger.Info("history database initialized", zap.String("path", settings.HistoryPath))
	}

	// Interface plumbing: a nil *Store must stay a nil interface.
	var botRecorder bot.Recorder
	var serverLog server.DeliveryLog
	if deliveries != nil {
		botRecorder = deliveries
		serverLog = deliveries
	}

	commands := bot.New(cfgStore, machines, messenger, botRecorder, logger.Named("bot"))
	srv := server.New(settings.Addr(), cfgStore, templates, messenger, commands, serverLog, logger.Named("server"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}

	logger.Info("message relay stopped")
}
