package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/config"
	"github.com/t77yq/pricewatch/internal/executor"
	"github.com/t77yq/pricewatch/internal/fanout"
	"github.com/t77yq/pricewatch/internal/fetcher"
	"github.com/t77yq/pricewatch/internal/handler"
	"github.com/t77yq/pricewatch/internal/logging"
	"github.com/t77yq/pricewatch/internal/monitor"
	"github.com/t77yq/pricewatch/internal/scheduler"
	"github.com/t77yq/pricewatch/internal/service"
	"github.com/t77yq/pricewatch/internal/storage"
	"github.com/t77yq/pricewatch/internal/trend"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the price monitoring pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		return run(cmd.Context(), cfg, logger.With(zap.String("app", cfg.App.Name)))
	},
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps := service.Deps{
		Fetcher: fetcher.NewHTMLFetcher(htmlConfig(cfg.Fetcher), nil, logger),
		Catalog: fetcher.NewStaticCatalog(cfg.ProductURLs()),
	}

	if cfg.Storage.Enabled {
		archive, err := storage.NewSQLiteArchive(logger, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer archive.Close()
		deps.Archive = archive
	}

	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err := nc.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			logger.Warn("Async publish failed",
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}))
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		deps.JetStream = js
	}

	pipeline, err := service.NewPipeline(pipelineOptions(cfg), deps, logger)
	if err != nil {
		return err
	}
	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	if len(cfg.Products) > 0 {
		if n, err := pipeline.RefreshNow(ctx); err != nil {
			logger.Warn("Initial refresh failed", zap.Error(err))
		} else {
			logger.Info("Initial refresh enqueued", zap.Int("products", n))
		}
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pipeline.Stop(); err != nil {
			logger.Error("Failed to stop pipeline", zap.Error(err))
		}
	}()

	select {
	case <-done:
		logger.Info("Server shut down gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached, some tasks may not have completed")
	}
	return nil
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	retries := max(cfg.NATS.ConnectRetries, 1)
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(strings.Join(cfg.NATS.URLs, ","), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func htmlConfig(cfg config.FetcherConfig) fetcher.HTMLConfig {
	sites := make(map[string]fetcher.Selector, len(cfg.Sites))
	for _, s := range cfg.Sites {
		sites[s.Host] = fetcher.Selector{Price: s.Price, Attr: s.Attr, Currency: s.Currency}
	}
	return fetcher.HTMLConfig{
		UserAgent:       cfg.UserAgent,
		Timeout:         cfg.Timeout,
		DefaultCurrency: cfg.DefaultCurrency,
		Sites:           sites,
	}
}

func pipelineOptions(cfg *config.Config) service.Options {
	storageType := nats.FileStorage
	if cfg.NATS.StreamStorage == "memory" {
		storageType = nats.MemoryStorage
	}

	bands := cfg.Trend.Bands
	hostname, _ := os.Hostname()
	instanceID := cfg.Workers.ID
	if hostname != "" {
		instanceID = hostname + "/" + cfg.Workers.ID
	}

	return service.Options{
		Queue: scheduler.QueueConfig{
			MaxAttempts: cfg.Scheduler.MaxAttempts,
			Backoff: &scheduler.ExponentialBackoff{
				InitialDelay: cfg.Scheduler.BackoffBase,
				MaxDelay:     cfg.Scheduler.BackoffMax,
				Multiplier:   cfg.Scheduler.BackoffFactor,
			},
		},
		ReapInterval:    cfg.Scheduler.ReapInterval,
		LivenessTimeout: cfg.Scheduler.LivenessTimeout,
		Refresher: scheduler.RefresherConfig{
			RefreshSpec: cfg.Scheduler.RefreshCron,
			CleanupSpec: cfg.Scheduler.CleanupCron,
			Priority:    cfg.Scheduler.RefreshPriority,
			Retention:   cfg.Storage.Retention,
		},
		Pool: executor.Config{
			ID:            cfg.Workers.ID,
			Workers:       cfg.Workers.Count,
			FetchTimeout:  cfg.Workers.FetchTimeout,
			StatsInterval: cfg.Workers.StatsInterval,
		},
		Alerts: monitor.Config{
			EvalWorkers:            cfg.Alerts.EvalWorkers,
			QueueSize:              cfg.Alerts.QueueSize,
			DispatchWorkers:        cfg.Alerts.DispatchWorkers,
			DispatchTimeout:        cfg.Alerts.DispatchTimeout,
			DefaultCooldownMinutes: cfg.Alerts.DefaultCooldown,
			AnomalyWindow:          cfg.Alerts.AnomalyWindow,
			AnomalyMinSamples:      cfg.Alerts.AnomalyMinSamples,
			AnomalyK:               cfg.Alerts.AnomalyK,
		},
		Fanout: fanout.Config{Buffer: cfg.Fanout.Buffer},
		Trend: trend.Params{
			Granularity: trend.Granularity(cfg.Trend.Granularity),
			MAWindow:    cfg.Trend.MAWindow,
			Bands:       &bands,
			BandK:       cfg.Trend.BandK,
		},
		MetricsInterval: cfg.Workers.MetricsInterval,
		Bridge: service.BridgeConfig{
			InstanceID:        instanceID,
			MaxAge:            cfg.NATS.StreamMaxAge,
			Storage:           storageType,
			HeartbeatInterval: cfg.NATS.HeartbeatInterval,
			RemotePrices:      cfg.NATS.RemotePrices,
		},
		Webhook: handler.WebhookConfig{
			Secret:    cfg.Notify.Webhook.Secret,
			Timeout:   cfg.Notify.Webhook.Timeout,
			UserAgent: cfg.Notify.Webhook.UserAgent,
		},
		SMTP: handler.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		},
		AwaitAppReports: cfg.NATS.AwaitAppReports,
	}
}
