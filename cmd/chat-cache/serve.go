package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/wolfeidau/chat-cache/labels"
	"github.com/wolfeidau/chat-cache/objecturl"
	"github.com/wolfeidau/chat-cache/server"
	"github.com/wolfeidau/chat-cache/telemetry"
)

// ServeCmd runs the loopback server.
type ServeCmd struct {
	Address              string        `help:"Address to listen on." default:"127.0.0.1:8080" env:"CHAT_CACHE_ADDRESS"`
	BaseURL              string        `help:"Base of local object URLs (derived from --address when empty)." env:"CHAT_CACHE_BASE_URL"`
	ClearExpiredSchedule string        `help:"Cron schedule for removing expired media." default:"@every 1h" env:"CHAT_CACHE_CLEAR_EXPIRED_SCHEDULE"`
	QuotaSchedule        string        `help:"Cron schedule for the storage quota check." default:"@every 6h" env:"CHAT_CACHE_QUOTA_SCHEDULE"`
	QuotaThreshold       int64         `help:"Storage usage in bytes that raises a warning." default:"209715200" env:"CHAT_CACHE_QUOTA_THRESHOLD"`
	LabelRetention       time.Duration `help:"Delete labels unused for this long." default:"720h" env:"CHAT_CACHE_LABEL_RETENTION"`
	LegacyLabels         string        `help:"Legacy labels JSON file to import on start." type:"path" env:"CHAT_CACHE_LEGACY_LABELS"`
	Prometheus           bool          `help:"Expose /metrics." default:"true" negatable:"" env:"CHAT_CACHE_PROMETHEUS"`
	OTLPEndpoint         string        `help:"OTLP gRPC endpoint for metrics (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Run starts the server and blocks until the process is signalled.
func (c *ServeCmd) Run(app *App) error {
	ctx, logger := app.ctx, app.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "chat-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(ctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds, err := app.credentials()
	if err != nil {
		return err
	}

	urls := objecturl.New(c.baseURL(), objecturl.WithLogger(logger))
	mediaStore, closeMedia, err := app.mediaStoreWith(creds, urls)
	if err != nil {
		return err
	}
	defer closeMedia()

	labelStore, err := app.openLabels(
		labels.WithQuotaThreshold(c.QuotaThreshold),
		labels.WithUsageReporter("media", mediaStore.TotalCachedBytes),
	)
	if err != nil {
		return err
	}
	defer labelStore.Close()

	if c.LegacyLabels != "" {
		labelStore.MigrateFromLegacy(ctx, afero.NewOsFs(), c.LegacyLabels)
	}

	reaper := labels.NewReaper(labelStore,
		labels.WithRetention(c.LabelRetention),
		labels.WithReaperLogger(logger.With("component", "label_reaper")),
	)
	go reaper.Run(ctx)

	jobs := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
	if _, err := jobs.AddFunc(c.ClearExpiredSchedule, func() {
		if n, err := mediaStore.ClearExpired(ctx); err != nil {
			logger.Warn("clearing expired media failed", "error", err)
		} else if n > 0 {
			logger.Info("expired media cleared", "deleted", n)
		}
	}); err != nil {
		return fmt.Errorf("invalid clear-expired schedule %q: %w", c.ClearExpiredSchedule, err)
	}
	if _, err := jobs.AddFunc(c.QuotaSchedule, func() {
		if _, err := labelStore.CheckStorageQuota(ctx); err != nil {
			logger.Warn("storage quota check failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid quota schedule %q: %w", c.QuotaSchedule, err)
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	srv, err := server.New(server.Config{
		Address:   c.Address,
		AuthToken: creds.AuthToken,
		Media:     mediaStore,
		Labels:    labelStore,
		Reaper:    reaper,
		URLs:      urls,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"object_urls", urls.BaseURL(),
		"labels_supported", labelStore.Supported(),
		"auth", creds.AuthToken != "",
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (c *ServeCmd) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	host := c.Address
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host + "/blob"
}
