// Command ocfd is the on-call control plane's single-process daemon: it
// wires storage, queueing, caching, the alert/escalation/notification/
// workflow pipeline, and the HTTP surface together, then runs until an
// interrupt or terminate signal arrives. Grounded on the teacher's own
// BaseTool.Start/Shutdown lifecycle (core/tool.go) — listen, then
// graceful-shutdown on signal rather than os.Exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/thanigaiv/oncallforge/internal/cache"
	"github.com/thanigaiv/oncallforge/internal/clock"
	"github.com/thanigaiv/oncallforge/internal/config"
	"github.com/thanigaiv/oncallforge/internal/dedup"
	"github.com/thanigaiv/oncallforge/internal/escalation"
	"github.com/thanigaiv/oncallforge/internal/httpapi"
	"github.com/thanigaiv/oncallforge/internal/ingestion"
	"github.com/thanigaiv/oncallforge/internal/logging"
	"github.com/thanigaiv/oncallforge/internal/notification"
	"github.com/thanigaiv/oncallforge/internal/oncall"
	"github.com/thanigaiv/oncallforge/internal/providers"
	"github.com/thanigaiv/oncallforge/internal/queue"
	"github.com/thanigaiv/oncallforge/internal/ratelimit"
	"github.com/thanigaiv/oncallforge/internal/router"
	"github.com/thanigaiv/oncallforge/internal/store"
	"github.com/thanigaiv/oncallforge/internal/telemetry"
	"github.com/thanigaiv/oncallforge/internal/workflow"
)

// queue worker concurrency per named queue, per spec §5/§6's per-queue caps.
const (
	dedupeConcurrency       = 10
	escalationConcurrency   = 10
	notificationConcurrency = 10
	workflowsConcurrency    = 5
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars always take precedence)")
	flag.Parse()

	bootLogger := logging.NoOp()
	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocfd: loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ocfd: invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocfd: building logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ocfd exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	clk := clock.Real{}

	tracerProvider, err := telemetry.NewTracerProvider(ctx, cfg.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.TraceSampleRate)
	if err != nil {
		return fmt.Errorf("bootstrapping tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()
	metrics := telemetry.NewMetrics()

	st, err := store.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("opening postgres store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ch := cache.NewRedis(redisClient, cfg.ServiceName+":cache")
	q := queue.NewRedisQueue(redisClient, cfg.ServiceName+":queue", clk, logger)
	defer q.Close()

	providerRegistry := buildProviderRegistry(cfg, logger)

	ing := ingestion.New(st, ch, q, clk, logger, map[string]ingestion.Adapter{
		"datadog":      ingestion.DatadogAdapter{},
		"alertmanager": ingestion.AlertmanagerAdapter{},
	})

	resolver := oncall.New(st)
	rtr := router.New(st, resolver)

	notifier := notification.New(st, providerRegistry, q, clk, logger)

	actions := workflow.NewActionRegistry()
	actions.Register("webhook", workflow.NewWebhookAction(nil))
	wfEngine := workflow.New(st, actions, q, clk, logger)

	escalationEngine := escalation.New(st, notifier, rtr, q, clk, logger, wfEngine)
	deduplicator := dedup.New(st, rtr, clk, logger, escalationEngine, wfEngine)

	limiter := ratelimit.New(ch, logger, map[ratelimit.Tier]ratelimit.Limit{
		ratelimit.TierWebhook: {Count: 1000, Window: time.Minute},
		ratelimit.TierAPI:     {Count: 500, Window: time.Minute},
		ratelimit.TierPublic:  {Count: 100, Window: time.Minute},
	})

	corsCfg := httpapi.CORSConfig{Enabled: false}
	server := httpapi.New(ing, escalationEngine, wfEngine, st, clk, logger, corsCfg, cfg.Logging.Development, metrics, limiter)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      server,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	errCh := make(chan error, 4)
	go consumeDedupe(workerCtx, q, deduplicator, logger, errCh)
	go consumeEscalation(workerCtx, q, escalationEngine, logger, errCh)
	go consumeNotifications(workerCtx, q, notifier, logger, errCh)
	go consumeWorkflows(workerCtx, q, wfEngine, logger, errCh)

	go func() {
		logger.Info("starting HTTP server", map[string]interface{}{"address": cfg.HTTP.Address})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		logger.Error("component failed, shutting down", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	cancelWorkers()

	return nil
}

func consumeDedupe(ctx context.Context, q queue.Queue, d *dedup.Deduplicator, logger logging.Logger, errCh chan<- error) {
	err := q.Consume(ctx, "dedupe", dedupeConcurrency, func(ctx context.Context, job queue.Job) error {
		_, _, err := d.Deduplicate(ctx, string(job.Payload))
		return err
	})
	if err != nil && ctx.Err() == nil {
		errCh <- fmt.Errorf("dedupe consumer: %w", err)
	}
}

func consumeEscalation(ctx context.Context, q queue.Queue, e *escalation.Engine, logger logging.Logger, errCh chan<- error) {
	err := q.Consume(ctx, "escalation", escalationConcurrency, e.HandleTimeout)
	if err != nil && ctx.Err() == nil {
		errCh <- fmt.Errorf("escalation consumer: %w", err)
	}
}

func consumeNotifications(ctx context.Context, q queue.Queue, d *notification.Dispatcher, logger logging.Logger, errCh chan<- error) {
	err := q.Consume(ctx, "notifications", notificationConcurrency, d.HandleSend)
	if err != nil && ctx.Err() == nil {
		errCh <- fmt.Errorf("notifications consumer: %w", err)
	}
}

func consumeWorkflows(ctx context.Context, q queue.Queue, e *workflow.Engine, logger logging.Logger, errCh chan<- error) {
	err := q.Consume(ctx, "workflows", workflowsConcurrency, e.HandleExecutionJob)
	if err != nil && ctx.Err() == nil {
		errCh <- fmt.Errorf("workflows consumer: %w", err)
	}
}

// buildProviderRegistry registers one provider per channel from cfg.
// Channels whose credentials are unset are simply left without a
// registered provider; Registry.SendOnChannel reports that plainly as a
// permanent error rather than the process refusing to start, since a
// partially-configured deployment (e.g. SMS/email only, no voice vendor
// yet) is an expected operating mode.
func buildProviderRegistry(cfg *config.Config, logger logging.Logger) *providers.Registry {
	reg := providers.NewRegistry(logger)

	if cfg.Providers.TwilioAccountSID != "" {
		sender := providers.NewTwilioSMSSender(cfg.Providers.TwilioAccountSID, cfg.Providers.TwilioAuthToken, cfg.Providers.TwilioFromNumber, nil)
		reg.Register(providers.NewSMSProvider("twilio", sender, uint32(cfg.Providers.SMSBreakerMaxFail), 30*time.Second))
	}
	if cfg.Providers.SlackWebhookURL != "" {
		reg.Register(providers.NewSlackProvider("slack", cfg.Providers.SlackWebhookURL))
	}
	if cfg.Providers.SendgridAPIKey != "" {
		reg.Register(providers.NewEmailProvider("sendgrid", "https://api.sendgrid.com/v3/mail/send", cfg.Providers.SendgridAPIKey, "oncall@"+cfg.ServiceName, nil))
	}

	return reg
}
