package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"referlane/internal/config"
	"referlane/internal/dispatch"
	"referlane/internal/httpapi"
	"referlane/internal/logging"
	"referlane/internal/observability"
	"referlane/internal/providers/ses"
	"referlane/internal/providers/twilio"
	"referlane/internal/sender"
	"referlane/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat)

	interval, err := time.ParseDuration(cfg.DispatchInterval)
	if err != nil {
		slog.Error("invalid DISPATCH_INTERVAL", "err", err)
		os.Exit(1)
	}
	reclaimEvery, err := time.ParseDuration(cfg.ReclaimInterval)
	if err != nil {
		slog.Error("invalid RECLAIM_INTERVAL", "err", err)
		os.Exit(1)
	}
	lease, err := time.ParseDuration(cfg.ClaimLease)
	if err != nil {
		slog.Error("invalid CLAIM_LEASE", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := db.Ping(startupCtx); err != nil {
		startupCancel()
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	channels, err := newChannelDispatcher(ctx, cfg.Twilio, cfg.Email)
	if err != nil {
		slog.Error("provider init failed", "err", err)
		os.Exit(1)
	}
	runner := dispatch.NewRunner(st, channels, lease)

	// health + metrics listener
	s := httpapi.New()
	s.Router.HandleFunc("/healthz", httpapi.Healthz())
	s.Router.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(s.Router),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runLoop(ctx, runner, interval, reclaimEvery, cfg.BatchSize)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher health server failed", "err", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for dispatch loop")
	}
}

// runLoop drains due messages on every tick and sweeps stale claims on a
// slower cadence. Draining runs batches until one comes back with nothing
// claimed, so a backlog clears faster than one batch per tick.
func runLoop(ctx context.Context, runner *dispatch.Runner, interval, reclaimEvery time.Duration, batchSize int) {
	dispatchTicker := time.NewTicker(interval)
	defer dispatchTicker.Stop()
	reclaimTicker := time.NewTicker(reclaimEvery)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			for {
				res, err := runner.RunBatch(ctx, batchSize, "")
				if err != nil {
					slog.Error("dispatch batch failed", "err", err)
					break
				}
				if res.Processed > 0 {
					slog.Info("dispatch batch done",
						"processed", res.Processed,
						"sent", res.Sent,
						"failed", res.Failed,
					)
				}
				if res.Processed == 0 || ctx.Err() != nil {
					break
				}
			}
		case <-reclaimTicker.C:
			if _, err := runner.ReclaimStale(ctx); err != nil {
				slog.Error("reclaim sweep failed", "err", err)
			}
		}
	}
}

func newChannelDispatcher(ctx context.Context, twilioCfg config.TwilioConfig, emailCfg config.EmailConfig) (*sender.Dispatcher, error) {
	var sms sender.SmsSender
	if twilioCfg.Configured() {
		sms = &twilio.Client{
			AccountSID:          twilioCfg.AccountSID,
			AuthToken:           twilioCfg.AuthToken,
			MessagingServiceSID: twilioCfg.MessagingServiceSID,
			FromNumber:          twilioCfg.FromNumber,
			BaseURL:             twilioCfg.BaseURL,
			HTTP:                &http.Client{Timeout: 8 * time.Second},
		}
	}

	var email sender.EmailSender
	if emailCfg.Configured() {
		client, err := ses.NewClient(ctx, emailCfg)
		if err != nil {
			return nil, err
		}
		email = client
	}

	smsLimiter := rate.NewLimiter(rate.Limit(twilioCfg.RPS), twilioCfg.Burst)
	emailLimiter := rate.NewLimiter(rate.Limit(emailCfg.RPS), emailCfg.Burst)
	return sender.New(sms, email, smsLimiter, emailLimiter), nil
}
