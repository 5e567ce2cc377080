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

	"referlane/internal/attribution"
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
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
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

	// Manual triggers from the dashboard run a batch inline; the lease only
	// matters for the dispatcher's reclaim sweep, kept here for parity.
	runner := dispatch.NewRunner(st, channels, 10*time.Minute)

	s := httpapi.New()
	api := &httpapi.API{
		Attribution: attribution.New(st),
		Runner:      runner,
		Reader:      st,
		BatchSize:   cfg.BatchSize,
	}
	api.Register(s.Router)

	s.Router.HandleFunc("/healthz", httpapi.Healthz())
	s.Router.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(s.Router),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}

// newChannelDispatcher wires the concrete providers a deployment has
// credentials for. A channel with no credentials stays nil and its messages
// fail individually as unconfigured.
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
