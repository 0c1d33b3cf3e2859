package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
	"github.com/xenking/homechef-settlement/internal/events"
	"github.com/xenking/homechef-settlement/internal/handler"
	"github.com/xenking/homechef-settlement/internal/rail"
	"github.com/xenking/homechef-settlement/internal/scheduler"
	"github.com/xenking/homechef-settlement/internal/telemetry"
	"github.com/xenking/homechef-settlement/pkg/health"
	"github.com/xenking/homechef-settlement/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the scheduler, and
// handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	store, err := openStorage(ctx, lg, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.close()

	healthSvc := health.New(lg.Named("health"))
	if store.ping != nil {
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(store.ping))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.Start(ctx, 10*time.Second)

	metrics, err := telemetry.New(m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}
	hub := events.NewHub(lg.Named("events"))
	go hub.Run(ctx)

	// Domain services.
	promos, err := loadPromos(ctx, store.promos)
	if err != nil {
		return err
	}
	lg.Info("Promo table loaded", zap.Int("codes", promos.Len()))

	fees, err := cfg.Checkout.FeeSchedule()
	if err != nil {
		return errors.Wrap(err, "fee schedule")
	}
	calc := breakdown.NewCalculator(promos, fees)

	orders := order.NewService(order.ServiceDeps{
		Repository:  store.orders,
		GracePeriod: cfg.Checkout.GracePeriod,
		Logger:      lg.Named("orders"),
		Notifier:    hub,
		Metrics:     metrics,
	})

	var dispatcher payout.Dispatcher = rail.NewLog(lg.Named("rail"))
	if cfg.Payout.Dispatcher == "webhook" {
		dispatcher = rail.NewWebhook(cfg.Payout.RailConfig())
	}
	payouts := payout.NewEngine(payout.EngineDeps{
		Store:       store.payouts,
		Schedules:   store.schedules,
		Dispatcher:  dispatcher,
		Logger:      lg.Named("payouts"),
		Notifier:    hub,
		Metrics:     metrics,
		Concurrency: cfg.Payout.Concurrency,
	})
	if err := seedSchedules(ctx, lg, payouts, cfg.Payout); err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.Payout.SchedulerConfig(), scheduler.Deps{
		Payouts:        payouts,
		Orders:         orders,
		Logger:         lg.Named("scheduler"),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	sched.Start()

	h := handler.New(handler.Deps{
		Calculator: calc,
		Orders:     orders,
		Ledger:     store.ledger,
		Payouts:    payouts,
	})

	// Probes and the event stream are neither traced nor rate limited.
	untracked := func(r *http.Request) bool {
		p := r.URL.Path
		return p == "/livez" || p == "/readyz" || strings.HasPrefix(p, "/ws/")
	}

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("settle-api", m, untracked),
		httpmiddleware.LogRequests(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Handle("/ws/events", hub)
	r.Route("/api", h.Routes)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:          cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   untracked,
			}),
		),
	}
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		sched.Stop(shutdownCtx)
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
