// Package app is the composition root of the order pipeline service.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-pipeline/internal/api"
	"github.com/xenking/order-pipeline/pkg/health"
	"github.com/xenking/order-pipeline/pkg/httpmiddleware"
)

// Run builds the pipeline, consumes the work queues and serves the HTTP API
// until ctx is done, then drains both. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("broker", cfg.Broker.Driver),
		zap.String("inbox", cfg.Inbox.Driver),
	)

	p, err := NewPipeline(ctx, lg, cfg, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create pipeline")
	}
	defer p.Close()

	healthSvc := health.New()
	for name, check := range p.ReadinessChecks() {
		healthSvc.Register(health.Readiness, name, check)
	}
	healthSvc.Register(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           newHTTPHandler(ctx, lg, cfg, p, healthSvc, m.TracerProvider(), m.MeterProvider()),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(p.Runtime.Run(gctx), "consumer runtime")
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})

	healthSvc.SetReady(true)
	return g.Wait()
}

func newHTTPHandler(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	p *Pipeline,
	healthSvc *health.Health,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) http.Handler {
	routes := api.NewHandler(p.Gateway, p.Orders, p.Aggregator).Routes()

	mux := http.NewServeMux()
	mux.Handle("/livez", healthSvc.Handler(health.Liveness))
	mux.Handle("/readyz", healthSvc.Handler(health.Readiness))
	mux.Handle("/api/", otelhttp.NewHandler(routes, "order-pipeline",
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithMeterProvider(mp),
	))

	return httpmiddleware.Wrap(mux,
		httpmiddleware.InjectLogger(lg.Named("http")),
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.LogRequests(),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
	)
}
