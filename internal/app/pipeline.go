package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/order-pipeline/internal/broker"
	"github.com/xenking/order-pipeline/internal/broker/memory"
	"github.com/xenking/order-pipeline/internal/broker/rabbitmq"
	"github.com/xenking/order-pipeline/internal/consumer"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/gateway"
	"github.com/xenking/order-pipeline/internal/handler"
	"github.com/xenking/order-pipeline/internal/inbox"
	"github.com/xenking/order-pipeline/internal/repository"
	store "github.com/xenking/order-pipeline/internal/storage/memory"
	"github.com/xenking/order-pipeline/pkg/health"
)

// Pipeline is the wired message pipeline: stores, broker, gateway, domain
// services and the consumer runtime with one binding per work queue.
type Pipeline struct {
	Broker     broker.Broker
	Gateway    *gateway.Gateway
	Orders     *order.Service
	Aggregator *sales.Aggregator
	Runtime    *consumer.Runtime

	checks  map[string]health.CheckFunc
	closers []func()
}

// NewPipeline builds the pipeline selected by cfg. On error everything
// created so far is released.
func NewPipeline(ctx context.Context, lg *zap.Logger, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) (_ *Pipeline, rerr error) {
	p := &Pipeline{checks: make(map[string]health.CheckFunc)}
	defer func() {
		if rerr != nil {
			p.Close()
		}
	}()

	orders, totals, err := p.openStorage(ctx, lg, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.openBroker(ctx, lg, cfg); err != nil {
		return nil, err
	}
	marks, err := p.openInbox(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.Gateway = gateway.New(p.Broker,
		gateway.WithPublishTimeout(cfg.Broker.PublishTimeout),
		gateway.WithTracerProvider(tp),
	)
	p.Orders = order.NewService(orders, p.Gateway)
	p.Aggregator = sales.NewAggregator(totals)
	h := handler.NewHandler(
		p.Orders,
		sales.NewTrigger(p.Gateway, marks),
		p.Aggregator,
	)

	p.Runtime, err = consumer.New(p.Broker, lg.Named("consumer"),
		consumer.WithTracerProvider(tp),
		consumer.WithMeterProvider(mp),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create consumer runtime")
	}
	retry := consumer.RetryPolicy{
		Limit:    cfg.Broker.Retry.Limit,
		Interval: cfg.Broker.Retry.Interval,
	}
	for _, b := range h.Bindings(cfg.Broker.Prefetch, retry) {
		if err := p.Runtime.Bind(b); err != nil {
			return nil, errors.Wrap(err, "bind")
		}
	}
	return p, nil
}

func (p *Pipeline) openStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (order.Repository, sales.Repository, error) {
	if cfg.Storage.Driver == DriverMemory {
		lg.Warn("Using in-memory storage, data is lost on restart")
		return store.NewOrderRepository(), store.NewSalesRepository(), nil
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create db pool")
	}
	p.closers = append(p.closers, pool.Close)

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return nil, nil, errors.Wrap(err, "run migrations")
	}

	db := repository.NewDB(pool, repository.RetryConfig{
		Attempts:     cfg.Storage.Retry.Attempts,
		InitialDelay: cfg.Storage.Retry.InitialDelay,
		MaxDelay:     cfg.Storage.Retry.MaxDelay,
	})
	p.checks["postgres"] = health.Ping(db)
	return repository.NewOrderRepository(db), repository.NewSalesRepository(db), nil
}

func (p *Pipeline) openBroker(ctx context.Context, lg *zap.Logger, cfg *Config) error {
	if cfg.Broker.Driver == DriverMemory {
		p.Broker = memory.New()
	} else {
		b, err := rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:    cfg.Broker.URL,
			Logger: lg.Named("rabbitmq"),
		})
		if err != nil {
			return errors.Wrap(err, "connect broker")
		}
		p.Broker = b
	}
	p.closers = append(p.closers, func() { _ = p.Broker.Close() })
	p.checks["broker"] = health.Ping(p.Broker)
	return nil
}

func (p *Pipeline) openInbox(ctx context.Context, cfg *Config) (sales.Marker, error) {
	switch cfg.Inbox.Driver {
	case DriverNone:
		return nil, nil
	case DriverRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Inbox.RedisAddr})
		p.closers = append(p.closers, func() { _ = rdb.Close() })

		s := inbox.NewRedis(rdb, "order-pipeline:inbox:", cfg.Inbox.TTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		p.checks["redis"] = health.Ping(s)
		return s, nil
	default:
		return inbox.NewMemory(cfg.Inbox.TTL), nil
	}
}

// ReadinessChecks returns a check per external dependency.
func (p *Pipeline) ReadinessChecks() map[string]health.CheckFunc {
	return p.checks
}

// Close releases the broker, the inbox and the database pool.
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
