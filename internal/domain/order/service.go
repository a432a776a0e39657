package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Sentinel errors for command validation.
var (
	ErrEmptyOrderCode = errors.New("order code is required")
	ErrNegativePrice  = errors.New("total price must not be negative")
)

// ValidationError indicates a command that can never be processed.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsRejected reports whether err is caused by the command content rather
// than by infrastructure, meaning a retry cannot succeed.
func IsRejected(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrDuplicateOrderCode) ||
		errors.Is(err, ErrIdempotencyKeyReused)
}

// EventPublisher emits order events.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, e CreatedEvent) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for OrderDate defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service encapsulates order creation.
type Service struct {
	orders Repository
	events EventPublisher
	now    func() time.Time
}

// NewService creates an order Service.
func NewService(orders Repository, events EventPublisher, opts ...Option) *Service {
	s := &Service{
		orders: orders,
		events: events,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks the command content.
func Validate(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.OrderCode) == "" {
		return &ValidationError{Field: "orderCode", Err: ErrEmptyOrderCode}
	}
	if cmd.TotalPrice.IsNegative() {
		return &ValidationError{Field: "totalPrice", Err: ErrNegativePrice}
	}
	return nil
}

// GetByCode returns the order stored under code.
func (s *Service) GetByCode(ctx context.Context, code string) (*Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}
	o, err := s.orders.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get order %q: %w", code, err)
	}
	return o, nil
}

// CreateOrder validates cmd, persists the order and publishes exactly one
// CreatedEvent for it. fallbackKey is used as the idempotency key when the
// command carries none.
//
// A redelivered command finds the order stored under its key and publishes
// the event again, so a crash between commit and publish loses nothing.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand, fallbackKey string) (*Order, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}

	key := cmd.IdempotencyKey
	if key == "" {
		key = fallbackKey
	}
	if key == "" {
		return nil, &ValidationError{Field: "idempotencyKey", Err: errors.New("missing")}
	}

	date := s.now()
	if cmd.OrderDate != nil {
		date = *cmd.OrderDate
	}

	o := &Order{
		OrderCode:      strings.TrimSpace(cmd.OrderCode),
		OrderDate:      date.UTC(),
		TotalPrice:     cmd.TotalPrice.Round(2),
		IdempotencyKey: key,
	}
	stored, created, err := s.orders.Create(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	lg := zctx.From(ctx).With(
		zap.Int64("order_id", stored.ID),
		zap.String("order_code", stored.OrderCode),
	)
	if created {
		lg.Info("Order created", zap.Stringer("total_price", stored.TotalPrice))
	} else {
		if stored.OrderCode != o.OrderCode || !stored.TotalPrice.Equal(o.TotalPrice) {
			return nil, fmt.Errorf("key %q: %w", key, ErrIdempotencyKeyReused)
		}
		lg.Info("Order already exists, publishing event again")
	}

	if err := s.events.PublishOrderCreated(ctx, EventFor(stored)); err != nil {
		return nil, fmt.Errorf("publish order created: %w", err)
	}
	return stored, nil
}
