package consumer

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
)

// Outcomes recorded on the messages counter.
const (
	outcomeAcked        = "acked"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeRequeued     = "requeued"
)

type metrics struct {
	messages metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	messages, err := meter.Int64Counter("consumer.messages",
		metric.WithDescription("Messages settled by the consumer runtime, by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "messages counter")
	}
	duration, err := meter.Float64Histogram("consumer.handle.duration",
		metric.WithDescription("Duration of a single handler invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return &metrics{messages: messages, duration: duration}, nil
}
