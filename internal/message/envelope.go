package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Source is the CloudEvents source of every envelope this service emits.
const Source = "order-pipeline"

// ContentType is the body content type of an encoded envelope.
const ContentType = "application/cloudevents+json"

// Envelope extension attributes.
const (
	ExtIdempotencyKey = "idempotencykey"
	ExtCorrelationID  = "correlationid"
)

// traceExtensions are the W3C propagation keys copied between the OTel
// propagator and envelope extensions.
var traceExtensions = []string{"traceparent", "tracestate", "baggage"}

// ErrMalformed marks bodies that cannot be decoded into a valid envelope.
// Such messages can never succeed and are dead-lettered without retry.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is a command or event in transit. It is a CloudEvents 1.0 event
// serialized in structured JSON mode; the message ID stays the same across
// broker redeliveries.
type Envelope struct {
	event cloudevents.Event
}

type options struct {
	id             string
	idempotencyKey string
	correlationID  string
	at             time.Time
}

// Option customizes a new envelope.
type Option func(*options)

// WithMessageID sets an explicit message ID instead of a random UUID.
func WithMessageID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithIdempotencyKey attaches a caller supplied idempotency key.
func WithIdempotencyKey(key string) Option {
	return func(o *options) { o.idempotencyKey = key }
}

// WithCorrelationID links the envelope to the request or message that caused it.
func WithCorrelationID(id string) Option {
	return func(o *options) { o.correlationID = id }
}

// WithTime overrides the envelope timestamp.
func WithTime(t time.Time) Option {
	return func(o *options) { o.at = t }
}

// New builds an envelope of type t carrying payload encoded as JSON.
func New(t Type, payload any, opts ...Option) (*Envelope, error) {
	queue, err := QueueFor(t)
	if err != nil {
		return nil, err
	}

	o := options{id: uuid.NewString(), at: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}

	e := cloudevents.NewEvent()
	e.SetID(o.id)
	e.SetType(string(t))
	e.SetSource(Source)
	e.SetSubject(string(queue))
	e.SetTime(o.at.UTC())
	if o.idempotencyKey != "" {
		e.SetExtension(ExtIdempotencyKey, o.idempotencyKey)
	}
	if o.correlationID != "" {
		e.SetExtension(ExtCorrelationID, o.correlationID)
	}
	if err := e.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", t)
	}

	return &Envelope{event: e}, nil
}

// Decode parses an encoded envelope. Any failure wraps ErrMalformed.
func Decode(body []byte) (*Envelope, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := QueueFor(Type(e.Type())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Envelope{event: e}, nil
}

// Encode serializes the envelope for the broker.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e.event)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return b, nil
}

// ID returns the message ID.
func (e *Envelope) ID() string { return e.event.ID() }

// Type returns the message type.
func (e *Envelope) Type() Type { return Type(e.event.Type()) }

// Time returns the time the envelope was created.
func (e *Envelope) Time() time.Time { return e.event.Time() }

// IdempotencyKey returns the caller supplied idempotency key, if any.
func (e *Envelope) IdempotencyKey() string { return e.extension(ExtIdempotencyKey) }

// CorrelationID returns the correlation ID, if any.
func (e *Envelope) CorrelationID() string { return e.extension(ExtCorrelationID) }

// DecodePayload unmarshals the envelope data into v. A payload that does not
// fit v wraps ErrMalformed.
func (e *Envelope) DecodePayload(v any) error {
	if err := e.event.DataAs(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type(), err)
	}
	return nil
}

// InjectTrace stores the span context of ctx in the envelope extensions.
func (e *Envelope) InjectTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, k := range traceExtensions {
		if v := carrier.Get(k); v != "" {
			e.event.SetExtension(k, v)
		}
	}
}

// ExtractTrace returns ctx carrying the span context stored by InjectTrace.
func (e *Envelope) ExtractTrace(ctx context.Context) context.Context {
	carrier := propagation.MapCarrier{}
	for _, k := range traceExtensions {
		if v := e.extension(k); v != "" {
			carrier.Set(k, v)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func (e *Envelope) extension(name string) string {
	v, ok := e.event.Extensions()[name]
	if !ok {
		return ""
	}
	s, err := types.ToString(v)
	if err != nil {
		return ""
	}
	return s
}

type correlationKey struct{}

// ContextWithCorrelationID returns ctx carrying a correlation ID that the
// publish gateway copies onto every envelope emitted within ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation ID stored in ctx, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
