package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Header carries the request id across hops.
const Header = "X-Request-ID"

// RequestID identifies one API request and the CDN calls it causes.
type RequestID string

// Span records one traced operation.
type Span struct {
	RequestID  RequestID
	Name       string
	StartTime  time.Time
	Duration   time.Duration
	Tags       map[string]string
	Error      error
	StatusCode int
}

// Tracer collects finished spans and logs them off the request path.
type Tracer struct {
	logger *zap.Logger
	spans  chan *Span
	done   chan struct{}
	once   sync.Once
}

// New creates a tracer and starts its collector.
func New(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		logger: logger.Named("trace"),
		spans:  make(chan *Span, 1000),
		done:   make(chan struct{}),
	}
	go t.collectSpans()
	return t
}

// StartSpan starts a span under the request id in ctx, minting one when
// ctx has none.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	rid := FromContext(ctx)
	if rid == "" {
		rid = NewRequestID()
		ctx = WithRequestID(ctx, rid)
	}
	return &Span{
		RequestID: rid,
		Name:      name,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}, ctx
}

// Finish marks the span as complete.
func (s *Span) Finish() {
	s.Duration = time.Since(s.StartTime)
}

// SetTag adds a tag to the span.
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error in the span.
func (s *Span) SetError(err error) {
	s.Error = err
}

// SetStatus sets the HTTP status code.
func (s *Span) SetStatus(code int) {
	s.StatusCode = code
}

// Submit hands a finished span to the collector. Spans are dropped when the
// buffer is full or the tracer is closed.
func (t *Tracer) Submit(span *Span) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("Span buffer full, dropping span", zap.String("request_id", string(span.RequestID)))
	}
}

// Close stops the collector after draining queued spans.
func (t *Tracer) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *Tracer) collectSpans() {
	for {
		select {
		case span := <-t.spans:
			t.processSpan(span)
		case <-t.done:
			for {
				select {
				case span := <-t.spans:
					t.processSpan(span)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracer) processSpan(span *Span) {
	fields := []zap.Field{
		zap.String("request_id", string(span.RequestID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.Int("status", span.StatusCode),
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String(k, v))
	}

	switch {
	case span.Error != nil:
		t.logger.Error("Span completed with error", append(fields, zap.Error(span.Error))...)
	case span.StatusCode >= 500:
		t.logger.Warn("Span completed", fields...)
	default:
		t.logger.Debug("Span completed", fields...)
	}
}

// NewRequestID mints a request id.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

type contextKey struct{}

// WithRequestID returns ctx carrying rid.
func WithRequestID(ctx context.Context, rid RequestID) context.Context {
	return context.WithValue(ctx, contextKey{}, rid)
}

// FromContext returns the request id in ctx, or "".
func FromContext(ctx context.Context) RequestID {
	rid, _ := ctx.Value(contextKey{}).(RequestID)
	return rid
}
