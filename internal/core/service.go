package core

import (
	"context"
	"time"

	"docbase/pkg/session"
)

// Service exposes instrumented session operations over a document store. It
// owns the cross-cutting concerns (logging, metrics, tracing) so callers and
// tests can exercise the unit of work without wiring observability themselves.
type Service struct {
	store   DocumentStore
	session Options
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	clock   func() time.Time
}

// ServiceOption customizes a Service at construction time.
type ServiceOption func(*Service)

// WithLogger overrides the structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder overrides the metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the time source used for metric durations.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSessionOptions sets the options applied to every session the service
// opens.
func WithSessionOptions(opts Options) ServiceOption {
	return func(s *Service) {
		s.session = opts
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store DocumentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		session: session.DefaultOptions(),
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying document store.
func (s *Service) Store() DocumentStore {
	return s.store
}

// OpenSession starts a fresh unit of work against the service's store.
func (s *Service) OpenSession() *Session {
	return session.New(s.store, s.session)
}

// Load fetches and tracks a document in the supplied session.
func (s *Service) Load(ctx context.Context, sess *Session, key string) (any, error) {
	var entity any
	err := s.instrument(ctx, "load", func(ctx context.Context) error {
		var err error
		entity, err = sess.Load(ctx, key)
		return err
	})
	return entity, err
}

// SaveChanges flushes the session's pending work to the store.
func (s *Service) SaveChanges(ctx context.Context, sess *Session) error {
	return s.instrument(ctx, "save_changes", func(ctx context.Context) error {
		return sess.SaveChanges(ctx)
	})
}

// Track registers an entity for storage in the supplied session.
func (s *Service) Track(ctx context.Context, sess *Session, entity any) error {
	return s.instrument(ctx, "store", func(context.Context) error {
		return sess.Store(entity)
	})
}

// Delete marks a tracked entity for removal in the supplied session.
func (s *Service) Delete(ctx context.Context, sess *Session, entity any) error {
	return s.instrument(ctx, "delete", func(context.Context) error {
		return sess.Delete(entity)
	})
}

func (s *Service) instrument(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := s.clock()
	ctx, span := s.tracer.Start(ctx, operation)
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, s.clock().Sub(start))
	if err != nil {
		s.logger.Error("session operation failed", "operation", operation, "error", err.Error())
		return err
	}
	s.logger.Debug("session operation completed", "operation", operation)
	return nil
}
