package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"keyserver/internal/infrastructure"
	"keyserver/internal/keystore"
	api "keyserver/pkg/contracts/api/v1"
	"keyserver/pkg/contracts/events"
)

// Operation outcomes recorded on key_operations_total
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeFound    = "found"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// KeyService exposes the key lifecycle in wire terms
type KeyService interface {
	Activate(ctx context.Context, key string, months int) (*api.ActivateResponse, error)
	Deactivate(ctx context.Context, key string) (*api.SuccessResponse, error)
	Suspend(ctx context.Context, key string, hours int) (*api.SuspendResponse, error)
	Resume(ctx context.Context, key string) (*api.SuccessResponse, error)
	Check(ctx context.Context, key string) (*api.CheckResponse, error)
	Stats(ctx context.Context) *api.StatsResponse
	List(ctx context.Context) []api.KeyRecord
}

// EventPublisher receives committed key transitions
type EventPublisher interface {
	Publish(ctx context.Context, evt events.KeyEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.KeyEvent) {}

// KeyServiceOption configures a KeyService
type KeyServiceOption func(*keyService)

// WithTelemetry traces and counts every operation. The key gauge is
// registered on the providers' meter.
func WithTelemetry(p *infrastructure.OTelProviders) KeyServiceOption {
	return func(s *keyService) {
		if p == nil {
			return
		}
		if p.Tracer != nil {
			s.tracer = p.Tracer
		}
		s.metrics = p.Metrics
	}
}

// WithPublisher sends committed transitions to p
func WithPublisher(p EventPublisher) KeyServiceOption {
	return func(s *keyService) {
		if p != nil {
			s.publisher = p
		}
	}
}

type keyService struct {
	store     *keystore.Store
	publisher EventPublisher
	tracer    trace.Tracer
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger
}

// NewKeyService wraps store with logging, tracing, metrics and events
func NewKeyService(store *keystore.Store, logger *slog.Logger, opts ...KeyServiceOption) (KeyService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &keyService{
		store:     store,
		publisher: nopPublisher{},
		tracer:    tracenoop.NewTracerProvider().Tracer(infrastructure.InstrumentationName),
		logger:    logger.With(slog.String("service", "keys")),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.metrics != nil {
		if err := s.metrics.RegisterKeyGauge(s.statusCounts); err != nil {
			return nil, fmt.Errorf("register key gauge: %w", err)
		}
	}
	return s, nil
}

func (s *keyService) statusCounts(ctx context.Context) map[string]int64 {
	st := s.store.Stats(ctx)
	counts := make(map[string]int64, len(keystore.Statuses))
	for _, status := range keystore.Statuses {
		counts[status.String()] = int64(st.Count(status))
	}
	return counts
}

// begin starts a span for operation and returns a function that ends it
// and records the outcome.
func (s *keyService) begin(ctx context.Context, operation, key string) (context.Context, func(outcome string, err error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "keys."+operation,
		trace.WithAttributes(
			attribute.String("key.operation", operation),
			attribute.String("key.masked", keystore.MaskKey(key)),
		),
	)

	return ctx, func(outcome string, err error) {
		duration := time.Since(start)
		span.SetAttributes(attribute.String("key.outcome", outcome))
		if err != nil {
			infrastructure.RecordError(ctx, err)
			if errors.Is(err, keystore.ErrPersistence) {
				s.metrics.RecordPersistenceFailure(ctx, operation)
			}
		}
		s.metrics.RecordKeyOperation(ctx, operation, outcome, duration)
		span.End()

		level := slog.LevelInfo
		switch {
		case err != nil && outcome == OutcomeError:
			level = slog.LevelError
		case err != nil:
			level = slog.LevelWarn
		case operation == "check":
			level = slog.LevelDebug
		}
		attrs := []slog.Attr{
			slog.String("operation", operation),
			slog.String("key", keystore.MaskKey(key)),
			slog.String("outcome", outcome),
			slog.Duration("duration", duration),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.LogAttrs(ctx, level, "key operation", attrs...)
	}
}

// errorOutcome separates caller mistakes from server failures
func errorOutcome(err error) string {
	if errors.Is(err, keystore.ErrInvalidKey) || errors.Is(err, keystore.ErrInvalidDuration) {
		return OutcomeRejected
	}
	return OutcomeError
}

func presence(found bool) string {
	if found {
		return OutcomeSuccess
	}
	return OutcomeNotFound
}

// Activate creates or overwrites key as active for months (0 = permanent)
func (s *keyService) Activate(ctx context.Context, key string, months int) (*api.ActivateResponse, error) {
	ctx, end := s.begin(ctx, "activate", key)

	rec, err := s.store.Activate(ctx, key, months)
	if err != nil {
		end(errorOutcome(err), err)
		return nil, fmt.Errorf("activate: %w", err)
	}
	end(OutcomeSuccess, nil)

	s.publish(ctx, events.MessageTypeKeyActivated, rec)
	return &api.ActivateResponse{Success: true, Key: rec.Key}, nil
}

// Deactivate marks key inactive. Unknown keys report Success false.
func (s *keyService) Deactivate(ctx context.Context, key string) (*api.SuccessResponse, error) {
	ctx, end := s.begin(ctx, "deactivate", key)

	rec, found, err := s.store.Deactivate(ctx, key)
	if err != nil {
		end(errorOutcome(err), err)
		return nil, fmt.Errorf("deactivate: %w", err)
	}
	end(presence(found), nil)

	if found {
		s.publish(ctx, events.MessageTypeKeyDeactivated, rec)
	}
	return &api.SuccessResponse{Success: found}, nil
}

// Suspend suspends key for hours and reports when it may be resumed
func (s *keyService) Suspend(ctx context.Context, key string, hours int) (*api.SuspendResponse, error) {
	ctx, end := s.begin(ctx, "suspend", key)

	rec, found, err := s.store.Suspend(ctx, key, hours)
	if err != nil {
		end(errorOutcome(err), err)
		return nil, fmt.Errorf("suspend: %w", err)
	}
	end(presence(found), nil)

	if !found || rec.ResumeAt == nil {
		return &api.SuspendResponse{Success: false}, nil
	}
	s.publish(ctx, events.MessageTypeKeySuspended, rec)
	return &api.SuspendResponse{Success: true, Resume: formatTime(*rec.ResumeAt)}, nil
}

// Resume makes a key active again regardless of its resume time
func (s *keyService) Resume(ctx context.Context, key string) (*api.SuccessResponse, error) {
	ctx, end := s.begin(ctx, "resume", key)

	rec, found, err := s.store.Resume(ctx, key)
	if err != nil {
		end(errorOutcome(err), err)
		return nil, fmt.Errorf("resume: %w", err)
	}
	end(presence(found), nil)

	if found {
		s.publish(ctx, events.MessageTypeKeyResumed, rec)
	}
	return &api.SuccessResponse{Success: found}, nil
}

// Check reports the stored status. Expiry is not evaluated.
func (s *keyService) Check(ctx context.Context, key string) (*api.CheckResponse, error) {
	ctx, end := s.begin(ctx, "check", key)

	rec, found, err := s.store.Check(ctx, key)
	if err != nil {
		end(errorOutcome(err), err)
		return nil, fmt.Errorf("check: %w", err)
	}
	if !found {
		end(OutcomeNotFound, nil)
		return &api.CheckResponse{Found: false}, nil
	}
	end(OutcomeFound, nil)

	return &api.CheckResponse{
		Found:     true,
		Status:    rec.Status.String(),
		Expiry:    rec.Expiry.String(),
		Activated: formatTime(rec.ActivatedAt),
	}, nil
}

// Stats returns counts recomputed from the store
func (s *keyService) Stats(ctx context.Context) *api.StatsResponse {
	st := s.store.Stats(ctx)
	return &api.StatsResponse{
		TotalKeys:     st.Total,
		ActiveKeys:    st.Active,
		SuspendedKeys: st.Suspended,
		InactiveKeys:  st.Inactive,
	}
}

// List returns every record sorted by key
func (s *keyService) List(ctx context.Context) []api.KeyRecord {
	records := s.store.List(ctx)
	out := make([]api.KeyRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, ToKeyRecord(rec))
	}
	return out
}

// publish announces rec, the record exactly as the mutation committed it.
func (s *keyService) publish(ctx context.Context, typ events.MessageType, rec keystore.ActivationRecord) {
	evt := events.KeyEvent{
		Type:   typ,
		Key:    keystore.MaskKey(rec.Key),
		Status: rec.Status.String(),
		Expiry: rec.Expiry.String(),
		At:     time.Now().UTC(),
	}
	if rec.ResumeAt != nil {
		evt.Resume = formatTime(*rec.ResumeAt)
	}
	s.publisher.Publish(ctx, evt)
}

// ToKeyRecord converts a store record to its wire form
func ToKeyRecord(rec keystore.ActivationRecord) api.KeyRecord {
	out := api.KeyRecord{
		Key:       rec.Key,
		Status:    rec.Status.String(),
		Activated: formatTime(rec.ActivatedAt),
		Expiry:    rec.Expiry.String(),
		Months:    rec.Months,
	}
	if rec.ResumeAt != nil {
		out.Resume = formatTime(*rec.ResumeAt)
	}
	return out
}

// formatTime renders t as RFC 3339 in UTC
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
