// Package engine implements the queue and appointment operations on top of a
// store and publishes the resulting events once each mutation has committed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/notify"
	"qms/hospital-queue/internal/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidInput marks caller mistakes the store never sees.
var ErrInvalidInput = errors.New("invalid input")

type Options struct {
	ServiceMinutes     int
	NearTurnWindow     int
	QueuePageLimit     int
	DefaultMaxPatients int
	Location           *time.Location
	Now                func() time.Time
	Logger             zerolog.Logger
}

type Engine struct {
	store          store.Store
	broadcaster    notify.Broadcaster
	tracer         trace.Tracer
	logger         zerolog.Logger
	now            func() time.Time
	location       *time.Location
	serviceMinutes int
	nearTurnWindow int
	pageLimit      int
	defaultMax     int
}

const maxPageLimit = 100

func New(st store.Store, broadcaster notify.Broadcaster, options Options) *Engine {
	if broadcaster == nil {
		broadcaster = notify.Discard
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	serviceMinutes := options.ServiceMinutes
	if serviceMinutes <= 0 {
		serviceMinutes = 15
	}
	window := options.NearTurnWindow
	if window <= 0 {
		window = 3
	}
	pageLimit := options.QueuePageLimit
	if pageLimit <= 0 {
		pageLimit = 50
	}
	if pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}
	return &Engine{
		store:          st,
		broadcaster:    broadcaster,
		tracer:         otel.Tracer("qms/hospital-queue/engine"),
		logger:         options.Logger,
		now:            now,
		location:       location,
		serviceMinutes: serviceMinutes,
		nearTurnWindow: window,
		pageLimit:      pageLimit,
		defaultMax:     options.DefaultMaxPatients,
	}
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// Today is the current civil date in the engine's time zone.
func (e *Engine) Today() string {
	return e.now().In(e.location).Format(models.DateLayout)
}

func (e *Engine) start(ctx context.Context, operation string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+operation)
}

// finish classifies err, records it on the span and ends the span.
func (e *Engine) finish(span trace.Span, operation string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	err = e.classify(operation, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// classify keeps domain errors as they are and turns anything else into
// store.ErrUnavailable so callers never see driver detail.
func (e *Engine) classify(operation string, err error) error {
	if store.IsDomainError(err) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, store.ErrUnavailable) {
		return err
	}
	e.logger.Error().Err(err).Str("operation", operation).Msg("store failure")
	return fmt.Errorf("%w: %s", store.ErrUnavailable, operation)
}

func (e *Engine) publish(ctx context.Context, events ...notify.Event) {
	now := e.clock()
	for i := range events {
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
	}
	e.broadcaster.Publish(context.WithoutCancel(ctx), events...)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
