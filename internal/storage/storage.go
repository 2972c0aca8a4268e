package storage

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"sigmaSquared/internal/model"
)

// Sink receives the observable events emitted by the engine components.
type Sink interface {
	Publish(ctx context.Context, event model.Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event model.Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes event and logs a failure instead of returning it. State
// transitions have already committed by the time their event is emitted.
func Emit(ctx context.Context, sink Sink, logger *zap.Logger, event model.Event) {
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, event); err != nil && logger != nil {
		logger.Warn("publish event failed",
			zap.String("kind", string(event.Kind)),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(_ context.Context, event model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds lists the recorded event kinds in publish order.
func (r *Recorder) Kinds() []model.EventKind {
	events := r.Events()
	out := make([]model.EventKind, 0, len(events))
	for _, event := range events {
		out = append(out, event.Kind)
	}
	return out
}
