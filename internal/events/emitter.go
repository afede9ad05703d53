package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryEventEmitter hands enrichment requests to in-process handlers,
// synchronously and in registration order.
type InMemoryEventEmitter struct {
	handlers []EventHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryEventEmitter creates an emitter with no handlers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryEventEmitter{
		logger: logger.With("component", "enrichment_emitter"),
	}
}

// RegisterHandler adds handler to the end of the delivery order.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered enrichment handler", "handler_count", len(e.handlers))
}

// EmitEvent validates event and delivers it to every handler. One handler's
// error or panic never keeps the request from the handlers after it; all
// failures are joined into the returned error.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *EnrichmentRequestEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enrichment request %s not delivered: %w", event.ID, err)
	}

	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.handlers...)
	e.mu.RUnlock()

	log := e.logger.With(
		"event_id", event.ID,
		"operation", event.Operation,
		"entity_kind", event.EntityKind,
		"entity_id", event.EntityID)

	if len(handlers) == 0 {
		log.WarnContext(ctx, "no handlers registered, enrichment request dropped")
		return nil
	}

	var errs []error
	for i, handler := range handlers {
		if err := deliver(ctx, handler, event); err != nil {
			log.ErrorContext(ctx, "enrichment handler failed", "error", err, "handler_index", i)
			errs = append(errs, fmt.Errorf("handler %d: %w", i, err))
		}
	}
	log.DebugContext(ctx, "enrichment request delivered",
		"handler_count", len(handlers),
		"failed", len(errs))

	return errors.Join(errs...)
}

func deliver(ctx context.Context, handler EventHandler, event *EnrichmentRequestEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}

var _ EventEmitter = (*InMemoryEventEmitter)(nil)
