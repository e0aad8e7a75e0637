// Package memory provides an in-process implementation of events.Bus:
// Publish fans an event out, synchronously, to every handler currently
// subscribed to its topic.
package memory

import (
	"context"
	"sync"

	"github.com/deviceflux/deviceflux/pkg/events"
)

// Bus is an in-process, synchronous events.Bus. It has no external
// dependency and is meant for decoupling components within a single
// process, not cross-process delivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]events.Handler
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]events.Handler)}
}

func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	b.mu.RLock()
	handlers := append([]events.Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]events.Handler)
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &multiError{errs: errs}
}

type multiError struct {
	errs []error
}

func (m *multiError) Error() string {
	msg := "multiple subscriber errors ("
	for i, err := range m.errs {
		if i > 0 {
			msg += "; "
		}
		msg += err.Error()
	}
	return msg + ")"
}
