// Package memory provides an in-process InputDevice/OutputDevice pair
// backed by a Go channel. It has no external dependency, and is used both
// for unit tests of the reader loop/pipeline/wrappers, and for in-process
// fan-out: an input and an output device of the same name share one queue.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Queue is a single named, in-memory FIFO queue shared by an input and an
// output device of the same name.
type Queue struct {
	name string
	ch   chan *message.Bundle
}

func newQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{name: name, ch: make(chan *message.Bundle, capacity)}
}

// Manager is an InputDeviceManager and OutputDeviceManager backed by
// in-memory queues, one per device name, created lazily on first use.
type Manager struct {
	device.BaseInputDeviceManager
	mu         sync.Mutex
	queues     map[string]*Queue
	capacity   int
	outputs    device.OutputDeviceCache
}

// NewManager builds an empty Manager. capacity bounds each queue's buffer
// (default 1024 if <= 0).
func NewManager(capacity int) *Manager {
	return &Manager{queues: make(map[string]*Queue), capacity: capacity}
}

func (m *Manager) queue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = newQueue(name, m.capacity)
		m.queues[name] = q
	}
	return q
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	return &inputDevice{name: name, queue: m.queue(name)}, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		return &outputDevice{name: name, queue: m.queue(name), manager: m}, nil
	})
}

func (m *Manager) Connect() error    { return nil }
func (m *Manager) Disconnect() error { return nil }

type inputDevice struct {
	name  string
	queue *Queue
}

func (d *inputDevice) Name() string { return d.name }

func (d *inputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	var tx device.InputTransaction
	var bundle *message.Bundle

	readOne := func(b *message.Bundle) {
		bundle = b
		if withTransaction {
			tx = device.NewTransaction(nil, func() error {
				// best-effort: requeue on rollback so the message isn't lost
				select {
				case d.queue.ch <- b:
				default:
				}
				return nil
			})
		} else {
			tx = device.NullTransaction
		}
	}

	switch {
	case timeout == 0:
		select {
		case b := <-d.queue.ch:
			readOne(b)
		default:
			return nil, nil
		}
	case timeout == device.NoTimeout:
		select {
		case b := <-d.queue.ch:
			readOne(b)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case b := <-d.queue.ch:
			readOne(b)
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result := &device.ReadResult{Bundle: *bundle, Transaction: tx}
	return device.WithDeviceNameHeader(d.name, result), nil
}

func (d *inputDevice) Close() error { return nil }

type outputDevice struct {
	name    string
	queue   *Queue
	manager *Manager
}

func (d *outputDevice) Name() string { return d.name }

func (d *outputDevice) Send(ctx context.Context, msg *message.Message, headers message.DeviceHeaders) error {
	bundle := message.NewBundle(msg, headers)
	select {
	case d.queue.ch <- bundle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *outputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return nil
}
