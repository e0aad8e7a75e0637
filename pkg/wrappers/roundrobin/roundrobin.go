// Package roundrobin provides input/output device wrappers that fan out
// over an arbitrary ordered collection of devices for redundancy: on read,
// the first device to produce a message wins; on send, the first device to
// accept it stops the attempt. Seeded with a shuffled order, this is the
// original's collection-device-backed round-robin strategy
// (round_robin_strategy.py / collection devices), kept here as a reliability
// wrapper distinct from the aggregated fan-in reader (pkg/device's
// AggregatedInputDevice), which this package's cursor mirrors in shape.
package roundrobin

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// cursor is a round-robin position over a fixed list, remembering where the
// last call left off so repeated failures don't always retry in the same
// order.
type cursor struct {
	mu    sync.Mutex
	items []int
	pos   int
}

func newCursor(n int, shuffle bool) *cursor {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	if shuffle {
		rand.New(rand.NewSource(time.Now().UnixNano())).Shuffle(n, func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}
	return &cursor{items: items}
}

func (c *cursor) order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.items))
	start := c.pos % len(c.items)
	for i := range out {
		out[i] = c.items[(start+i)%len(c.items)]
	}
	c.pos++
	return out
}

// OutputDevice tries each of a list of output devices, in rotating order,
// stopping at the first one that accepts the send.
type OutputDevice struct {
	name    string
	devices []device.OutputDevice
	cursor  *cursor
}

// NewOutputDevice builds a round-robin OutputDevice over devices, named
// name. shuffle seeds the starting rotation order randomly, as the
// original's round-robin strategy does.
func NewOutputDevice(name string, devices []device.OutputDevice, shuffle bool) *OutputDevice {
	return &OutputDevice{name: name, devices: devices, cursor: newCursor(len(devices), shuffle)}
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	var errs []error
	for _, idx := range d.cursor.order() {
		if err := d.devices[idx].Send(ctx, msg, deviceHeaders); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return device.NewAggregatedError(errs...)
}

func (d *OutputDevice) Close() error {
	var errs []error
	for _, dev := range d.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return device.NewAggregatedError(errs...)
}

// InputDevice tries each of a list of input devices, in rotating order,
// stopping at the first one that produces a message.
type InputDevice struct {
	name    string
	devices []device.InputDevice
	cursor  *cursor
}

// NewInputDevice builds a round-robin InputDevice over devices, named name.
func NewInputDevice(name string, devices []device.InputDevice, shuffle bool) *InputDevice {
	return &InputDevice{name: name, devices: devices, cursor: newCursor(len(devices), shuffle)}
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	var errs []error
	for _, idx := range d.cursor.order() {
		result, err := d.devices[idx].Read(ctx, timeout, withTransaction)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result != nil {
			return device.WithDeviceNameHeader(d.name, result), nil
		}
	}
	if len(errs) > 0 {
		return nil, device.NewAggregatedError(errs...)
	}
	return nil, nil
}

func (d *InputDevice) Close() error {
	var errs []error
	for _, dev := range d.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return device.NewAggregatedError(errs...)
}
