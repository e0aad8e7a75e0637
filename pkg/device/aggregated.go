package device

import (
	"context"
	"sync"
	"time"
)

// sleepBetweenIterations is how long the aggregated device waits before
// cycling through all inner devices again when every one of them was empty,
// to avoid a busy-wait loop.
const sleepBetweenIterations = 100 * time.Millisecond

// cyclicCursor is a round-robin cursor over a fixed list, equivalent to the
// Python original's StatefulListIterator (itertools.cycle + islice): each
// call to next() returns the next element, wrapping around, and remembers
// its position across calls so a fresh full cycle always resumes where the
// last one left off rather than restarting at index 0.
type cyclicCursor struct {
	mu    sync.Mutex
	items []InputDevice
	pos   int
}

func newCyclicCursor(items []InputDevice) *cyclicCursor {
	return &cyclicCursor{items: items}
}

// next returns the next device in the cycle, or false if items is empty.
func (c *cyclicCursor) next() (InputDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil, false
	}
	d := c.items[c.pos%len(c.items)]
	c.pos++
	return d, true
}

func (c *cyclicCursor) all() []InputDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]InputDevice, len(c.items))
	copy(out, c.items)
	return out
}

// AggregatedInputDevice is a round-robin input device that reads from
// several underlying input devices in order, returning the first message
// any of them produces. It preserves fairness across calls by remembering
// its cursor position between reads (see cyclicCursor), satisfying the
// round-robin fairness invariant: over N consecutive non-empty reads
// across M devices each offering at least one message, every device is
// visited at least once every M reads.
type AggregatedInputDevice struct {
	cursor        *cyclicCursor
	mu            sync.Mutex
	lastReadDevice InputDevice
}

// NewAggregatedInputDevice builds an AggregatedInputDevice fanning in the
// given devices, in the order given.
func NewAggregatedInputDevice(devices []InputDevice) *AggregatedInputDevice {
	return &AggregatedInputDevice{cursor: newCyclicCursor(devices)}
}

func (a *AggregatedInputDevice) Name() string { return "AggregatedInputDevice" }

// LastReadDevice returns the device that produced (or attempted to
// produce) the most recent read, or nil if the aggregated device has not
// been read from, or the last read timed out.
func (a *AggregatedInputDevice) LastReadDevice() InputDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReadDevice
}

func (a *AggregatedInputDevice) setLastReadDevice(d InputDevice) {
	a.mu.Lock()
	a.lastReadDevice = d
	a.mu.Unlock()
}

// Read polls each inner device in round-robin order with a zero timeout,
// returning the first message found. If a full cycle finds nothing, it
// sleeps sleepBetweenIterations before trying again, until timeout
// elapses or ctx is done.
func (a *AggregatedInputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*ReadResult, error) {
	items := a.cursor.all()
	if len(items) == 0 {
		return nil, nil
	}

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		for i := 0; i < len(items); i++ {
			d, ok := a.cursor.next()
			if !ok {
				return nil, nil
			}
			a.setLastReadDevice(d)

			result, err := d.Read(ctx, 0, withTransaction)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if hasDeadline && !time.Now().Before(deadline) {
				break
			}
		}

		if timeout == 0 {
			a.setLastReadDevice(nil)
			return nil, nil
		}
		if hasDeadline && !time.Now().Before(deadline) {
			a.setLastReadDevice(nil)
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleepBetweenIterations):
		}
	}
}

// Close closes every inner device, collecting failures into an AggregatedError.
func (a *AggregatedInputDevice) Close() error {
	var errs []error
	for _, d := range a.cursor.all() {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return NewAggregatedError(errs...)
}
