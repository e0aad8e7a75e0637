// Package shortcircuit wraps an input or output device with a circuit
// breaker: after a run of consecutive failures it fails fast for a
// cool-down window instead of hammering a struggling downstream, then
// reprobes once the window elapses. Built on the teacher's
// pkg/servicemesh/circuitbreaker.
package shortcircuit

import (
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/servicemesh/circuitbreaker"
)

// CodeShortCircuit is the AppError code surfaced when the breaker refuses
// a call, corresponding to spec.md's ShortCircuitError.
const CodeShortCircuit = "SHORT_CIRCUIT_ERROR"

// ErrShortCircuit wraps a circuitbreaker rejection into the taxonomy's
// ShortCircuitError.
func ErrShortCircuit(deviceName string, err error) *errors.AppError {
	return errors.New(CodeShortCircuit, "short circuit open for device: "+deviceName, err)
}

// Options configures the wrapped circuit breaker.
type Options struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func toCircuitBreakerOptions(name string, opts Options) circuitbreaker.Options {
	return circuitbreaker.Options{
		FailureThreshold: opts.FailureThreshold,
		SuccessThreshold: opts.SuccessThreshold,
		Timeout:          opts.Timeout,
		MaxRequests:      1,
	}
}

// OutputDevice wraps an inner OutputDevice with a per-device circuit
// breaker, translating a tripped breaker into ErrShortCircuit.
type OutputDevice struct {
	inner device.OutputDevice
	cb    *circuitbreaker.CircuitBreaker
}

// NewOutputDevice builds an OutputDevice wrapping inner.
func NewOutputDevice(inner device.OutputDevice, opts Options) *OutputDevice {
	return &OutputDevice{inner: inner, cb: circuitbreaker.New(inner.Name(), toCircuitBreakerOptions(inner.Name(), opts))}
}

func (d *OutputDevice) Name() string { return d.inner.Name() }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	_, err := d.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, d.inner.Send(ctx, msg, deviceHeaders)
	})
	if isCircuitBreakerRejection(err) {
		return ErrShortCircuit(d.inner.Name(), err)
	}
	return err
}

func (d *OutputDevice) Close() error { return d.inner.Close() }

// InputDevice wraps an inner InputDevice with a per-device circuit breaker.
type InputDevice struct {
	inner device.InputDevice
	cb    *circuitbreaker.CircuitBreaker
}

// NewInputDevice builds an InputDevice wrapping inner.
func NewInputDevice(inner device.InputDevice, opts Options) *InputDevice {
	return &InputDevice{inner: inner, cb: circuitbreaker.New(inner.Name(), toCircuitBreakerOptions(inner.Name(), opts))}
}

func (d *InputDevice) Name() string { return d.inner.Name() }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	var result *device.ReadResult
	_, err := d.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		r, readErr := d.inner.Read(ctx, timeout, withTransaction)
		result = r
		return nil, readErr
	})
	if isCircuitBreakerRejection(err) {
		return nil, ErrShortCircuit(d.inner.Name(), err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *InputDevice) Close() error { return d.inner.Close() }

func isCircuitBreakerRejection(err error) bool {
	return err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests
}
