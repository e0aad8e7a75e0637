package device

import (
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/message"
)

// InputDeviceNameHeader is set (if not already present) on every ReadResult
// returned by InputDevice.Read, naming the device that produced it.
const InputDeviceNameHeader = "__INPUT_DEVICE_NAME__"

// NoTimeout requests a blocking read with no deadline: Read returns only
// once a message arrives or ctx is done. Adapters on a transport with
// native long polling (SQS, Pub/Sub, Service Bus, NATS JetStream pull
// consumers) keep waiting on the transport; the in-memory
// adapter blocks on its channel, and the filesystem adapter rescans its
// directory once a second.
const NoTimeout time.Duration = -1

// ReadResult is the value returned by a successful InputDevice.Read: the
// message bundle that was read, plus the transaction used to commit or
// roll it back.
type ReadResult struct {
	message.Bundle
	Transaction InputTransaction
}

// Commit commits the result's transaction.
func (r *ReadResult) Commit() error { return r.Transaction.Commit() }

// Rollback rolls back the result's transaction.
func (r *ReadResult) Rollback() error { return r.Transaction.Rollback() }

// InputDevice reads messages from a transport. Implementations must be safe
// for concurrent use only if documented as such; the reader loop (pkg/readerloop)
// never calls Read concurrently on the same device.
type InputDevice interface {
	// Name returns the device's name, as it was created from its manager.
	Name() string

	// Read returns a message from the device.
	//
	// timeout bounds how long to wait for a message to become available:
	// 0 means "return immediately if none is available", NoTimeout means
	// "block until ctx is done", and a positive value bounds the wait.
	// withTransaction selects whether the returned ReadResult carries a
	// real InputTransaction (the caller must Commit/Rollback it) or
	// NullTransaction (the message is considered committed already).
	//
	// Read returns (nil, nil) when no message became available within
	// timeout, and a non-nil error only for a genuine device failure.
	Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*ReadResult, error)

	// Close releases any resources held by the device.
	Close() error
}

// InputDeviceManager constructs and owns InputDevices by name.
type InputDeviceManager interface {
	// GetInputDevice returns the named input device, creating it if this
	// is the first request for that name.
	GetInputDevice(name string) (InputDevice, error)

	// GetAggregateDevice returns a round-robin InputDevice fanning in the
	// named devices, in the order given.
	GetAggregateDevice(names []string) (InputDevice, error)

	Connect() error
	Disconnect() error
}

// WithDeviceNameHeader sets InputDeviceNameHeader on a ReadResult if it is
// not already present, as InputDevice.Read implementations are expected to
// do for every non-nil result they return. Adapters call this once at the
// end of their Read implementation rather than duplicating the check.
func WithDeviceNameHeader(name string, result *ReadResult) *ReadResult {
	if result == nil {
		return nil
	}
	if result.DeviceHeaders == nil {
		result.DeviceHeaders = message.DeviceHeaders{}
	}
	if _, ok := result.DeviceHeaders[InputDeviceNameHeader]; !ok {
		result.DeviceHeaders[InputDeviceNameHeader] = name
	}
	return result
}

// BaseInputDeviceManager provides the default no-op Connect/Disconnect
// adapters embed when their transport has no explicit connection step.
type BaseInputDeviceManager struct{}

func (BaseInputDeviceManager) Connect() error    { return nil }
func (BaseInputDeviceManager) Disconnect() error { return nil }

// GetAggregateDevice is the default InputDeviceManager.GetAggregateDevice
// implementation: it resolves each named device through get and fans them
// in with NewAggregatedInputDevice. Managers embed BaseInputDeviceManager
// and call this from their own GetAggregateDevice, passing their own
// GetInputDevice as get (Go has no virtual dispatch through embedding).
func GetAggregateDevice(get func(name string) (InputDevice, error), names []string) (InputDevice, error) {
	devices := make([]InputDevice, 0, len(names))
	for _, name := range names {
		d, err := get(name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return NewAggregatedInputDevice(devices), nil
}
