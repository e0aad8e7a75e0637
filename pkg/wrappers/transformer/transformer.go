// Package transformer provides a generic per-message transform pair for
// output and input devices, composable to implement compression,
// encryption, or any other bytes-to-bytes rewrite. Grounded on the
// original's transformer_device_wrapper package (InputTransformerBase/
// OutputTransformerBase, TransformerInputDevice/TransformerOutputDevice).
package transformer

import (
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// OutputTransformer rewrites a bundle before it reaches the wrapped output
// device, e.g. compressing or encrypting its payload.
type OutputTransformer interface {
	TransformOutgoing(ctx context.Context, bundle *message.Bundle) (*message.Bundle, error)
}

// OutputTransformerFunc adapts a plain function to OutputTransformer.
type OutputTransformerFunc func(ctx context.Context, bundle *message.Bundle) (*message.Bundle, error)

func (f OutputTransformerFunc) TransformOutgoing(ctx context.Context, bundle *message.Bundle) (*message.Bundle, error) {
	return f(ctx, bundle)
}

// InputTransformer rewrites a read result after it comes out of the
// wrapped input device, e.g. decompressing or decrypting its payload.
type InputTransformer interface {
	TransformIncoming(ctx context.Context, result *device.ReadResult) (*device.ReadResult, error)
}

// InputTransformerFunc adapts a plain function to InputTransformer.
type InputTransformerFunc func(ctx context.Context, result *device.ReadResult) (*device.ReadResult, error)

func (f InputTransformerFunc) TransformIncoming(ctx context.Context, result *device.ReadResult) (*device.ReadResult, error) {
	return f(ctx, result)
}

// OutputDevice wraps an inner OutputDevice, running every outgoing bundle
// through an OutputTransformer before sending it.
type OutputDevice struct {
	inner       device.OutputDevice
	transformer OutputTransformer
}

// NewOutputDevice builds an OutputDevice.
func NewOutputDevice(inner device.OutputDevice, t OutputTransformer) *OutputDevice {
	return &OutputDevice{inner: inner, transformer: t}
}

func (d *OutputDevice) Name() string { return d.inner.Name() }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	transformed, err := d.transformer.TransformOutgoing(ctx, message.NewBundle(msg, deviceHeaders))
	if err != nil {
		return err
	}
	return d.inner.Send(ctx, transformed.Message, transformed.DeviceHeaders)
}

func (d *OutputDevice) Close() error { return d.inner.Close() }

// InputDevice wraps an inner InputDevice, running every read result
// through an InputTransformer before returning it.
type InputDevice struct {
	inner       device.InputDevice
	transformer InputTransformer
}

// NewInputDevice builds an InputDevice.
func NewInputDevice(inner device.InputDevice, t InputTransformer) *InputDevice {
	return &InputDevice{inner: inner, transformer: t}
}

func (d *InputDevice) Name() string { return d.inner.Name() }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	result, err := d.inner.Read(ctx, timeout, withTransaction)
	if err != nil || result == nil {
		return result, err
	}
	transformed, err := d.transformer.TransformIncoming(ctx, result)
	if err != nil {
		result.Rollback()
		return nil, err
	}
	return transformed, nil
}

func (d *InputDevice) Close() error { return d.inner.Close() }
