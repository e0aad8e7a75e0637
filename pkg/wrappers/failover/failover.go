// Package failover provides an output device wrapper that tries a primary
// device first and falls back to a secondary one on failure, grounded on
// the reliability-composition wrappers the original keeps alongside its
// transformer/collection devices.
package failover

import (
	"context"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// OutputDevice sends to primary; if that fails, it sends to secondary; if
// both fail, the returned error aggregates both failures.
type OutputDevice struct {
	name      string
	primary   device.OutputDevice
	secondary device.OutputDevice
}

// New builds a failover OutputDevice over primary/secondary, named after
// primary (the name under which the pair is registered with a manager).
func New(primary, secondary device.OutputDevice) *OutputDevice {
	return &OutputDevice{name: primary.Name(), primary: primary, secondary: secondary}
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	primaryErr := d.primary.Send(ctx, msg, deviceHeaders)
	if primaryErr == nil {
		return nil
	}

	secondaryErr := d.secondary.Send(ctx, msg, deviceHeaders)
	if secondaryErr == nil {
		return nil
	}
	return device.NewAggregatedError(primaryErr, secondaryErr)
}

func (d *OutputDevice) Close() error {
	return device.NewAggregatedError(d.primary.Close(), d.secondary.Close())
}
