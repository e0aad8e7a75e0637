package pipeline

import (
	"context"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/logger"
	"github.com/deviceflux/deviceflux/pkg/readerloop"
)

// Dispatcher adapts a Registry to readerloop.BatchHandler: for each item in
// a batch it looks up the handler registered for the input device's name,
// runs it, and sends every Result it returns through outputManager.
// Grounded on the original's MessageHandlingServiceBase._handle_message_batch.
type Dispatcher struct {
	registry      *Registry
	outputManager device.OutputDeviceManager
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(registry *Registry, outputManager device.OutputDeviceManager) *Dispatcher {
	return &Dispatcher{registry: registry, outputManager: outputManager}
}

func (d *Dispatcher) HandleBatch(ctx context.Context, batch []readerloop.Item) error {
	for _, item := range batch {
		handler, ok := d.registry.HandlerFor(item.InputDevice.Name())
		if !ok {
			logger.L().WarnContext(ctx, "no pipeline handler registered for input device",
				"input_device", item.InputDevice.Name())
			continue
		}

		results, err := handler.HandleMessage(ctx, item.InputDevice, item.Bundle)
		if err != nil {
			return err
		}

		for _, result := range results {
			if err := d.send(ctx, result); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, result Result) error {
	if d.outputManager == nil {
		logger.L().WarnContext(ctx, "pipeline handler returned a result but no output device manager was configured",
			"output_device", result.OutputDeviceName)
		return nil
	}

	outputDevice, err := d.outputManager.GetOutputDevice(result.OutputDeviceName)
	if err != nil {
		return err
	}
	return outputDevice.Send(ctx, result.Bundle.Message, result.Bundle.DeviceHeaders)
}
