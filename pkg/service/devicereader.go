package service

import (
	"context"

	"github.com/deviceflux/deviceflux/pkg/events"
	"github.com/deviceflux/deviceflux/pkg/readerloop"
)

// NewDeviceReaderLoopService builds a LoopService around a readerloop.Loop:
// Prepare connects the loop's device manager and resolves its aggregate
// device, each RunLoop iteration is one batched read-handle-commit cycle,
// and Finalize disconnects the manager. This is the original's
// DeviceReaderService, generalized over any readerloop.BatchHandler
// (a pipeline.Dispatcher in the common case, built by
// pkg/pipeline.NewDispatcher).
func NewDeviceReaderLoopService(cfg LoopConfig, loop *readerloop.Loop, bus events.Bus) *LoopService {
	return NewLoopService(
		cfg,
		loop.RunOnce,
		bus,
		func(ctx context.Context) error { return loop.Connect() },
		func(ctx context.Context, err error) { loop.Disconnect() },
	)
}
