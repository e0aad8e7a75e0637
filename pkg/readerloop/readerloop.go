// Package readerloop implements the device-reader batching loop: one
// iteration reads up to a configured batch size of messages from an
// aggregated input device within a shared transaction scope, hands them to
// a BatchHandler, and commits (or rolls back, on handler error) the scope.
// Grounded on the original's DeviceReaderService/MessageHandlingServiceBase.
package readerloop

import (
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config controls one Loop's batching behavior.
type Config struct {
	InputDeviceNames []string `env:"INPUT_DEVICE_NAMES" env-separator:","`

	UseTransactions bool `env:"USE_TRANSACTIONS" env-default:"true"`

	ReadTimeout time.Duration `env:"READ_TIMEOUT" env-default:"5s"`

	MaxBatchReadCount int `env:"MAX_BATCH_READ_COUNT" env-default:"1"`

	// WaitForBatchCount selects whether the loop waits out the remaining
	// ReadTimeout budget trying to fill MaxBatchReadCount (true), or grabs
	// whatever is immediately available after the first message (false).
	WaitForBatchCount bool `env:"WAIT_FOR_BATCH_COUNT" env-default:"false"`
}

// Item pairs a read message with the input device it came from, mirroring
// the original's List[Tuple[InputDevice, ReadResult]] batch shape.
type Item struct {
	InputDevice device.InputDevice
	Bundle      *message.Bundle
}

// BatchHandler processes one batch of messages read in a single loop
// iteration. Returning an error rolls back the whole batch's transaction
// scope instead of committing it.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch []Item) error
}

// Loop owns the aggregate input device built from Config.InputDeviceNames
// and runs repeated batched-read iterations against it.
type Loop struct {
	cfg     Config
	manager device.InputDeviceManager
	handler BatchHandler

	aggregate device.InputDevice
}

// New builds a Loop. Connect must be called before RunOnce.
func New(cfg Config, manager device.InputDeviceManager, handler BatchHandler) *Loop {
	if cfg.MaxBatchReadCount < 1 {
		cfg.MaxBatchReadCount = 1
	}
	return &Loop{cfg: cfg, manager: manager, handler: handler}
}

// Connect connects the underlying device manager and resolves the
// aggregate input device.
func (l *Loop) Connect() error {
	if err := l.manager.Connect(); err != nil {
		return err
	}
	agg, err := l.manager.GetAggregateDevice(l.cfg.InputDeviceNames)
	if err != nil {
		return err
	}
	l.aggregate = agg
	return nil
}

// Disconnect disconnects the underlying device manager.
func (l *Loop) Disconnect() error {
	return l.manager.Disconnect()
}

// RunOnce performs a single batched read-handle-commit iteration. It
// returns nil (with an empty batch) when no message became available
// within ReadTimeout.
func (l *Loop) RunOnce(ctx context.Context) error {
	scope := device.NewTransactionScope()

	aggregated, ok := l.aggregate.(*device.AggregatedInputDevice)

	batch := make([]Item, 0, l.cfg.MaxBatchReadCount)

	result, err := l.aggregate.Read(ctx, l.cfg.ReadTimeout, l.cfg.UseTransactions)
	if err != nil {
		return err
	}
	if result != nil {
		scope.Add(result.Transaction)
		batch = append(batch, Item{InputDevice: lastReadDevice(aggregated, ok, l.aggregate), Bundle: &result.Bundle})
	}

	deadline := time.Now().Add(l.cfg.ReadTimeout)
	for i := 0; i < l.cfg.MaxBatchReadCount-1; i++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		timeout := time.Duration(0)
		if l.cfg.WaitForBatchCount {
			timeout = remaining
		}

		result, err := l.aggregate.Read(ctx, timeout, l.cfg.UseTransactions)
		if err != nil {
			return err
		}
		if result == nil {
			break
		}
		scope.Add(result.Transaction)
		batch = append(batch, Item{InputDevice: lastReadDevice(aggregated, ok, l.aggregate), Bundle: &result.Bundle})
	}

	if len(batch) == 0 {
		return nil
	}

	if err := l.handler.HandleBatch(ctx, batch); err != nil {
		scope.Rollback()
		return err
	}
	return scope.Commit()
}

func lastReadDevice(aggregated *device.AggregatedInputDevice, ok bool, fallback device.InputDevice) device.InputDevice {
	if ok {
		if d := aggregated.LastReadDevice(); d != nil {
			return d
		}
	}
	return fallback
}
