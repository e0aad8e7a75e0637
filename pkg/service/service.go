// Package service provides the process lifecycle every long-running
// component in this module shares: a start/stop state machine with
// signal-triggered shutdown, layered with a run-loop that repeats an
// iteration with a success/failure-dependent backoff. Grounded on the
// original's BaseService/ServerLoopService/DeviceReaderService/
// PipelineService hierarchy, recomposed here as composition instead of
// inheritance.
package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/deviceflux/deviceflux/pkg/logger"
)

// Runnable is the lifecycle a Base drives: Prepare runs once before the
// run loop starts, RunLoop performs iterations until ctx is canceled, and
// Finalize runs once after the run loop returns, regardless of outcome.
type Runnable interface {
	Prepare(ctx context.Context) error
	RunLoop(ctx context.Context) error
	Finalize(ctx context.Context, err error)
}

// Config controls a Base's signal-handling behavior.
type Config struct {
	// StopOnSignal registers SIGINT/SIGTERM handlers that call Stop,
	// mirroring the original's should_stop_on_signal.
	StopOnSignal bool `env:"STOP_ON_SIGNAL" env-default:"true"`
}

// Base drives a Runnable's lifecycle: Prepare, then RunLoop until Stop is
// called or the process receives SIGINT/SIGTERM, then Finalize.
type Base struct {
	cfg      Config
	runnable Runnable

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a Base driving runnable.
func New(cfg Config, runnable Runnable) *Base {
	return &Base{cfg: cfg, runnable: runnable, stopped: make(chan struct{})}
}

// Start runs the service to completion: Prepare, then RunLoop, then
// Finalize. It blocks until Prepare fails or RunLoop returns (because ctx
// was canceled, Stop was called, or a signal arrived) and returns the
// Prepare or RunLoop error, if any; it returns nil once its run context
// has been canceled.
func (b *Base) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer close(b.stopped)

	if b.cfg.StopOnSignal {
		stopSignals := b.registerSignals(cancel)
		defer stopSignals()
	}

	logger.L().InfoContext(runCtx, "starting service")

	var runErr error
	if err := b.runnable.Prepare(runCtx); err != nil {
		runErr = err
	} else {
		runErr = b.runnable.RunLoop(runCtx)
	}

	if runErr != nil && runCtx.Err() == nil {
		logger.L().ErrorContext(runCtx, "service run loop failed", "error", runErr)
	}
	b.runnable.Finalize(ctx, runErr)

	if runCtx.Err() != nil {
		return nil
	}
	return runErr
}

// Stop cancels the running service's context, causing RunLoop to return.
// It is safe to call before Start, concurrently with Start, or more than
// once.
func (b *Base) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until Start has returned.
func (b *Base) Wait() {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped != nil {
		<-stopped
	}
}

func (b *Base) registerSignals(cancel context.CancelFunc) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			cancel()
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(ch)
	}
}
