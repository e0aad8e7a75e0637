package service

import (
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/events"
	"github.com/deviceflux/deviceflux/pkg/logger"
)

// TopicLoopEnded is the events.Bus topic a LoopService publishes a
// LoopMetrics to after every iteration, mirroring the original's
// loop_ended_event.
const TopicLoopEnded = "service.loop_ended"

// LoopMetrics describes the outcome of one run-loop iteration.
type LoopMetrics struct {
	Duration time.Duration
	Err      error
}

// LoopConfig controls how long a LoopService waits between iterations,
// depending on whether the previous one failed.
type LoopConfig struct {
	DurationAfterSuccess time.Duration `env:"LOOP_SUCCESS_BACKOFF" env-default:"0s"`
	DurationAfterFailure time.Duration `env:"LOOP_FAILURE_BACKOFF" env-default:"1s"`
}

// LoopFunc performs a single run-loop iteration.
type LoopFunc func(ctx context.Context) error

// LoopService is a Runnable whose RunLoop repeats a LoopFunc until its
// context is canceled, waiting Config's success/failure-dependent backoff
// between iterations and publishing a LoopMetrics after each one. It is
// the generalization of the original's ServerLoopService.
type LoopService struct {
	cfg      LoopConfig
	loopFn   LoopFunc
	bus      events.Bus
	prepare  func(ctx context.Context) error
	finalize func(ctx context.Context, err error)
}

// NewLoopService builds a LoopService. prepare and finalize may be nil,
// in which case they are no-ops. bus may be nil, in which case no
// LoopMetrics are published.
func NewLoopService(cfg LoopConfig, loopFn LoopFunc, bus events.Bus, prepare func(ctx context.Context) error, finalize func(ctx context.Context, err error)) *LoopService {
	return &LoopService{cfg: cfg, loopFn: loopFn, bus: bus, prepare: prepare, finalize: finalize}
}

func (l *LoopService) Prepare(ctx context.Context) error {
	if l.prepare == nil {
		return nil
	}
	return l.prepare(ctx)
}

func (l *LoopService) Finalize(ctx context.Context, err error) {
	if l.finalize != nil {
		l.finalize(ctx, err)
	}
}

func (l *LoopService) RunLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := l.loopFn(ctx)
		duration := time.Since(start)

		if err != nil {
			logger.L().ErrorContext(ctx, "run loop iteration failed", "error", err)
		}
		l.publish(ctx, LoopMetrics{Duration: duration, Err: err})

		wait := l.cfg.DurationAfterSuccess
		if err != nil {
			wait = l.cfg.DurationAfterFailure
		}
		if wait <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *LoopService) publish(ctx context.Context, m LoopMetrics) {
	if l.bus == nil {
		return
	}
	event := events.Event{Type: TopicLoopEnded, Source: "service", Timestamp: time.Now(), Payload: m}
	if err := l.bus.Publish(ctx, TopicLoopEnded, event); err != nil {
		logger.L().WarnContext(ctx, "failed to publish loop-ended event", "error", err)
	}
}
