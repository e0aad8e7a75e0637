// Package healthaddon watches a run-loop service's iterations and stops
// it if it becomes unhealthy: too many consecutive failed iterations, or
// too long since the last iteration finished at all (a wedged loop).
// Grounded on the original's LoopHealthAddon, subscribed to the same
// LoopMetrics events pkg/service's LoopService publishes.
package healthaddon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deviceflux/deviceflux/pkg/events"
	"github.com/deviceflux/deviceflux/pkg/logger"
	"github.com/deviceflux/deviceflux/pkg/service"
)

// Config controls when a LoopWatchdog stops its service. A non-positive
// value disables the corresponding check, matching the original's
// sentinel -1 defaults.
type Config struct {
	StopAfterConsecutiveFailures int           `env:"HEALTH_STOP_AFTER_CONSECUTIVE_FAILURES" env-default:"-1"`
	StopAfterInactivityTimeout   time.Duration `env:"HEALTH_STOP_AFTER_INACTIVITY_TIMEOUT" env-default:"-1s"`
}

// LoopWatchdog stops a service.Base's run loop once it crosses one of
// Config's thresholds.
type LoopWatchdog struct {
	cfg Config
	svc *service.Base

	consecutiveFailures atomic.Int32

	mu           sync.Mutex
	lastLoopTime time.Time
}

// Attach subscribes a new LoopWatchdog to bus's service.TopicLoopEnded
// topic and, if cfg.StopAfterInactivityTimeout is positive, starts its
// inactivity watchdog goroutine. The goroutine exits when ctx is done.
func Attach(ctx context.Context, cfg Config, svc *service.Base, bus events.Bus) (*LoopWatchdog, error) {
	w := &LoopWatchdog{cfg: cfg, svc: svc, lastLoopTime: time.Now()}
	if err := bus.Subscribe(ctx, service.TopicLoopEnded, w.onLoopEnded); err != nil {
		return nil, err
	}
	if cfg.StopAfterInactivityTimeout > 0 {
		go w.inactivityWatchdog(ctx)
	}
	return w, nil
}

// ConsecutiveFailures returns the current run of failed loop iterations.
func (w *LoopWatchdog) ConsecutiveFailures() int {
	return int(w.consecutiveFailures.Load())
}

// LastLoopTime returns when the most recent loop iteration finished.
func (w *LoopWatchdog) LastLoopTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLoopTime
}

func (w *LoopWatchdog) onLoopEnded(ctx context.Context, event events.Event) error {
	metrics, ok := event.Payload.(service.LoopMetrics)
	if !ok {
		return nil
	}

	w.mu.Lock()
	w.lastLoopTime = time.Now()
	w.mu.Unlock()

	if metrics.Err == nil {
		w.consecutiveFailures.Store(0)
		return nil
	}

	failures := w.consecutiveFailures.Add(1)
	if w.cfg.StopAfterConsecutiveFailures > 0 && failures >= int32(w.cfg.StopAfterConsecutiveFailures) {
		logger.L().WarnContext(ctx, "stopping service after consecutive loop failures", "failures", failures)
		w.svc.Stop()
	}
	return nil
}

func (w *LoopWatchdog) inactivityWatchdog(ctx context.Context) {
	for {
		remaining := w.cfg.StopAfterInactivityTimeout - time.Since(w.LastLoopTime())
		if remaining <= 0 {
			logger.L().WarnContext(ctx, "stopping service after exceeding inactivity timeout",
				"timeout", w.cfg.StopAfterInactivityTimeout)
			w.svc.Stop()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}
