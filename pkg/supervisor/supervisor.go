// Package supervisor re-invokes the current executable as a pool of
// child OS processes, one per configured instance, and supervises them:
// periodic liveness probes over each child's stdin/stdout, a
// graceful-then-terminate-then-kill shutdown escalation, and automatic
// restart of an instance that exits unexpectedly. Grounded on the
// original's MultiProcessRunner/SingleProcessHandler pair, adapted from
// Python's multiprocessing.Process+Pipe onto os/exec and stdin/stdout
// pipes, Go's closest analog to an anonymous full-duplex pipe.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/deviceflux/deviceflux/pkg/logger"
	"github.com/deviceflux/deviceflux/pkg/resilience"
)

// Environment variables a Supervisor sets on every child process it
// spawns, and that RunChild reads back out, mirroring the original's
// MULTI_PROCESS_INSTANCE_COUNT/MULTI_PROCESS_INSTANCE_INDEX env handoff.
const (
	EnvServiceName   = "SUPERVISOR_SERVICE_NAME"
	EnvInstanceIndex = "INSTANCE_INDEX"
	EnvInstanceCount = "INSTANCE_COUNT"
)

// Config controls a Supervisor's process pool.
type Config struct {
	ServiceName       string        `env:"SUPERVISOR_SERVICE_NAME"`
	InstanceCount     int           `env:"SUPERVISOR_INSTANCE_COUNT" env-default:"1"`
	ShutdownTimeout   time.Duration `env:"SUPERVISOR_SHUTDOWN_TIMEOUT" env-default:"5s"`
	LiveCheckInterval time.Duration `env:"SUPERVISOR_LIVE_CHECK_INTERVAL" env-default:"60s"`
	LiveCheckTimeout  time.Duration `env:"SUPERVISOR_LIVE_CHECK_TIMEOUT" env-default:"10s"`
	RestartOnFailure  bool          `env:"SUPERVISOR_RESTART_ON_FAILURE" env-default:"true"`

	// RestartBackoffBase/Max/Jitter shape the exponential backoff (see
	// pkg/resilience.ExponentialBackoff) applied before restarting an
	// instance that exited unexpectedly, so a crash-looping child doesn't
	// spin the supervisor in a tight respawn loop.
	RestartBackoffBase   time.Duration `env:"SUPERVISOR_RESTART_BACKOFF_BASE" env-default:"500ms"`
	RestartBackoffMax    time.Duration `env:"SUPERVISOR_RESTART_BACKOFF_MAX" env-default:"30s"`
	RestartBackoffJitter float64       `env:"SUPERVISOR_RESTART_BACKOFF_JITTER" env-default:"0.2"`
}

// Supervisor is a service.Runnable (see pkg/service) that owns a pool of
// child processes. Prepare spawns one per configured instance, RunLoop
// blocks until its context is canceled, and Finalize runs the
// stop/terminate/kill shutdown escalation against whatever is still
// running.
type Supervisor struct {
	cfg Config

	mu              sync.Mutex
	handlers        map[int]*processHandler
	restartAttempts map[int]int
	shuttingDown    bool
}

// New builds a Supervisor. cfg.InstanceCount is clamped to at least 1.
func New(cfg Config) *Supervisor {
	if cfg.InstanceCount < 1 {
		cfg.InstanceCount = 1
	}
	if cfg.RestartBackoffBase <= 0 {
		cfg.RestartBackoffBase = 500 * time.Millisecond
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = 30 * time.Second
	}
	return &Supervisor{cfg: cfg, handlers: make(map[int]*processHandler), restartAttempts: make(map[int]int)}
}

func (s *Supervisor) Prepare(ctx context.Context) error {
	for i := 0; i < s.cfg.InstanceCount; i++ {
		s.startInstance(ctx, i)
	}
	return nil
}

func (s *Supervisor) RunLoop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Supervisor) Finalize(ctx context.Context, _ error) {
	s.mu.Lock()
	s.shuttingDown = true
	handlers := make([]*processHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h.requestStop()
	}
	if allExited(handlers, s.cfg.ShutdownTimeout) {
		return
	}

	logger.L().WarnContext(ctx, "instances still running after shutdown request, sending SIGTERM")
	for _, h := range handlers {
		h.terminate()
	}
	if allExited(handlers, s.cfg.ShutdownTimeout) {
		return
	}

	logger.L().WarnContext(ctx, "instances still running after SIGTERM, killing")
	for _, h := range handlers {
		h.kill()
	}
	if !allExited(handlers, s.cfg.ShutdownTimeout) {
		logger.L().ErrorContext(ctx, "instances still running after kill, giving up")
	}
}

// Processes returns a snapshot of currently tracked instance indices,
// mainly for tests and diagnostics.
func (s *Supervisor) Processes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.handlers))
	for i := range s.handlers {
		out = append(out, i)
	}
	return out
}

func (s *Supervisor) startInstance(ctx context.Context, instanceIndex int) {
	h := newProcessHandler(s.cfg, instanceIndex)

	s.mu.Lock()
	s.handlers[instanceIndex] = h
	s.mu.Unlock()

	h.start(ctx, func() { s.onHandlerExit(ctx, instanceIndex) })
}

func (s *Supervisor) onHandlerExit(ctx context.Context, instanceIndex int) {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	delete(s.handlers, instanceIndex)
	restart := !shuttingDown && s.cfg.RestartOnFailure
	var attempt int
	if restart {
		s.restartAttempts[instanceIndex]++
		attempt = s.restartAttempts[instanceIndex]
	}
	s.mu.Unlock()

	if !restart {
		return
	}

	backoff := resilience.ExponentialBackoff(attempt-1, s.cfg.RestartBackoffBase, s.cfg.RestartBackoffMax, s.cfg.RestartBackoffJitter)
	logger.L().WarnContext(ctx, "restarting supervised instance after backoff",
		"instance", instanceIndex, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	s.startInstance(ctx, instanceIndex)
}

func allExited(handlers []*processHandler, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		allDead := true
		for _, h := range handlers {
			if h.isAlive() {
				allDead = false
				break
			}
		}
		if allDead {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
