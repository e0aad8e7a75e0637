package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/events"
	eventsmemory "github.com/deviceflux/deviceflux/pkg/events/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/healthaddon"
	"github.com/deviceflux/deviceflux/pkg/service"
	"github.com/stretchr/testify/suite"
)

type blockingRunnable struct{}

func (blockingRunnable) Prepare(ctx context.Context) error     { return nil }
func (blockingRunnable) RunLoop(ctx context.Context) error     { <-ctx.Done(); return nil }
func (blockingRunnable) Finalize(ctx context.Context, _ error) {}

func loopEndedEvent(m service.LoopMetrics) events.Event {
	return events.Event{Type: service.TopicLoopEnded, Payload: m}
}

type HealthAddonSuite struct {
	suite.Suite
}

func TestHealthAddonSuite(t *testing.T) {
	suite.Run(t, new(HealthAddonSuite))
}

func (s *HealthAddonSuite) TestStopsAfterConsecutiveFailures() {
	bus := eventsmemory.New()
	svc := service.New(service.Config{StopOnSignal: false}, blockingRunnable{})

	watchdog, err := healthaddon.Attach(context.Background(), healthaddon.Config{
		StopAfterConsecutiveFailures: 3,
	}, svc, bus)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 2; i++ {
		s.Require().NoError(bus.Publish(context.Background(), service.TopicLoopEnded,
			loopEndedEvent(service.LoopMetrics{Err: errors.New("boom")})))
	}
	s.Equal(2, watchdog.ConsecutiveFailures())

	select {
	case <-done:
		s.Fail("service stopped before reaching the failure threshold")
	case <-time.After(20 * time.Millisecond):
	}

	s.Require().NoError(bus.Publish(context.Background(), service.TopicLoopEnded,
		loopEndedEvent(service.LoopMetrics{Err: errors.New("boom")})))
	s.Equal(3, watchdog.ConsecutiveFailures())

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.Fail("service did not stop after reaching the failure threshold")
	}
}

func (s *HealthAddonSuite) TestSuccessResetsConsecutiveFailures() {
	bus := eventsmemory.New()
	svc := service.New(service.Config{StopOnSignal: false}, blockingRunnable{})

	watchdog, err := healthaddon.Attach(context.Background(), healthaddon.Config{
		StopAfterConsecutiveFailures: 3,
	}, svc, bus)
	s.Require().NoError(err)

	s.Require().NoError(bus.Publish(context.Background(), service.TopicLoopEnded,
		loopEndedEvent(service.LoopMetrics{Err: errors.New("boom")})))
	s.Equal(1, watchdog.ConsecutiveFailures())

	s.Require().NoError(bus.Publish(context.Background(), service.TopicLoopEnded,
		loopEndedEvent(service.LoopMetrics{})))
	s.Equal(0, watchdog.ConsecutiveFailures())
}

func (s *HealthAddonSuite) TestStopsAfterInactivityTimeout() {
	bus := eventsmemory.New()
	svc := service.New(service.Config{StopOnSignal: false}, blockingRunnable{})

	_, err := healthaddon.Attach(context.Background(), healthaddon.Config{
		StopAfterInactivityTimeout: 30 * time.Millisecond,
	}, svc, bus)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.Fail("service did not stop after exceeding the inactivity timeout")
	}
}
