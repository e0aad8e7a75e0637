package tests

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/service"
	"github.com/stretchr/testify/suite"
)

type countingRunnable struct {
	prepared  atomic.Bool
	finalized atomic.Bool
	finalErr  atomic.Value
	iterations atomic.Int32
	stopAfter  int32
}

func (r *countingRunnable) Prepare(ctx context.Context) error {
	r.prepared.Store(true)
	return nil
}

func (r *countingRunnable) RunLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		n := r.iterations.Add(1)
		if r.stopAfter > 0 && n >= r.stopAfter {
			return nil
		}
	}
	return nil
}

func (r *countingRunnable) Finalize(ctx context.Context, err error) {
	r.finalized.Store(true)
	r.finalErr.Store(err)
}

type failingPrepareRunnable struct {
	err       error
	finalized atomic.Bool
}

func (r *failingPrepareRunnable) Prepare(ctx context.Context) error    { return r.err }
func (r *failingPrepareRunnable) RunLoop(ctx context.Context) error    { return nil }
func (r *failingPrepareRunnable) Finalize(ctx context.Context, _ error) { r.finalized.Store(true) }

type ServiceSuite struct {
	suite.Suite
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) TestStartRunsPrepareThenLoopThenFinalize() {
	r := &countingRunnable{stopAfter: 1}
	svc := service.New(service.Config{StopOnSignal: false}, r)

	err := svc.Start(context.Background())
	s.Require().NoError(err)
	s.True(r.prepared.Load())
	s.True(r.finalized.Load())
	s.GreaterOrEqual(r.iterations.Load(), int32(1))
}

func (s *ServiceSuite) TestStopCancelsRunningLoop() {
	r := &countingRunnable{}
	svc := service.New(service.Config{StopOnSignal: false}, r)

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	svc.Stop()

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.Fail("service did not stop")
	}
	s.True(r.finalized.Load())
}

func (s *ServiceSuite) TestPrepareFailurePropagatesAndFinalizeStillRuns() {
	prepErr := errors.New("prepare failed")
	r := &failingPrepareRunnable{err: prepErr}
	svc := service.New(service.Config{StopOnSignal: false}, r)

	err := svc.Start(context.Background())
	s.Require().Error(err)
	s.Equal(prepErr, err)
	s.True(r.finalized.Load())
}

func (s *ServiceSuite) TestWaitBlocksUntilStartReturns() {
	r := &countingRunnable{stopAfter: 1}
	svc := service.New(service.Config{StopOnSignal: false}, r)

	go svc.Start(context.Background())
	svc.Wait()
	s.True(r.finalized.Load())
}
