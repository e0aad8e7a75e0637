package tests

import (
	"context"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	apperrors "github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/wrappers/ratelimited"
	"github.com/stretchr/testify/suite"
)

type RateLimitedSuite struct {
	suite.Suite
}

func TestRateLimitedSuite(t *testing.T) {
	suite.Run(t, new(RateLimitedSuite))
}

func (s *RateLimitedSuite) TestBurstSucceedsImmediately() {
	ctx := context.Background()
	m := memory.NewManager(8)
	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)

	wrapped := ratelimited.NewOutputDevice(out, ratelimited.Options{Rate: 1, Burst: 3, MaxBlock: time.Second})

	start := time.Now()
	for i := 0; i < 3; i++ {
		s.Require().NoError(wrapped.Send(ctx, message.New([]byte("x"), message.Headers{}), message.DeviceHeaders{}))
	}
	s.Less(time.Since(start), 200*time.Millisecond)
}

func (s *RateLimitedSuite) TestExceedingRateReturnsRateLimitedAfterMaxBlock() {
	ctx := context.Background()
	m := memory.NewManager(8)
	out, err := m.GetOutputDevice("q2")
	s.Require().NoError(err)

	wrapped := ratelimited.NewOutputDevice(out, ratelimited.Options{Rate: 1, Burst: 1, MaxBlock: 30 * time.Millisecond})

	s.Require().NoError(wrapped.Send(ctx, message.New([]byte("x"), message.Headers{}), message.DeviceHeaders{}))

	err = wrapped.Send(ctx, message.New([]byte("x"), message.Headers{}), message.DeviceHeaders{})
	s.Require().Error(err)
	s.Equal(ratelimited.CodeRateLimited, apperrors.CodeOf(err))
}

func (s *RateLimitedSuite) TestEventuallySucceedsOnceTokenRefills() {
	ctx := context.Background()
	m := memory.NewManager(8)
	out, err := m.GetOutputDevice("q3")
	s.Require().NoError(err)

	wrapped := ratelimited.NewOutputDevice(out, ratelimited.Options{Rate: 20, Burst: 1, MaxBlock: time.Second})

	s.Require().NoError(wrapped.Send(ctx, message.New([]byte("x"), message.Headers{}), message.DeviceHeaders{}))
	s.Require().NoError(wrapped.Send(ctx, message.New([]byte("x"), message.Headers{}), message.DeviceHeaders{}))
}
