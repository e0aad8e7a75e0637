package tests

import (
	"context"
	"errors"
	"testing"

	"github.com/deviceflux/deviceflux/pkg/events"
	"github.com/deviceflux/deviceflux/pkg/events/adapters/memory"
	"github.com/stretchr/testify/suite"
)

type MemoryBusSuite struct {
	suite.Suite
}

func TestMemoryBusSuite(t *testing.T) {
	suite.Run(t, new(MemoryBusSuite))
}

func (s *MemoryBusSuite) TestPublishFansOutToAllSubscribers() {
	bus := memory.New()
	ctx := context.Background()

	var got1, got2 events.Event
	s.Require().NoError(bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		got1 = e
		return nil
	}))
	s.Require().NoError(bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		got2 = e
		return nil
	}))

	published := events.Event{Type: "topic", Payload: "hello"}
	s.Require().NoError(bus.Publish(ctx, "topic", published))

	s.Equal("hello", got1.Payload)
	s.Equal("hello", got2.Payload)
}

func (s *MemoryBusSuite) TestPublishWithNoSubscribersIsNoop() {
	bus := memory.New()
	s.Require().NoError(bus.Publish(context.Background(), "unheard", events.Event{}))
}

func (s *MemoryBusSuite) TestPublishAggregatesHandlerErrors() {
	bus := memory.New()
	ctx := context.Background()
	e1 := errors.New("handler one failed")
	e2 := errors.New("handler two failed")

	s.Require().NoError(bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error { return e1 }))
	s.Require().NoError(bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error { return e2 }))

	err := bus.Publish(ctx, "topic", events.Event{Type: "topic"})
	s.Require().Error(err)
	s.Contains(err.Error(), "handler one failed")
	s.Contains(err.Error(), "handler two failed")
}

func (s *MemoryBusSuite) TestCloseClearsSubscribers() {
	bus := memory.New()
	ctx := context.Background()
	calls := 0
	s.Require().NoError(bus.Subscribe(ctx, "topic", func(ctx context.Context, e events.Event) error {
		calls++
		return nil
	}))
	s.Require().NoError(bus.Close())
	s.Require().NoError(bus.Publish(ctx, "topic", events.Event{}))
	s.Equal(0, calls)
}
