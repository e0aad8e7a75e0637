package tests

import (
	"context"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/events"
	eventsmemory "github.com/deviceflux/deviceflux/pkg/events/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/pipeline"
	"github.com/deviceflux/deviceflux/pkg/readerloop"
	"github.com/deviceflux/deviceflux/pkg/service"
	"github.com/stretchr/testify/suite"
)

type DeviceReaderServiceSuite struct {
	suite.Suite
}

func TestDeviceReaderServiceSuite(t *testing.T) {
	suite.Run(t, new(DeviceReaderServiceSuite))
}

func (s *DeviceReaderServiceSuite) TestEndToEndMessageFlowsFromInputToOutput() {
	manager := memory.NewManager(16)

	srcOut, err := manager.GetOutputDevice("in")
	s.Require().NoError(err)
	s.Require().NoError(srcOut.Send(context.Background(), message.New([]byte("hello"), message.Headers{}), message.DeviceHeaders{}))

	registry := pipeline.NewRegistry(pipeline.NewFixedRouterHandler("out"))
	dispatcher := pipeline.NewDispatcher(registry, manager)

	loop := readerloop.New(readerloop.Config{
		InputDeviceNames:  []string{"in"},
		UseTransactions:   true,
		ReadTimeout:       50 * time.Millisecond,
		MaxBatchReadCount: 1,
	}, manager, dispatcher)

	bus := eventsmemory.New()
	var metrics []service.LoopMetrics
	s.Require().NoError(bus.Subscribe(context.Background(), service.TopicLoopEnded, func(ctx context.Context, e events.Event) error {
		metrics = append(metrics, e.Payload.(service.LoopMetrics))
		return nil
	}))

	loopSvc := service.NewDeviceReaderLoopService(service.LoopConfig{}, loop, bus)
	svc := service.New(service.Config{StopOnSignal: false}, loopSvc)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = svc.Start(ctx)
	s.Require().NoError(err)
	s.NotEmpty(metrics)

	outIn, err := manager.GetInputDevice("out")
	s.Require().NoError(err)
	result, err := outIn.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal([]byte("hello"), result.Message.Payload())
}
