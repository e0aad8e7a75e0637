package tests

import (
	"context"
	"errors"
	"testing"

	"github.com/deviceflux/deviceflux/pkg/device"
	memorydevice "github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/pipeline"
	"github.com/deviceflux/deviceflux/pkg/readerloop"
	"github.com/stretchr/testify/suite"
)

type PipelineSuite struct {
	suite.Suite
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) TestFixedRouterHandlerCopiesMessageToTargetDevice() {
	manager := memorydevice.NewManager(0)
	in, err := manager.GetInputDevice("in")
	s.Require().NoError(err)

	handler := pipeline.NewFixedRouterHandler("out")
	bundle := message.NewBundle(message.New([]byte("hello"), message.Headers{"k": "v"}), nil)

	results, err := handler.HandleMessage(context.Background(), in, bundle)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal("out", results[0].OutputDeviceName)
	s.True(results[0].Bundle.Message.Equal(bundle.Message))
	s.NotSame(results[0].Bundle.Message, bundle.Message)
}

func (s *PipelineSuite) TestRegistryFallsBackWhenNoExplicitRegistration() {
	fallback := pipeline.NewFixedRouterHandler("fallback-out")
	specific := pipeline.NewFixedRouterHandler("specific-out")

	registry := pipeline.NewRegistry(fallback)
	registry.Register("special", specific)

	h, ok := registry.HandlerFor("special")
	s.True(ok)
	s.Same(specific, h)

	h, ok = registry.HandlerFor("anything-else")
	s.True(ok)
	s.Same(fallback, h)
}

func (s *PipelineSuite) TestRegistryWithNoFallbackReportsMissingHandler() {
	registry := pipeline.NewRegistry(nil)
	_, ok := registry.HandlerFor("unregistered")
	s.False(ok)
}

func (s *PipelineSuite) TestDispatcherSendsHandlerResultsToOutputManager() {
	manager := memorydevice.NewManager(0)
	in, err := manager.GetInputDevice("in")
	s.Require().NoError(err)

	registry := pipeline.NewRegistry(nil)
	registry.Register("in", pipeline.NewFixedRouterHandler("out"))

	dispatcher := pipeline.NewDispatcher(registry, manager)

	bundle := message.NewBundle(message.New([]byte("payload"), nil), nil)
	err = dispatcher.HandleBatch(context.Background(), []readerloop.Item{{InputDevice: in, Bundle: bundle}})
	s.Require().NoError(err)

	out, err := manager.GetInputDevice("out")
	s.Require().NoError(err)
	result, err := out.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal([]byte("payload"), result.Message.Payload())
}

func (s *PipelineSuite) TestDispatcherSkipsUnregisteredInputDevices() {
	manager := memorydevice.NewManager(0)
	in, err := manager.GetInputDevice("in")
	s.Require().NoError(err)

	registry := pipeline.NewRegistry(nil)
	dispatcher := pipeline.NewDispatcher(registry, manager)

	bundle := message.NewBundle(message.New([]byte("payload"), nil), nil)
	err = dispatcher.HandleBatch(context.Background(), []readerloop.Item{{InputDevice: in, Bundle: bundle}})
	s.Require().NoError(err)
}

func (s *PipelineSuite) TestDispatcherPropagatesHandlerError() {
	manager := memorydevice.NewManager(0)
	in, err := manager.GetInputDevice("in")
	s.Require().NoError(err)

	registry := pipeline.NewRegistry(nil)
	registry.Register("in", pipeline.HandlerFunc(func(_ context.Context, _ device.InputDevice, _ *message.Bundle) ([]pipeline.Result, error) {
		return nil, errors.New("boom")
	}))

	dispatcher := pipeline.NewDispatcher(registry, manager)
	bundle := message.NewBundle(message.New([]byte("payload"), nil), nil)
	err = dispatcher.HandleBatch(context.Background(), []readerloop.Item{{InputDevice: in, Bundle: bundle}})
	s.Require().Error(err)
}

func (s *PipelineSuite) TestDispatcherWithNilOutputManagerDropsResultInsteadOfPanicking() {
	in, err := memorydevice.NewManager(0).GetInputDevice("in")
	s.Require().NoError(err)

	registry := pipeline.NewRegistry(nil)
	registry.Register("in", pipeline.NewFixedRouterHandler("out"))

	dispatcher := pipeline.NewDispatcher(registry, nil)
	bundle := message.NewBundle(message.New([]byte("payload"), nil), nil)
	err = dispatcher.HandleBatch(context.Background(), []readerloop.Item{{InputDevice: in, Bundle: bundle}})
	s.Require().NoError(err)
}
