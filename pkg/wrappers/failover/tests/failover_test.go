package tests

import (
	"context"
	"errors"
	"testing"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/test"
	"github.com/deviceflux/deviceflux/pkg/wrappers/failover"
)

type failingOutputDevice struct {
	name string
	err  error
}

func (d *failingOutputDevice) Name() string { return d.name }
func (d *failingOutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	return d.err
}
func (d *failingOutputDevice) Close() error { return nil }

type FailoverSuite struct {
	*test.Suite
}

func TestFailoverSuite(t *testing.T) {
	test.Run(t, &FailoverSuite{Suite: test.NewSuite()})
}

func (s *FailoverSuite) TestPrimarySucceeds() {
	m := memory.NewManager(4)
	primary, err := m.GetOutputDevice("primary")
	s.Require().NoError(err)
	secondary := &failingOutputDevice{name: "secondary", err: errors.New("should not be called")}

	fo := failover.New(primary, secondary)
	s.NoError(fo.Send(s.Ctx, message.New([]byte("hi"), message.Headers{}), message.DeviceHeaders{}))
}

func (s *FailoverSuite) TestPrimaryFailsSecondarySucceeds() {
	m := memory.NewManager(4)
	primary := &failingOutputDevice{name: "primary", err: errors.New("primary down")}
	secondary, err := m.GetOutputDevice("secondary")
	s.Require().NoError(err)

	fo := failover.New(primary, secondary)
	s.NoError(fo.Send(s.Ctx, message.New([]byte("hi"), message.Headers{}), message.DeviceHeaders{}))

	in, err := m.GetInputDevice("secondary")
	s.Require().NoError(err)
	result, err := in.Read(s.Ctx, 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
}

func (s *FailoverSuite) TestBothFailAggregatesErrors() {
	primary := &failingOutputDevice{name: "primary", err: errors.New("primary down")}
	secondary := &failingOutputDevice{name: "secondary", err: errors.New("secondary down")}

	fo := failover.New(primary, secondary)
	err := fo.Send(s.Ctx, message.New([]byte("hi"), message.Headers{}), message.DeviceHeaders{})
	s.Require().Error(err)
	s.Contains(err.Error(), "primary down")
	s.Contains(err.Error(), "secondary down")
}

func (s *FailoverSuite) TestNameIsPrimarysName() {
	m := memory.NewManager(4)
	primary, err := m.GetOutputDevice("primary-name")
	s.Require().NoError(err)
	secondary := &failingOutputDevice{name: "secondary"}

	fo := failover.New(primary, secondary)
	s.Equal("primary-name", fo.Name())
}
