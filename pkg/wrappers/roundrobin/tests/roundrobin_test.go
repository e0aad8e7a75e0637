package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/test"
	"github.com/deviceflux/deviceflux/pkg/wrappers/roundrobin"
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

type failingInputDevice struct {
	name string
	err  error
}

func (d *failingInputDevice) Name() string { return d.name }
func (d *failingInputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	return nil, d.err
}
func (d *failingInputDevice) Close() error { return nil }

type RoundRobinSuite struct {
	*test.Suite
}

func TestRoundRobinSuite(t *testing.T) {
	test.Run(t, &RoundRobinSuite{Suite: test.NewSuite()})
}

func (s *RoundRobinSuite) TestOutputRotatesStartingPoint() {
	m := memory.NewManager(4)
	a, err := m.GetOutputDevice("a")
	s.Require().NoError(err)
	b, err := m.GetOutputDevice("b")
	s.Require().NoError(err)

	rr := roundrobin.NewOutputDevice("ab", []device.OutputDevice{a, b}, false)

	s.Require().NoError(rr.Send(s.Ctx, message.New([]byte("1"), message.Headers{}), message.DeviceHeaders{}))
	s.Require().NoError(rr.Send(s.Ctx, message.New([]byte("2"), message.Headers{}), message.DeviceHeaders{}))

	ina, err := m.GetInputDevice("a")
	s.Require().NoError(err)
	ra, err := ina.Read(s.Ctx, 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(ra)
	s.Equal([]byte("1"), ra.Message.Payload())

	inb, err := m.GetInputDevice("b")
	s.Require().NoError(err)
	rb, err := inb.Read(s.Ctx, 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(rb)
	s.Equal([]byte("2"), rb.Message.Payload())
}

func (s *RoundRobinSuite) TestOutputFirstSuccessWins() {
	failing := &failingOutputDevice{name: "failing", err: errors.New("down")}
	m := memory.NewManager(4)
	good, err := m.GetOutputDevice("good")
	s.Require().NoError(err)

	rr := roundrobin.NewOutputDevice("pair", []device.OutputDevice{failing, good}, false)
	s.Require().NoError(rr.Send(s.Ctx, message.New([]byte("hi"), message.Headers{}), message.DeviceHeaders{}))
}

func (s *RoundRobinSuite) TestOutputAggregatesWhenAllFail() {
	f1 := &failingOutputDevice{name: "f1", err: errors.New("f1 down")}
	f2 := &failingOutputDevice{name: "f2", err: errors.New("f2 down")}

	rr := roundrobin.NewOutputDevice("pair", []device.OutputDevice{f1, f2}, false)
	err := rr.Send(s.Ctx, message.New([]byte("hi"), message.Headers{}), message.DeviceHeaders{})
	s.Require().Error(err)
	s.Contains(err.Error(), "f1 down")
	s.Contains(err.Error(), "f2 down")
}

func (s *RoundRobinSuite) TestInputFirstSuccessWins() {
	failing := &failingInputDevice{name: "failing", err: errors.New("down")}
	m := memory.NewManager(4)
	out, err := m.GetOutputDevice("good")
	s.Require().NoError(err)
	s.Require().NoError(out.Send(s.Ctx, message.New([]byte("hi"), message.Headers{}), message.DeviceHeaders{}))
	good, err := m.GetInputDevice("good")
	s.Require().NoError(err)

	rr := roundrobin.NewInputDevice("pair", []device.InputDevice{failing, good}, false)
	result, err := rr.Read(s.Ctx, 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal([]byte("hi"), result.Message.Payload())
}

func (s *RoundRobinSuite) TestInputAggregatesWhenAllFail() {
	f1 := &failingInputDevice{name: "f1", err: errors.New("f1 down")}
	f2 := &failingInputDevice{name: "f2", err: errors.New("f2 down")}

	rr := roundrobin.NewInputDevice("pair", []device.InputDevice{f1, f2}, false)
	_, err := rr.Read(s.Ctx, 0, false)
	s.Require().Error(err)
	s.Contains(err.Error(), "f1 down")
	s.Contains(err.Error(), "f2 down")
}
