package supervisor

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/service"
	"github.com/stretchr/testify/suite"
)

// SupervisorSuite exercises the parts of this package that don't require
// actually re-exec'ing a child process: the control-message protocol a
// processHandler speaks over a child's stdin/stdout, Config defaulting,
// and Registry resolution. It lives alongside the package (not in a
// tests/ subdirectory) because it reaches into processHandler's
// unexported fields.
type SupervisorSuite struct {
	suite.Suite
}

func TestSupervisorSuite(t *testing.T) {
	suite.Run(t, new(SupervisorSuite))
}

func (s *SupervisorSuite) TestNewClampsInstanceCount() {
	sup := New(Config{ServiceName: "x", InstanceCount: 0})
	s.Equal(1, sup.cfg.InstanceCount)
}

func (s *SupervisorSuite) TestRegistryRunChildRejectsUnknownServiceName() {
	s.T().Setenv(EnvServiceName, "does-not-exist")
	registry := Registry{"known": FactoryFunc(func(int) (*service.Base, error) { return nil, nil })}

	err := registry.RunChild(context.Background())
	s.Require().Error(err)
	s.Equal(CodeUnknownService, errors.CodeOf(err))
}

func (s *SupervisorSuite) TestPingAndWaitSendsPingAndResolvesOnPong() {
	var stdin bytes.Buffer
	stdoutR, stdoutW := io.Pipe()

	h := newProcessHandler(Config{LiveCheckTimeout: time.Second}, 0)
	h.stdin = nopWriteCloser{&stdin}
	go h.readStdout(context.Background(), stdoutR)

	go func() {
		time.Sleep(10 * time.Millisecond)
		stdoutW.Write([]byte(pongMessage + "\n"))
	}()

	s.True(h.pingAndWait())
	s.Contains(stdin.String(), pingMessage)
}

func (s *SupervisorSuite) TestPingAndWaitTimesOutWithoutPong() {
	var stdin bytes.Buffer
	stdoutR, _ := io.Pipe()

	h := newProcessHandler(Config{LiveCheckTimeout: 20 * time.Millisecond}, 0)
	h.stdin = nopWriteCloser{&stdin}
	go h.readStdout(context.Background(), stdoutR)

	s.False(h.pingAndWait())
}

func (s *SupervisorSuite) TestPingAndWaitFailsWithNoStdin() {
	h := newProcessHandler(Config{LiveCheckTimeout: time.Second}, 0)
	s.False(h.pingAndWait())
}

func (s *SupervisorSuite) TestRequestStopWritesStopMessage() {
	var stdin bytes.Buffer
	h := newProcessHandler(Config{}, 0)
	h.stdin = nopWriteCloser{&stdin}

	h.requestStop()
	s.Contains(stdin.String(), stopMessage)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
