package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/logger"
	"github.com/deviceflux/deviceflux/pkg/service"
)

// CodeUnknownService is the AppError code RunChild returns when
// EnvServiceName names nothing in the Registry.
const CodeUnknownService = "UNKNOWN_SUPERVISED_SERVICE"

// Factory builds the service.Base to run inside a supervised child
// process, given the instance index handed down via EnvInstanceIndex.
type Factory interface {
	CreateService(instanceIndex int) (*service.Base, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(instanceIndex int) (*service.Base, error)

func (f FactoryFunc) CreateService(instanceIndex int) (*service.Base, error) { return f(instanceIndex) }

// Registry maps a service name to the Factory a supervised child process
// should use to build it, resolved at child startup from EnvServiceName.
// A process built with Supervisor normally registers exactly one name per
// binary, but a single binary running several distinct service kinds
// behind one Supervisor is supported too.
type Registry map[string]Factory

// RunChild is the entry point a re-exec'd child process calls: it resolves
// the registered Factory for EnvServiceName, builds the service for the
// instance index in EnvInstanceIndex, and runs it to completion, listening
// on stdin for the supervisor's PING/STOP control messages in the
// background. It blocks until the service stops (the supervisor sends
// STOP, the process is signaled, or the service fails) and returns the
// service's Start error, if any.
func (r Registry) RunChild(ctx context.Context) error {
	name := os.Getenv(EnvServiceName)
	factory, ok := r[name]
	if !ok {
		return errors.New(CodeUnknownService, fmt.Sprintf("no registered service factory for %q", name), nil)
	}

	instanceIndex, _ := strconv.Atoi(os.Getenv(EnvInstanceIndex))

	svc, err := factory.CreateService(instanceIndex)
	if err != nil {
		return err
	}

	go listenForControlMessages(svc)

	return svc.Start(ctx)
}

// listenForControlMessages reads line-delimited control messages from
// stdin: PING is answered with a PONG on stdout (the liveness probe),
// STOP stops the service. Stdin closing (the parent process died) also
// stops the service, so an orphaned child doesn't run forever.
func listenForControlMessages(svc *service.Base) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch scanner.Text() {
		case pingMessage:
			fmt.Fprintln(os.Stdout, pongMessage)
		case stopMessage:
			logger.L().Info("received stop request from supervisor")
			svc.Stop()
			return
		}
	}
	svc.Stop()
}
