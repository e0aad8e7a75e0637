// Package pipeline provides the handler/router contract a device-reader
// loop (pkg/readerloop) uses to turn an input message into zero or more
// output sends, grounded on the original's PipelineHandlerBase/
// PipelineResult/FixedRouterPipelineHandler.
package pipeline

import (
	"context"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Result names the output device a message should be sent to, and the
// bundle (message + device headers) to send.
type Result struct {
	OutputDeviceName string
	Bundle           *message.Bundle
}

// NewResult builds a Result from a message and optional device headers.
func NewResult(outputDeviceName string, msg *message.Message, deviceHeaders message.DeviceHeaders) Result {
	return Result{OutputDeviceName: outputDeviceName, Bundle: message.NewBundle(msg, deviceHeaders)}
}

// Handler processes a single message read from an input device and
// decides where (if anywhere) it should go next.
//
// Returning a nil, empty slice drops the message (it is still committed
// by the caller, as with the original's "return None" contract).
type Handler interface {
	HandleMessage(ctx context.Context, inputDevice device.InputDevice, bundle *message.Bundle) ([]Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, inputDevice device.InputDevice, bundle *message.Bundle) ([]Result, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, inputDevice device.InputDevice, bundle *message.Bundle) ([]Result, error) {
	return f(ctx, inputDevice, bundle)
}

// FixedRouterHandler routes every message it sees, unmodified, to a single
// named output device. Ported from the original's
// FixedRouterPipelineHandler.
type FixedRouterHandler struct {
	OutputDeviceName string
}

// NewFixedRouterHandler builds a FixedRouterHandler targeting outputDeviceName.
func NewFixedRouterHandler(outputDeviceName string) *FixedRouterHandler {
	return &FixedRouterHandler{OutputDeviceName: outputDeviceName}
}

func (h *FixedRouterHandler) HandleMessage(_ context.Context, _ device.InputDevice, bundle *message.Bundle) ([]Result, error) {
	return []Result{NewResult(h.OutputDeviceName, bundle.Message.Copy(bundle.Message.Headers()), message.DeviceHeaders{})}, nil
}

// Registry maps an input device name to the Handler that should process
// messages read from it, replacing the source's dynamic decorator-DSL
// with a small typed lookup table (a dropped feature per the REDESIGN
// FLAGS — see DESIGN.md).
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry builds an empty Registry. fallback, if non-nil, handles any
// input device name with no explicit registration.
func NewRegistry(fallback Handler) *Registry {
	return &Registry{handlers: make(map[string]Handler), fallback: fallback}
}

// Register associates inputDeviceName with handler.
func (r *Registry) Register(inputDeviceName string, handler Handler) *Registry {
	r.handlers[inputDeviceName] = handler
	return r
}

// HandlerFor returns the handler registered for inputDeviceName, or the
// registry's fallback, or (nil, false) if neither exists.
func (r *Registry) HandlerFor(inputDeviceName string) (Handler, bool) {
	if h, ok := r.handlers[inputDeviceName]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}
