// Package method runs application-registered direct method handlers and
// publishes each result back to the caller waiting on the broker side.
package method

import (
	"context"
	"log/slog"
)

// Handler processes one direct method invocation and returns the status code
// and response payload to publish.
type Handler func(name string, payload []byte) (int, []byte)

// Responder is the slice of the broker session the dispatcher needs.
type Responder interface {
	PublishMethodResponse(ctx context.Context, status int, requestID string, payload []byte) error
}

type invocation struct {
	name      string
	requestID string
	payload   []byte
}

// Dispatcher invokes the handler on a dedicated goroutine so a slow or
// panicking handler never blocks the broker's receive path. Nil when no
// handler is registered; all methods are nil-safe.
type Dispatcher struct {
	handler   Handler
	responder Responder
	log       *slog.Logger
	calls     chan invocation
}

func NewDispatcher(responder Responder, handler Handler, log *slog.Logger) *Dispatcher {
	if handler == nil {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handler:   handler,
		responder: responder,
		log:       log,
		calls:     make(chan invocation, 50),
	}
}

// Run processes queued invocations until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-d.calls:
			d.invoke(ctx, call)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, call invocation) {
	status, response, ok := d.run(call)
	if !ok {
		return
	}
	if err := d.responder.PublishMethodResponse(ctx, status, call.requestID, response); err != nil {
		d.log.Warn("could not publish method response",
			"method", call.name, "request_id", call.requestID, "error", err)
	}
}

// run recovers a panicking handler. A panic produces no response and the
// caller times out.
func (d *Dispatcher) run(call invocation) (status int, response []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("direct method handler panicked", "method", call.name, "panic", r)
			ok = false
		}
	}()
	status, response = d.handler(call.name, call.payload)
	return status, response, true
}

// HandleCall enqueues an invocation. Wired into the transport session; runs
// on its receive goroutine and never blocks there.
func (d *Dispatcher) HandleCall(name, requestID string, payload []byte) {
	if d == nil {
		return
	}
	select {
	case d.calls <- invocation{name: name, requestID: requestID, payload: payload}:
	default:
		d.log.Warn("too many direct method calls queued, ignoring call",
			"method", name, "request_id", requestID)
	}
}
