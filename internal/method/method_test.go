package method

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordedResponse struct {
	status    int
	requestID string
	payload   string
}

type fakeResponder struct {
	mu        sync.Mutex
	responses []recordedResponse
}

func (f *fakeResponder) PublishMethodResponse(ctx context.Context, status int, requestID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, recordedResponse{status: status, requestID: requestID, payload: string(payload)})
	return nil
}

func (f *fakeResponder) await(t *testing.T, n int) []recordedResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.responses) >= n {
			out := append([]recordedResponse(nil), f.responses...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d responses", n)
	return nil
}

func TestDispatcherInvokesHandlerAndResponds(t *testing.T) {
	responder := &fakeResponder{}
	d := NewDispatcher(responder, func(name string, payload []byte) (int, []byte) {
		if name != "reboot" || string(payload) != `{"delay":5}` {
			t.Errorf("unexpected invocation %q %s", name, payload)
		}
		return 200, []byte(`{"ok":true}`)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.HandleCall("reboot", "rid-1", []byte(`{"delay":5}`))

	responses := responder.await(t, 1)
	got := responses[0]
	if got.status != 200 || got.requestID != "rid-1" || got.payload != `{"ok":true}` {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestDispatcherRecoversPanickingHandler(t *testing.T) {
	responder := &fakeResponder{}
	var calls atomic.Int32
	d := NewDispatcher(responder, func(name string, payload []byte) (int, []byte) {
		calls.Add(1)
		if name == "bad" {
			panic("handler exploded")
		}
		return 204, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.HandleCall("bad", "rid-1", nil)
	d.HandleCall("good", "rid-2", nil)

	responses := responder.await(t, 1)
	if len(responses) != 1 || responses[0].requestID != "rid-2" {
		t.Fatalf("expected only the second call answered, got %+v", responses)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected both calls invoked, got %d", got)
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	d.HandleCall("any", "rid-1", nil)
	d.Run(context.Background())

	if NewDispatcher(&fakeResponder{}, nil, nil) != nil {
		t.Fatal("expected nil dispatcher without a handler")
	}
}
