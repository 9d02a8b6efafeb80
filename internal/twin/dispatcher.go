package twin

import (
	"context"
	"log/slog"
)

// DesiredProperties is what the user callback receives on every accepted
// desired-properties change.
type DesiredProperties struct {
	Version    uint64
	Properties []byte
}

// DesiredPropertiesCallback is invoked from a dedicated goroutine, never
// from the broker's receive path.
type DesiredPropertiesCallback func(DesiredProperties)

// dispatcher decouples user callbacks from the twin worker. A slow or
// panicking callback delays later callbacks but never the twin state
// machine.
type dispatcher struct {
	callback DesiredPropertiesCallback
	updates  chan DesiredProperties
	log      *slog.Logger
}

func newDispatcher(callback DesiredPropertiesCallback, log *slog.Logger) *dispatcher {
	if callback == nil {
		return nil
	}
	return &dispatcher{
		callback: callback,
		updates:  make(chan DesiredProperties, 128),
		log:      log,
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-d.updates:
			d.invoke(update)
		}
	}
}

func (d *dispatcher) invoke(update DesiredProperties) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("desired properties callback panicked", "panic", r)
		}
	}()
	d.callback(update)
}

// dispatch hands an update to the callback goroutine. Nil-safe so callers
// do not branch on whether a callback was registered.
func (d *dispatcher) dispatch(update DesiredProperties) {
	if d == nil {
		return
	}
	select {
	case d.updates <- update:
	default:
		d.log.Warn("desired properties callback is too slow, dropping update",
			"version", update.Version)
	}
}
