// Package pipeline moves durably queued messages to the broker: the
// extractor reads them from the store in commit order, the sender publishes
// them and deletes each one only after the broker acknowledged it.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/mladedav/device-sdk/internal/store"
)

const scanBatchSize = 100

// Extractor feeds stored messages into the sender channel in commit order.
// On startup it begins at the oldest unacknowledged message, so everything
// that was queued before a crash is replayed.
type Extractor struct {
	repo *store.Repo
	out  chan<- store.Message
	log  *slog.Logger
}

func NewExtractor(repo *store.Repo, out chan<- store.Message, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{repo: repo, out: out, log: log}
}

func (e *Extractor) Run(ctx context.Context) {
	var last int64
	for {
		msgs, err := e.repo.ListMessagesAfter(ctx, last, scanBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Error("could not read queued messages", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			// Drained. The wake signal coalesces, so one pending signal is
			// enough to cover any number of inserts since the last scan.
			select {
			case <-ctx.Done():
				return
			case <-e.repo.MessageWake():
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return
			case e.out <- msg:
				last = msg.ID
			}
		}
	}
}
