package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/mladedav/device-sdk/internal/store"
	"github.com/mladedav/device-sdk/internal/transport"
)

// maxInlinePayload is the largest payload published directly. The broker
// limit is 256 KiB including headers, this leaves room for them.
const maxInlinePayload = 250_000

// Publisher is the slice of the broker session the sender needs.
type Publisher interface {
	PublishEvent(ctx context.Context, deviceID, encodedProperties string, payload []byte) error
}

// Uploader offloads oversized payloads and returns the reference to publish
// in their place.
type Uploader interface {
	Upload(ctx context.Context, blobName string, payload []byte) (string, error)
}

// Sender publishes extracted messages one at a time and acknowledges each
// one by deleting the oldest stored message after the broker confirmed it.
type Sender struct {
	repo     *store.Repo
	session  Publisher
	uploader Uploader
	deviceID string
	in       <-chan store.Message
	states   <-chan transport.State
	log      *slog.Logger

	connected bool
}

func NewSender(repo *store.Repo, session Publisher, uploader Uploader, deviceID string, in <-chan store.Message, states <-chan transport.State, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		repo:     repo,
		session:  session,
		uploader: uploader,
		deviceID: deviceID,
		in:       in,
		states:   states,
		log:      log,
	}
}

func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-s.states:
			s.connected = st == transport.Connected
		case msg := <-s.in:
			if err := s.send(ctx, msg); err != nil {
				// Only context cancellation escapes the retry loop.
				return
			}
			if err := s.repo.RemoveOldestMessage(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("could not remove acknowledged message", "id", msg.ID, "error", err)
			}
		}
	}
}

// send retries until the broker acknowledges the message. Delivery is
// at-least-once: a crash between the acknowledgment and the delete replays
// the message on the next start.
func (s *Sender) send(ctx context.Context, msg store.Message) error {
	properties, payload, err := s.prepare(ctx, msg)
	if err != nil {
		return err
	}
	for {
		if !s.connected {
			if err := s.awaitConnected(ctx); err != nil {
				return err
			}
		}
		err := s.session.PublishEvent(ctx, s.deviceID, properties, payload)
		if err == nil {
			s.log.Debug("message sent", "id", msg.ID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, transport.ErrNotConnected) {
			s.connected = false
			continue
		}
		s.log.Warn("publish failed, retrying", "id", msg.ID, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-s.states:
			s.connected = st == transport.Connected
		case <-time.After(time.Second):
		}
	}
}

func (s *Sender) awaitConnected(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-s.states:
			if st == transport.Connected {
				s.connected = true
				return nil
			}
		}
	}
}

// prepare encodes the routing properties into the topic suffix and applies
// compression and payload offloading.
func (s *Sender) prepare(ctx context.Context, msg store.Message) (string, []byte, error) {
	var properties []string
	addProperty := func(key string, value *string) {
		if value != nil {
			properties = append(properties, key+"="+url.QueryEscape(*value))
		}
	}

	if msg.StreamGroup == nil {
		s.log.Info("message has no stream group, the workspace default applies", "id", msg.ID)
	}
	addProperty("stream-group-name", msg.StreamGroup)
	if msg.Stream == nil {
		s.log.Info("message has no stream, the stream group default applies", "id", msg.ID)
	}
	addProperty("stream-name", msg.Stream)
	addProperty("site-id", msg.SiteID)
	addProperty("batch-id", msg.BatchID)
	addProperty("batch-slice-id", msg.BatchSliceID)
	addProperty("message-id", msg.MessageID)
	addProperty("chunk-id", msg.ChunkID)

	payload := msg.Content
	if len(payload) > 0 && msg.Compression != store.CompressionNone {
		compressed, err := compress(payload, msg.Compression)
		if err != nil {
			s.log.Error("could not compress message, sending uncompressed", "id", msg.ID, "error", err)
		} else if len(compressed) < len(payload) {
			properties = append(properties, "content-encoding=br")
			payload = compressed
		} else {
			s.log.Debug("compression would not shrink message, sending uncompressed",
				"id", msg.ID, "original", len(payload), "compressed", len(compressed))
		}
	}

	if len(payload) > maxInlinePayload {
		properties = append(properties, "has-externalized-payload=true")
		link, err := s.offload(ctx, msg.ID, payload)
		if err != nil {
			return "", nil, err
		}
		payload, err = json.Marshal(struct {
			Link string `json:"link"`
		}{Link: link})
		if err != nil {
			return "", nil, err
		}
	}

	switch msg.CloseOption {
	case store.CloseNone:
	case store.CloseBatch:
		properties = append(properties, "complete-batch=true")
	case store.CloseBatchOnly:
		properties = append(properties, "complete-batch=true", "ignore-payload=true")
	case store.CloseMessageOnly:
		properties = append(properties, "complete-message=true", "ignore-payload=true")
	}

	var encoded bytes.Buffer
	for i, p := range properties {
		if i > 0 {
			encoded.WriteByte('&')
		}
		encoded.WriteString(p)
	}
	return encoded.String(), payload, nil
}

// offload retries the upload until it succeeds; the message must not be lost
// and must not be published inline.
func (s *Sender) offload(ctx context.Context, id int64, payload []byte) (string, error) {
	blobName := uuid.NewString()
	for {
		link, err := s.uploader.Upload(ctx, blobName, payload)
		if err == nil {
			s.log.Debug("payload offloaded", "id", id, "blob", blobName)
			return link, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.log.Error("payload upload failed, retrying", "id", id, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func compress(content []byte, compression store.Compression) ([]byte, error) {
	quality := brotli.BestSpeed
	if compression == store.CompressionBrotliSmallestSize {
		quality = brotli.BestCompression
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, quality)
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
