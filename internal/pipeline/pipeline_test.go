package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mladedav/device-sdk/internal/store"
	"github.com/mladedav/device-sdk/internal/transport"
)

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:pipeline_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	repo, err := store.New(db, slog.Default())
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	return repo
}

type publishedEvent struct {
	properties string
	payload    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []publishedEvent
	failures int
}

func (f *fakePublisher) PublishEvent(ctx context.Context, deviceID, encodedProperties string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.events = append(f.events, publishedEvent{
		properties: encodedProperties,
		payload:    append([]byte(nil), payload...),
	})
	return nil
}

func (f *fakePublisher) published() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedEvent(nil), f.events...)
}

type fakeUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (f *fakeUploader) Upload(ctx context.Context, blobName string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.blobs[blobName] = append([]byte(nil), payload...)
	return blobName, nil
}

func runPipeline(t *testing.T, repo *store.Repo, pub Publisher, up Uploader) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	ch := make(chan store.Message)
	states := make(chan transport.State, 1)
	states <- transport.Connected

	go NewExtractor(repo, ch, slog.Default()).Run(ctx)
	go NewSender(repo, pub, up, "dev-1", ch, states, slog.Default()).Run(ctx)
	return stop
}

func waitDrained(t *testing.T, repo *store.Repo) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cnt, err := repo.MessageCount(context.Background())
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if cnt == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func strPtr(s string) *string { return &s }

func TestMessagesSentInCommitOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	batch := strPtr("batch-1")
	for i := 1; i <= 10; i++ {
		id := strPtr(string(rune('0' + i%10)))
		err := repo.InsertMessage(ctx, &store.Message{
			BatchID:   batch,
			MessageID: id,
			Content:   []byte{byte(i)},
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	err := repo.InsertMessage(ctx, &store.Message{
		BatchID:     batch,
		CloseOption: store.CloseBatchOnly,
	})
	if err != nil {
		t.Fatalf("insert marker: %v", err)
	}

	pub := &fakePublisher{}
	stop := runPipeline(t, repo, pub, &fakeUploader{})
	defer stop()
	waitDrained(t, repo)

	events := pub.published()
	if len(events) != 11 {
		t.Fatalf("expected 11 publishes, got %d", len(events))
	}
	for i := 0; i < 10; i++ {
		if len(events[i].payload) != 1 || events[i].payload[0] != byte(i+1) {
			t.Fatalf("event %d out of order: payload %v", i, events[i].payload)
		}
	}
	last := events[10].properties
	if !strings.Contains(last, "complete-batch=true") || !strings.Contains(last, "ignore-payload=true") {
		t.Fatalf("expected completion marker properties, got %q", last)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := repo.InsertMessage(ctx, &store.Message{Content: []byte{byte(i)}}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// No pipeline ran before the "restart": the messages are still stored
	// and a fresh extractor starts from the oldest one.
	pub := &fakePublisher{}
	stop := runPipeline(t, repo, pub, &fakeUploader{})
	defer stop()
	waitDrained(t, repo)

	events := pub.published()
	if len(events) != 3 || events[0].payload[0] != 1 {
		t.Fatalf("expected replay from oldest message, got %d events", len(events))
	}
}

func TestPublishRetriedUntilAcknowledged(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if err := repo.InsertMessage(ctx, &store.Message{Content: []byte("x")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pub := &fakePublisher{failures: 2}
	stop := runPipeline(t, repo, pub, &fakeUploader{})
	defer stop()
	waitDrained(t, repo)

	if events := pub.published(); len(events) != 1 {
		t.Fatalf("expected the message delivered exactly once after retries, got %d", len(events))
	}
}

func TestPropertyEncoding(t *testing.T) {
	s := NewSender(nil, nil, nil, "dev-1", nil, nil, slog.Default())

	properties, payload, err := s.prepare(context.Background(), store.Message{
		SiteID:      strPtr("site 1"),
		StreamGroup: strPtr("group"),
		Stream:      strPtr("stream"),
		BatchID:     strPtr("b&1"),
		MessageID:   strPtr("m1"),
		Content:     []byte("data"),
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	want := "stream-group-name=group&stream-name=stream&site-id=site+1&batch-id=b%261&message-id=m1"
	if properties != want {
		t.Fatalf("expected %q, got %q", want, properties)
	}
	if string(payload) != "data" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestCompressionOnlyWhenSmaller(t *testing.T) {
	s := NewSender(nil, nil, nil, "dev-1", nil, nil, slog.Default())

	compressible := bytes.Repeat([]byte("abcdefgh"), 1000)
	properties, payload, err := s.prepare(context.Background(), store.Message{
		Content:     compressible,
		Compression: store.CompressionBrotliSmallestSize,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.Contains(properties, "content-encoding=br") {
		t.Fatalf("expected brotli marker, got %q", properties)
	}
	if len(payload) >= len(compressible) {
		t.Fatal("expected compressed payload to be smaller")
	}
	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, compressible) {
		t.Fatal("round trip mismatch")
	}

	// Tiny high-entropy payloads do not shrink; they stay uncompressed.
	properties, payload, err = s.prepare(context.Background(), store.Message{
		Content:     []byte{0x01, 0xfe, 0x42},
		Compression: store.CompressionBrotliFastest,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if strings.Contains(properties, "content-encoding=br") {
		t.Fatal("expected incompressible payload to stay uncompressed")
	}
	if len(payload) != 3 {
		t.Fatalf("unexpected payload length %d", len(payload))
	}
}

func TestOversizePayloadOffloaded(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	big := make([]byte, maxInlinePayload+1)
	for i := range big {
		big[i] = byte(i * 31)
	}
	if err := repo.InsertMessage(ctx, &store.Message{Content: big}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pub := &fakePublisher{}
	up := &fakeUploader{}
	stop := runPipeline(t, repo, pub, up)
	defer stop()
	waitDrained(t, repo)

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected one publish, got %d", len(events))
	}
	if !strings.Contains(events[0].properties, "has-externalized-payload=true") {
		t.Fatalf("expected externalized payload marker, got %q", events[0].properties)
	}
	var link struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(events[0].payload, &link); err != nil {
		t.Fatalf("decode link payload: %v", err)
	}
	up.mu.Lock()
	stored, ok := up.blobs[link.Link]
	up.mu.Unlock()
	if !ok {
		t.Fatalf("link %q does not match an uploaded blob", link.Link)
	}
	if !bytes.Equal(stored, big) {
		t.Fatal("uploaded payload differs from original")
	}
}
