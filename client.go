// Package devicesdk connects a device to the platform: it provisions the
// device, keeps its credentials fresh, and moves messages, twin properties
// and cloud-to-device commands across a broker connection that survives
// restarts and network loss. All queued data is stored on disk first, so
// nothing accepted by the client is lost by a crash.
package devicesdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mladedav/device-sdk/internal/cloud"
	"github.com/mladedav/device-sdk/internal/method"
	"github.com/mladedav/device-sdk/internal/pipeline"
	"github.com/mladedav/device-sdk/internal/provision"
	"github.com/mladedav/device-sdk/internal/store"
	"github.com/mladedav/device-sdk/internal/transport"
	"github.com/mladedav/device-sdk/internal/twin"
)

// drainPollInterval is how often wait operations re-check the queue length.
const drainPollInterval = 200 * time.Millisecond

// maxPayloadSize is the hard ceiling for a single enqueued payload. Larger
// payloads are rejected synchronously instead of being queued.
const maxPayloadSize = 256 << 20

// Client is the device's connection to the platform. It is safe for
// concurrent use; one Client per device per process.
type Client struct {
	log     *slog.Logger
	level   *slog.LevelVar
	repo    *store.Repo
	tokens  *provision.TokenHandler
	twin    *twin.Middleware
	methods *method.Dispatcher

	workspaceID string
	deviceID    string

	cancel      context.CancelFunc
	sessionDone chan struct{}
	closed      atomic.Bool

	c2dMu     sync.Mutex
	c2dCursor int64
}

// Open provisions the device if needed, restores local state and starts all
// background workers. It blocks until the device is registered and both twin
// documents are available; cancel ctx to bound the wait. The returned Client
// must be closed with Close.
func Open(ctx context.Context, opts Options) (*Client, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	level.Set(o.LogLevel)
	log := o.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	stored := store.LoadAvailableConfiguration(o.DatabasePath, log)

	api := cloud.NewClient(o.InstanceURL, log)
	prov := provision.NewProvisioner(api, o.Display, log)
	state, err := prov.EnsureRegistered(ctx, provision.Request{
		ProvisioningToken: o.ProvisioningToken,
		RequestedDeviceID: o.DeviceID,
		Stored:            stored,
	})
	if err != nil {
		return nil, fmt.Errorf("provision device: %w", err)
	}

	repo, err := store.Open(o.DatabasePath, log)
	if err != nil {
		return nil, err
	}
	if err := saveConfiguration(ctx, repo, o, state, stored); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:    log,
		level:  level,
		repo:   repo,
		cancel: cancel,
	}

	c.tokens = provision.NewTokenHandler(api, repo, log, o.ProvisioningToken, state)
	go c.tokens.Run(runCtx, state.Registration)

	if err := c.resolveIdentity(ctx, state, stored); err != nil {
		cancel()
		return nil, err
	}
	log.Info("device ready", "workspace_id", c.workspaceID, "device_id", c.deviceID)

	session := transport.NewSession(c.tokens, transport.Handlers{
		DesiredPatch: func(version uint64, payload []byte) {
			c.twin.HandleDesiredPatch(version, payload)
		},
		TwinResponse: func(status int, requestID string, version *uint64, payload []byte) {
			c.twin.HandleTwinResponse(status, requestID, version, payload)
		},
		CloudToDevice: c.storeCloudToDevice,
		DirectMethod: func(name, requestID string, payload []byte) {
			c.methods.HandleCall(name, requestID, payload)
		},
	}, log)
	c.methods = method.NewDispatcher(session, o.DirectMethodHandler, log)
	go c.methods.Run(runCtx)

	c.twin, err = twin.New(runCtx, repo, session, session.StateChanges(), o.DesiredPropertiesCallback, log)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.twin.Run(runCtx)
	c.sessionDone = make(chan struct{})
	go func() {
		session.Run(runCtx)
		close(c.sessionDone)
	}()

	extracted := make(chan store.Message)
	uploader := &blobUploader{uploader: cloud.NewBlobUploader(log), tokens: c.tokens}
	go pipeline.NewExtractor(repo, extracted, log).Run(runCtx)
	go pipeline.NewSender(repo, session, uploader, c.deviceID, extracted, session.StateChanges(), log).Run(runCtx)

	if err := c.twin.WaitReady(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("waiting for twin documents: %w", err)
	}
	return c, nil
}

func saveConfiguration(ctx context.Context, repo *store.Repo, o *Options, state *provision.State, stored store.ConfigurationFragment) error {
	cfg := &store.SdkConfiguration{
		InstanceURL:       o.InstanceURL,
		ProvisioningToken: o.ProvisioningToken,
		RegistrationToken: state.RegistrationToken.Token,
		RTExpiration:      state.RegistrationToken.Expiration,
		RequestedDeviceID: o.DeviceID,
	}
	if state.Registration != nil {
		cfg.WorkspaceID = state.Registration.WorkspaceID
		cfg.DeviceID = state.Registration.DeviceID
	} else {
		if stored.WorkspaceID != nil {
			cfg.WorkspaceID = *stored.WorkspaceID
		}
		if stored.DeviceID != nil {
			cfg.DeviceID = *stored.DeviceID
		}
	}
	return repo.SaveConfiguration(ctx, cfg)
}

// resolveIdentity determines the device and workspace IDs, preferring a
// fresh registration, then the stored configuration, and finally waiting for
// the token handler's startup registration.
func (c *Client) resolveIdentity(ctx context.Context, state *provision.State, stored store.ConfigurationFragment) error {
	if state.Registration != nil {
		c.workspaceID = state.Registration.WorkspaceID
		c.deviceID = state.Registration.DeviceID
		return nil
	}
	if stored.WorkspaceID != nil && stored.DeviceID != nil {
		c.workspaceID = *stored.WorkspaceID
		c.deviceID = *stored.DeviceID
		return nil
	}
	for {
		changed := c.tokens.Changed()
		if creds, ok := c.tokens.Credentials(); ok {
			c.workspaceID = creds.WorkspaceID
			c.deviceID = creds.DeviceID
			return nil
		}
		if err := c.tokens.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-time.After(time.Second):
		}
	}
}

// EnqueueMessage durably queues a message for delivery. It returns once the
// message is stored; delivery happens in the background in enqueue order.
func (c *Client) EnqueueMessage(ctx context.Context, mc *MessageContext, batchID, messageID *string, payload []byte) error {
	return c.enqueue(ctx, mc, batchID, nil, messageID, nil, payload, store.CloseNone)
}

// EnqueueMessageAdvanced additionally tags the message with a batch slice
// and a chunk, for payloads split across multiple messages.
func (c *Client) EnqueueMessageAdvanced(ctx context.Context, mc *MessageContext, batchID, batchSliceID, messageID, chunkID *string, payload []byte) error {
	return c.enqueue(ctx, mc, batchID, batchSliceID, messageID, chunkID, payload, store.CloseNone)
}

// EnqueueBatchCompletion queues a marker that completes the given batch.
func (c *Client) EnqueueBatchCompletion(ctx context.Context, mc *MessageContext, batchID string) error {
	return c.enqueue(ctx, mc, &batchID, nil, nil, nil, nil, store.CloseBatchOnly)
}

// EnqueueMessageCompletion queues a marker that completes a chunked message.
func (c *Client) EnqueueMessageCompletion(ctx context.Context, mc *MessageContext, batchID, messageID string) error {
	return c.enqueue(ctx, mc, &batchID, nil, &messageID, nil, nil, store.CloseMessageOnly)
}

// SendMessage enqueues the message and waits until the whole queue has been
// delivered to the broker.
func (c *Client) SendMessage(ctx context.Context, mc *MessageContext, batchID, messageID *string, payload []byte) error {
	if err := c.EnqueueMessage(ctx, mc, batchID, messageID, payload); err != nil {
		return err
	}
	return c.WaitEnqueuedMessagesSent(ctx)
}

func (c *Client) enqueue(ctx context.Context, mc *MessageContext, batchID, batchSliceID, messageID, chunkID *string, payload []byte, closeOption store.CloseOption) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if mc == nil {
		return errors.New("message context must not be nil")
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return c.repo.InsertMessage(ctx, &store.Message{
		SiteID:       mc.SiteID,
		StreamGroup:  mc.StreamGroup,
		Stream:       mc.Stream,
		BatchID:      batchID,
		BatchSliceID: batchSliceID,
		MessageID:    messageID,
		ChunkID:      chunkID,
		Content:      payload,
		CloseOption:  closeOption,
		Compression:  store.Compression(mc.Compression),
	})
}

// WaitEnqueuedMessagesSent blocks until every queued message has been
// acknowledged by the broker.
func (c *Client) WaitEnqueuedMessagesSent(ctx context.Context) error {
	for {
		count, err := c.repo.MessageCount(ctx)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// PendingMessagesCount returns the number of messages not yet acknowledged
// by the broker.
func (c *Client) PendingMessagesCount(ctx context.Context) (int64, error) {
	return c.repo.MessageCount(ctx)
}

// DesiredProperties returns the current desired properties document and its
// version.
func (c *Client) DesiredProperties() (DesiredPropertiesUpdate, error) {
	if c.closed.Load() {
		return DesiredPropertiesUpdate{}, ErrClosed
	}
	return c.twin.DesiredProperties()
}

// DesiredPropertiesIfNewer returns the desired document only when its
// version is strictly greater than version.
func (c *Client) DesiredPropertiesIfNewer(version uint64) (DesiredPropertiesUpdate, bool) {
	if c.closed.Load() {
		return DesiredPropertiesUpdate{}, false
	}
	return c.twin.DesiredPropertiesIfNewer(version)
}

// ReportedProperties returns the local copy of the reported properties
// document, which includes queued updates already applied optimistically.
func (c *Client) ReportedProperties() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	properties, ok := c.twin.ReportedProperties()
	if !ok {
		return nil, errors.New("reported properties not initialized yet")
	}
	return properties, nil
}

// UpdateReportedProperties durably queues a full replacement of the
// reported properties. The written document must be a JSON object.
func (c *Client) UpdateReportedProperties(ctx context.Context, properties []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.twin.EnqueueReportedUpdate(ctx, store.ReportedUpdateFull, properties)
}

// PatchReportedProperties durably queues a merge patch of the reported
// properties. Null members remove the corresponding properties.
func (c *Client) PatchReportedProperties(ctx context.Context, patch []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.twin.EnqueueReportedUpdate(ctx, store.ReportedUpdatePatch, patch)
}

// PendingReportedPropertiesUpdates reports whether any queued reported
// properties update has not been confirmed by the broker yet.
func (c *Client) PendingReportedPropertiesUpdates(ctx context.Context) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	return c.twin.PendingReportedUpdates(ctx)
}

// CloudToDeviceMessage is a command sent by the platform to this device. It
// stays stored until Ack is called, so an unprocessed message survives a
// restart.
type CloudToDeviceMessage struct {
	Content    []byte
	Properties map[string]string

	ack func() error
}

// Ack removes the message from the local store. Call it once the message has
// been processed; skipping it redelivers the message after a restart.
func (m *CloudToDeviceMessage) Ack() error {
	return m.ack()
}

// ReceiveCloudToDevice returns the next cloud-to-device message, blocking
// until one arrives or ctx is done.
func (c *Client) ReceiveCloudToDevice(ctx context.Context) (*CloudToDeviceMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	for {
		c.c2dMu.Lock()
		cursor := c.c2dCursor
		c.c2dMu.Unlock()

		stored, err := c.repo.NextCloudToDeviceAfter(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			c.c2dMu.Lock()
			if stored.ID > c.c2dCursor {
				c.c2dCursor = stored.ID
			}
			c.c2dMu.Unlock()

			msg := &CloudToDeviceMessage{
				Content:    stored.Content,
				Properties: make(map[string]string, len(stored.Properties)),
				ack: func() error {
					return c.repo.RemoveCloudToDevice(context.Background(), stored.ID)
				},
			}
			for _, p := range stored.Properties {
				msg.Properties[p.Key] = p.Value
			}
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.repo.CloudToDeviceWake():
		}
	}
}

// PendingCloudToDevice returns the number of stored cloud-to-device
// messages that have not been acknowledged.
func (c *Client) PendingCloudToDevice(ctx context.Context) (int64, error) {
	return c.repo.CloudToDeviceCount(ctx)
}

// DeviceID returns the identity assigned by the platform.
func (c *Client) DeviceID() string { return c.deviceID }

// WorkspaceID returns the workspace the device belongs to.
func (c *Client) WorkspaceID() string { return c.workspaceID }

// LastError returns the most recent unrecoverable background error, such as
// credentials expiring while offline. Nil while everything works.
func (c *Client) LastError() error {
	return c.tokens.Err()
}

// SetLogLevel adjusts the log level of the client's default logger at
// runtime.
func (c *Client) SetLogLevel(level slog.Level) {
	c.level.Set(level)
}

// Close stops accepting new work, gives in-flight sends a short grace
// period and shuts down all workers. Queued data stays on disk and is
// delivered by the next Open.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	grace, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitEnqueuedMessagesSent(grace); err != nil {
		c.log.Debug("closing with messages still queued")
	}
	c.cancel()
	if c.sessionDone != nil {
		// The broker dial can block for its full handshake timeout, so the
		// join is bounded rather than open-ended.
		select {
		case <-c.sessionDone:
		case <-time.After(5 * time.Second):
			c.log.Warn("session did not shut down in time")
		}
	}
	return c.repo.Close()
}

// blobUploader adapts the platform upload flow to the pipeline, attaching
// the current broker credential to each upload.
type blobUploader struct {
	uploader *cloud.BlobUploader
	tokens   *provision.TokenHandler
}

func (u *blobUploader) Upload(ctx context.Context, blobName string, payload []byte) (string, error) {
	creds, ok := u.tokens.Credentials()
	if !ok {
		return "", errors.New("broker credentials not available yet")
	}
	apiBase := "https://" + creds.BrokerHostName + "/devices/" + creds.DeviceID
	if _, err := u.uploader.Upload(ctx, apiBase, creds.SharedAccessSignature, blobName, payload); err != nil {
		return "", err
	}
	return blobName, nil
}

func (c *Client) storeCloudToDevice(properties map[string]string, payload []byte) {
	msg := &store.CloudToDeviceMessage{Content: payload}
	for key, value := range properties {
		msg.Properties = append(msg.Properties, store.CloudToDeviceProperty{Key: key, Value: value})
	}
	if err := c.repo.InsertCloudToDevice(context.Background(), msg); err != nil {
		c.log.Error("could not store cloud-to-device message", "error", err)
	}
}
