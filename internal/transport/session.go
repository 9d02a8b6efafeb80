// Package transport maintains the broker connection. It owns reconnects,
// credential rotation on auth failures and the routing of inbound topics to
// their single consumer each.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mladedav/device-sdk/internal/provision"
)

// ErrNotConnected is returned by publish operations while the session is
// between connections. Callers wait for the next Connected state and retry.
var ErrNotConnected = errors.New("broker session not connected")

// State of the broker connection, published to subscribers on every change.
type State int

const (
	Disconnected State = iota
	Connected
)

// CredentialSource supplies broker credentials and accepts refresh requests.
// Implemented by the token handler.
type CredentialSource interface {
	Credentials() (provision.Credentials, bool)
	Changed() <-chan struct{}
	RequestCredentialRefresh()
}

// Handlers routes each inbound topic class to its consumer. All handlers run
// on paho's router goroutine and must hand work off quickly.
type Handlers struct {
	DesiredPatch  func(version uint64, payload []byte)
	TwinResponse  func(status int, requestID string, version *uint64, payload []byte)
	CloudToDevice func(properties map[string]string, payload []byte)
	DirectMethod  func(name, requestID string, payload []byte)
}

// Session is one logical device connection that survives reconnects.
type Session struct {
	creds    CredentialSource
	handlers Handlers
	log      *slog.Logger

	// BrokerURL overrides the ssl://host:8883 target derived from the
	// credential, for tests against a local broker.
	BrokerURL string

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
	subs      []chan State
}

func NewSession(creds CredentialSource, handlers Handlers, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{creds: creds, handlers: handlers, log: log}
}

// StateChanges registers a new subscriber. The channel holds the most recent
// state only; intermediate flaps coalesce.
func (s *Session) StateChanges() <-chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) publishState(st State) {
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// Run connects and keeps the session alive until ctx is cancelled. Auth
// rejections trigger a credential refresh before the next attempt.
func (s *Session) Run(ctx context.Context) {
	for ctx.Err() == nil {
		lost, err := s.connect(ctx)
		if err != nil {
			return
		}
		s.publishState(Connected)

		select {
		case <-ctx.Done():
			s.disconnect()
			s.publishState(Disconnected)
			return
		case <-lost:
			s.log.Warn("broker connection lost, reconnecting")
			s.publishState(Disconnected)
		}
	}
}

// Publish sends one QoS 1 message and returns after the broker acknowledges
// it. ErrNotConnected while disconnected.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	client, connected := s.client, s.connected
	s.mu.Unlock()
	if client == nil || !connected {
		return ErrNotConnected
	}
	tok := client.Publish(topic, 1, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return err
		}
		return nil
	}
}

// PublishEvent publishes a device-to-cloud message with its properties
// already encoded into the topic suffix.
func (s *Session) PublishEvent(ctx context.Context, deviceID, encodedProperties string, payload []byte) error {
	return s.Publish(ctx, eventsTopic(deviceID, encodedProperties), payload)
}

// RequestTwin asks for the full twin document; the response arrives through
// the TwinResponse handler under the same request id.
func (s *Session) RequestTwin(ctx context.Context, requestID string) error {
	return s.Publish(ctx, twinGetTopic(requestID), nil)
}

// PublishReportedPatch sends a reported-properties merge patch.
func (s *Session) PublishReportedPatch(ctx context.Context, requestID string, patch []byte) error {
	return s.Publish(ctx, reportedPatchTopic(requestID), patch)
}

// PublishMethodResponse reports the outcome of a direct method invocation
// back to the caller waiting on the given request id.
func (s *Session) PublishMethodResponse(ctx context.Context, status int, requestID string, payload []byte) error {
	return s.Publish(ctx, methodResponseTopic(status, requestID), payload)
}

// newConnectBackoff doubles from 500 ms up to 30 s and never gives up;
// Run keeps reconnecting for the lifetime of the session.
func newConnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// connect retries with exponential backoff until a connection with fresh
// credentials is established. The returned channel closes when the
// connection is lost again.
func (s *Session) connect(ctx context.Context) (<-chan struct{}, error) {
	bo := newConnectBackoff()

	var lost chan struct{}
	err := backoff.Retry(func() error {
		creds, err := s.awaitCredentials(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		lost = make(chan struct{})
		client, err := s.dial(creds, lost)
		if err == nil {
			s.mu.Lock()
			s.client = client
			s.connected = true
			s.mu.Unlock()
			return nil
		}

		if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
			s.log.Warn("broker rejected credentials, requesting refresh")
			s.creds.RequestCredentialRefresh()
			s.awaitCredentialChange(ctx, creds.Generation)
		} else {
			s.log.Warn("broker connection attempt failed", "error", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return lost, nil
}

func (s *Session) dial(creds provision.Credentials, lost chan struct{}) (mqtt.Client, error) {
	clientID := creds.WorkspaceID + ":" + creds.DeviceID

	opts := mqtt.NewClientOptions()
	if s.BrokerURL != "" {
		opts.AddBroker(s.BrokerURL)
	} else {
		opts.AddBroker("ssl://" + creds.BrokerHostName + ":8883")
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(clientID)
	opts.SetUsername(brokerUsername(creds.BrokerHostName, clientID))
	opts.SetPassword(creds.SharedAccessSignature)
	opts.SetCleanSession(false)
	opts.SetKeepAlive(5 * time.Minute)
	opts.SetPingTimeout(10 * time.Second)
	// Reconnects go through Run so every attempt picks up fresh credentials.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	var lostOnce sync.Once
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warn("broker connection lost", "error", err)
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		lostOnce.Do(func() { close(lost) })
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if ok := tok.WaitTimeout(30 * time.Second); !ok {
		client.Disconnect(0)
		return nil, errors.New("broker connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	if err := s.subscribe(client, creds.DeviceID); err != nil {
		client.Disconnect(0)
		return nil, err
	}
	return client, nil
}

func (s *Session) subscribe(client mqtt.Client, deviceID string) error {
	subs := []struct {
		filter  string
		handler mqtt.MessageHandler
	}{
		{desiredPatchFilter, func(_ mqtt.Client, msg mqtt.Message) {
			version, err := parseDesiredVersion(msg.Topic())
			if err != nil {
				s.log.Warn("dropping desired properties update", "error", err)
				return
			}
			if s.handlers.DesiredPatch != nil {
				s.handlers.DesiredPatch(version, msg.Payload())
			}
		}},
		{twinResponseFilter, func(_ mqtt.Client, msg mqtt.Message) {
			resp, err := parseTwinResponseTopic(msg.Topic())
			if err != nil {
				s.log.Warn("dropping twin response", "error", err)
				return
			}
			if s.handlers.TwinResponse != nil {
				s.handlers.TwinResponse(resp.Status, resp.RequestID, resp.Version, msg.Payload())
			}
		}},
		{cloudToDeviceFilter(deviceID), func(_ mqtt.Client, msg mqtt.Message) {
			if s.handlers.CloudToDevice != nil {
				s.handlers.CloudToDevice(parseCloudToDeviceProperties(msg.Topic()), msg.Payload())
			}
		}},
		{methodPostFilter, func(_ mqtt.Client, msg mqtt.Message) {
			name, requestID, err := parseMethodTopic(msg.Topic())
			if err != nil {
				s.log.Warn("dropping method invocation", "error", err)
				return
			}
			if s.handlers.DirectMethod != nil {
				s.handlers.DirectMethod(name, requestID, msg.Payload())
			}
		}},
	}
	for _, sub := range subs {
		tok := client.Subscribe(sub.filter, 1, sub.handler)
		tok.Wait()
		if err := tok.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) awaitCredentials(ctx context.Context) (provision.Credentials, error) {
	for {
		changed := s.creds.Changed()
		if creds, ok := s.creds.Credentials(); ok {
			return creds, nil
		}
		select {
		case <-ctx.Done():
			return provision.Credentials{}, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Session) awaitCredentialChange(ctx context.Context, afterGeneration uint64) {
	for {
		changed := s.creds.Changed()
		if creds, ok := s.creds.Credentials(); ok && creds.Generation > afterGeneration {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-time.After(time.Minute):
			return
		}
	}
}

func (s *Session) disconnect() {
	s.mu.Lock()
	client := s.client
	s.connected = false
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(1000)
	}
}
