package provision

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mladedav/device-sdk/internal/cloud"
)

// ErrCredentialsExpired means the registration token expired while the
// device could not reach the platform. Recovery requires a restart with a
// valid provisioning token.
var ErrCredentialsExpired = errors.New("registration token expired and could not be refreshed")

// Credentials is a snapshot of everything needed to open a broker
// connection. Snapshots are immutable; a new registration produces a new
// snapshot with a higher generation.
type Credentials struct {
	WorkspaceID           string
	DeviceID              string
	BrokerHostName        string
	SharedAccessSignature string
	Expiration            time.Time
	Generation            uint64
}

// configStore is the slice of the persistent store the token handler writes
// through.
type configStore interface {
	SaveRegistrationToken(ctx context.Context, token string, expiration *time.Time) error
	SaveDeviceID(ctx context.Context, deviceID string) error
	SaveWorkspaceID(ctx context.Context, workspaceID string) error
}

// TokenHandler owns credential freshness. It registers on startup, watches
// both the broker credential and the registration token for expiry, and
// refreshes them on a periodic check or on demand.
type TokenHandler struct {
	api   ControlPlane
	store configStore
	log   *slog.Logger

	provisioningToken string

	mu       sync.RWMutex
	regToken cloud.RegistrationToken
	creds    *Credentials
	changed  chan struct{}
	lastErr  error
	fatal    bool

	refreshCreds chan struct{}
	refreshToken chan struct{}

	tickInterval time.Duration
	failurePause time.Duration
}

// NewTokenHandler prepares a handler from the provisioning outcome. Run must
// be called to start the refresh loop.
func NewTokenHandler(api ControlPlane, store configStore, log *slog.Logger, provisioningToken string, state *State) *TokenHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &TokenHandler{
		api:               api,
		store:             store,
		log:               log,
		provisioningToken: provisioningToken,
		changed:           make(chan struct{}),
		refreshCreds:      make(chan struct{}, 1),
		refreshToken:      make(chan struct{}, 1),
		tickInterval:      time.Minute,
		failurePause:      30 * time.Second,
	}
	// The stored expiration is treated as unknown rather than authoritative.
	// The startup registration reports the remaining lifetime and overwrites
	// it with a clock-skew discounted value.
	h.regToken = cloud.RegistrationToken{Token: state.RegistrationToken.Token}
	return h
}

// Run performs the startup registration and then keeps both tokens fresh
// until ctx is cancelled. It is meant to run on its own goroutine.
func (h *TokenHandler) Run(ctx context.Context, initial *cloud.Registration) {
	reg := initial
	for {
		if reg == nil {
			var err error
			reg, err = h.api.Register(ctx, h.token())
			if err != nil {
				if h.fatalRegisterError(err) {
					return
				}
				h.log.Warn("startup registration failed, retrying",
					"pause", h.failurePause, "error", err)
				if sleepCtx(ctx, h.failurePause) != nil {
					return
				}
				continue
			}
		}
		if err := h.applyRegistration(ctx, reg); err != nil {
			h.log.Warn("could not persist registration, retrying", "error", err)
			if sleepCtx(ctx, h.failurePause) != nil {
				return
			}
			reg = nil
			continue
		}
		break
	}

	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()
	for {
		h.enqueueDueRefreshes()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.refreshCreds:
			h.handleCredentialRefresh(ctx)
		case <-h.refreshToken:
			h.handleTokenRefresh(ctx)
		}
	}
}

// Credentials returns the current snapshot, or false before the startup
// registration has completed.
func (h *TokenHandler) Credentials() (Credentials, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.creds == nil {
		return Credentials{}, false
	}
	return *h.creds, true
}

// Changed returns a channel closed when the next credential snapshot is
// published. Callers re-fetch Credentials and re-arm.
func (h *TokenHandler) Changed() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.changed
}

// Err reports the last unrecoverable credential failure, if any.
func (h *TokenHandler) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// RequestCredentialRefresh asks for a new broker credential, typically after
// the broker rejected the current one. Coalesced.
func (h *TokenHandler) RequestCredentialRefresh() {
	select {
	case h.refreshCreds <- struct{}{}:
	default:
	}
}

// RequestTokenRefresh asks for a registration token refresh. Coalesced.
func (h *TokenHandler) RequestTokenRefresh() {
	select {
	case h.refreshToken <- struct{}{}:
	default:
	}
}

func (h *TokenHandler) isFatal() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fatal
}

func (h *TokenHandler) token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.regToken.Token
}

func (h *TokenHandler) enqueueDueRefreshes() {
	h.mu.RLock()
	// After a fatal rejection every further attempt fails the same way, so
	// the expired credential must not keep re-queueing refreshes.
	if h.fatal {
		h.mu.RUnlock()
		return
	}
	credsDue := h.creds != nil && !h.creds.Expiration.After(time.Now())
	tokenDue := h.regToken.Expiration != nil && !h.regToken.Expiration.After(time.Now())
	h.mu.RUnlock()
	if credsDue {
		h.RequestCredentialRefresh()
	}
	if tokenDue {
		h.RequestTokenRefresh()
	}
}

func (h *TokenHandler) handleCredentialRefresh(ctx context.Context) {
	if h.isFatal() {
		return
	}
	h.log.Info("refreshing broker credential")
	reg, err := h.api.Register(ctx, h.token())
	if err != nil {
		if h.fatalRegisterError(err) {
			return
		}
		h.log.Warn("broker credential refresh failed", "pause", h.failurePause, "error", err)
		_ = sleepCtx(ctx, h.failurePause)
		h.RequestCredentialRefresh()
		return
	}
	if err := h.applyRegistration(ctx, reg); err != nil {
		h.log.Warn("could not persist refreshed registration", "error", err)
		_ = sleepCtx(ctx, h.failurePause)
		h.RequestCredentialRefresh()
		return
	}
	h.log.Info("broker credential refreshed")
}

func (h *TokenHandler) handleTokenRefresh(ctx context.Context) {
	if h.isFatal() {
		return
	}
	h.log.Info("refreshing registration token")
	refreshed, err := h.api.RefreshRegistrationToken(ctx, h.token())
	if err != nil {
		if h.fatalRegisterError(err) {
			return
		}
		h.log.Warn("registration token refresh failed", "pause", h.failurePause, "error", err)
		_ = sleepCtx(ctx, h.failurePause)
		h.RequestTokenRefresh()
		return
	}

	expiration := refreshed.Expiration
	if expiration != nil {
		e := expectClockskew(time.Now(), *expiration)
		expiration = &e
	}
	h.mu.Lock()
	h.regToken = cloud.RegistrationToken{Token: refreshed.Token, Expiration: expiration}
	h.lastErr = nil
	h.mu.Unlock()

	if err := h.store.SaveRegistrationToken(ctx, refreshed.Token, expiration); err != nil {
		h.log.Warn("could not persist refreshed registration token", "error", err)
	}
	h.log.Info("registration token refreshed")
}

// applyRegistration publishes a new credential snapshot and persists
// everything the registration reported.
func (h *TokenHandler) applyRegistration(ctx context.Context, reg *cloud.Registration) error {
	if reg.Expiration == nil {
		return errors.New("registration did not return a credential expiration")
	}

	// The platform reports the token lifetime by its own clock, which is the
	// only one both sides can agree on.
	var tokenExpiration *time.Time
	if reg.TokenLifetimeSeconds != nil {
		now := time.Now()
		nominal := now.Add(time.Duration(*reg.TokenLifetimeSeconds * float64(time.Second)))
		e := expectClockskew(now, nominal)
		tokenExpiration = &e
	}

	h.mu.Lock()
	h.regToken.Expiration = tokenExpiration
	gen := uint64(1)
	if h.creds != nil {
		gen = h.creds.Generation + 1
	}
	h.creds = &Credentials{
		WorkspaceID:           reg.WorkspaceID,
		DeviceID:              reg.DeviceID,
		BrokerHostName:        reg.BrokerHostName,
		SharedAccessSignature: reg.SharedAccessSignature,
		Expiration:            *reg.Expiration,
		Generation:            gen,
	}
	h.lastErr = nil
	changed := h.changed
	h.changed = make(chan struct{})
	token := h.regToken.Token
	h.mu.Unlock()
	close(changed)

	if err := h.store.SaveRegistrationToken(ctx, token, tokenExpiration); err != nil {
		return err
	}
	if err := h.store.SaveDeviceID(ctx, reg.DeviceID); err != nil {
		return err
	}
	if err := h.store.SaveWorkspaceID(ctx, reg.WorkspaceID); err != nil {
		return err
	}
	h.log.Info("registration done", "workspace_id", reg.WorkspaceID, "device_id", reg.DeviceID)
	return nil
}

// fatalRegisterError records an unrecoverable rejection. The refresh loop
// keeps running so Err stays observable, but it stops issuing further
// attempts: none can succeed without new provisioning.
func (h *TokenHandler) fatalRegisterError(err error) bool {
	if !errors.Is(err, cloud.ErrInvalidRegistrationToken) {
		return false
	}
	h.mu.Lock()
	h.lastErr = errors.Join(ErrCredentialsExpired, err)
	h.fatal = true
	h.mu.Unlock()
	h.log.Error("registration token no longer accepted, device must be provisioned again")
	return true
}

// expectClockskew discounts a token expiration so the device refreshes well
// before the platform stops accepting the token even when the local clock
// drifts. The remaining lifetime is halved; for long-lived tokens the result
// is additionally kept at least 10 minutes before the nominal expiry.
func expectClockskew(now, expiration time.Time) time.Time {
	remaining := expiration.Sub(now)
	discounted := expiration.Add(-remaining / 2)
	if remaining > 25*time.Minute {
		if capped := expiration.Add(-10 * time.Minute); capped.Before(discounted) {
			return capped
		}
	}
	return discounted
}
