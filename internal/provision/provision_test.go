package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mladedav/device-sdk/internal/cloud"
	"github.com/mladedav/device-sdk/internal/store"
)

// fakeControlPlane scripts the platform side of the workflow.
type fakeControlPlane struct {
	mu sync.Mutex

	initCalls     int
	completeCalls int
	registerCalls int
	refreshCalls  int

	initErr      error
	completeFn   func(call int) (*cloud.RegistrationToken, error)
	registerFn   func(call int, token string) (*cloud.Registration, error)
	refreshFn    func(call int, token string) (*cloud.RegistrationToken, error)
	lastRegToken string
}

func (f *fakeControlPlane) InitProvisioning(ctx context.Context, token string, requestedDeviceID *string) (*cloud.ProvisioningOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &cloud.ProvisioningOperation{ID: "op-1", VerificationCode: "CODE"}, nil
}

func (f *fakeControlPlane) CompleteProvisioning(ctx context.Context, token, operationID string) (*cloud.RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeFn != nil {
		return f.completeFn(f.completeCalls)
	}
	return nil, cloud.ErrNotApproved
}

func (f *fakeControlPlane) Register(ctx context.Context, token string) (*cloud.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.lastRegToken = token
	if f.registerFn != nil {
		return f.registerFn(f.registerCalls, token)
	}
	return defaultRegistration(), nil
}

func (f *fakeControlPlane) RefreshRegistrationToken(ctx context.Context, token string) (*cloud.RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshFn != nil {
		return f.refreshFn(f.refreshCalls, token)
	}
	return &cloud.RegistrationToken{Token: "rt-refreshed"}, nil
}

func defaultRegistration() *cloud.Registration {
	exp := time.Now().Add(time.Hour)
	lifetime := float64(24 * 3600)
	return &cloud.Registration{
		ConnectionString:      "DeviceId=ws-1:dev-1;SharedAccessSignature=sig",
		BrokerHostName:        "broker.example.test",
		Expiration:            &exp,
		TokenLifetimeSeconds:  &lifetime,
		WorkspaceID:           "ws-1",
		DeviceID:              "dev-1",
		SharedAccessSignature: "sig",
	}
}

type noopDisplay struct{ ops int }

func (d *noopDisplay) Display(op *cloud.ProvisioningOperation) { d.ops++ }

func newTestProvisioner(api ControlPlane) (*Provisioner, *noopDisplay) {
	d := &noopDisplay{}
	p := NewProvisioner(api, d, nil)
	p.pollInterval = time.Millisecond
	return p, d
}

func TestProvisionApprovedAfterPolling(t *testing.T) {
	api := &fakeControlPlane{
		completeFn: func(call int) (*cloud.RegistrationToken, error) {
			if call < 3 {
				return nil, cloud.ErrNotApproved
			}
			return &cloud.RegistrationToken{Token: "rt-1"}, nil
		},
	}
	p, display := newTestProvisioner(api)

	state, err := p.EnsureRegistered(context.Background(), Request{ProvisioningToken: "pt"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if state.RegistrationToken.Token != "rt-1" {
		t.Fatalf("unexpected token %q", state.RegistrationToken.Token)
	}
	if state.Registration == nil || state.Registration.DeviceID != "dev-1" {
		t.Fatalf("expected registration, got %+v", state.Registration)
	}
	if api.completeCalls != 3 {
		t.Fatalf("expected 3 completion polls, got %d", api.completeCalls)
	}
	if display.ops != 1 {
		t.Fatalf("expected operation displayed once, got %d", display.ops)
	}
}

func TestProvisionNeverApprovedStopsOnContext(t *testing.T) {
	api := &fakeControlPlane{}
	p, _ := newTestProvisioner(api)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.EnsureRegistered(ctx, Request{ProvisioningToken: "pt"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if api.completeCalls < 2 {
		t.Fatalf("expected repeated polling, got %d calls", api.completeCalls)
	}
}

func TestProvisionCancelledIsFatal(t *testing.T) {
	api := &fakeControlPlane{
		completeFn: func(call int) (*cloud.RegistrationToken, error) {
			return nil, &cloud.OperationClosedError{Cancelled: true, Detail: "rejected"}
		},
	}
	p, _ := newTestProvisioner(api)

	_, err := p.EnsureRegistered(context.Background(), Request{ProvisioningToken: "pt"})
	if !errors.Is(err, ErrOperationCancelled) {
		t.Fatalf("expected ErrOperationCancelled, got %v", err)
	}
}

func TestProvisionExpiredOperationStartsNew(t *testing.T) {
	api := &fakeControlPlane{
		completeFn: func(call int) (*cloud.RegistrationToken, error) {
			if call == 1 {
				return nil, &cloud.OperationClosedError{Cancelled: false}
			}
			return &cloud.RegistrationToken{Token: "rt-2"}, nil
		},
	}
	p, display := newTestProvisioner(api)

	state, err := p.EnsureRegistered(context.Background(), Request{ProvisioningToken: "pt"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if state.RegistrationToken.Token != "rt-2" {
		t.Fatalf("unexpected token %q", state.RegistrationToken.Token)
	}
	if api.initCalls != 2 || display.ops != 2 {
		t.Fatalf("expected a second operation, got init=%d displays=%d", api.initCalls, display.ops)
	}
}

func TestProvisionInvalidTokenIsFatal(t *testing.T) {
	api := &fakeControlPlane{initErr: cloud.ErrInvalidProvisioningToken}
	p, _ := newTestProvisioner(api)

	_, err := p.EnsureRegistered(context.Background(), Request{ProvisioningToken: "bad"})
	if !errors.Is(err, cloud.ErrInvalidProvisioningToken) {
		t.Fatalf("expected ErrInvalidProvisioningToken, got %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestReuseStoredToken(t *testing.T) {
	api := &fakeControlPlane{}
	p, _ := newTestProvisioner(api)

	state, err := p.EnsureRegistered(context.Background(), Request{
		ProvisioningToken: "pt",
		Stored: store.ConfigurationFragment{
			ProvisioningToken: strPtr("pt"),
			RegistrationToken: strPtr("rt-stored"),
		},
	})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if state.RegistrationToken.Token != "rt-stored" {
		t.Fatalf("expected stored token reused, got %q", state.RegistrationToken.Token)
	}
	if api.initCalls != 0 || api.completeCalls != 0 {
		t.Fatal("expected no provisioning round")
	}
	if api.lastRegToken != "rt-stored" {
		t.Fatalf("expected validation register with stored token, got %q", api.lastRegToken)
	}
}

func TestReuseSkippedWhenProvisioningTokenChanged(t *testing.T) {
	api := &fakeControlPlane{
		completeFn: func(call int) (*cloud.RegistrationToken, error) {
			return &cloud.RegistrationToken{Token: "rt-new"}, nil
		},
	}
	p, _ := newTestProvisioner(api)

	state, err := p.EnsureRegistered(context.Background(), Request{
		ProvisioningToken: "pt-new",
		Stored: store.ConfigurationFragment{
			ProvisioningToken: strPtr("pt-old"),
			RegistrationToken: strPtr("rt-stored"),
		},
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if state.RegistrationToken.Token != "rt-new" {
		t.Fatalf("expected fresh token, got %q", state.RegistrationToken.Token)
	}
}

func TestReuseSkippedWhenExpired(t *testing.T) {
	api := &fakeControlPlane{
		completeFn: func(call int) (*cloud.RegistrationToken, error) {
			return &cloud.RegistrationToken{Token: "rt-new"}, nil
		},
	}
	p, _ := newTestProvisioner(api)

	past := time.Now().Add(-time.Minute)
	state, err := p.EnsureRegistered(context.Background(), Request{
		ProvisioningToken: "pt",
		Stored: store.ConfigurationFragment{
			ProvisioningToken: strPtr("pt"),
			RegistrationToken: strPtr("rt-stored"),
			RTExpiration:      &past,
		},
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if state.RegistrationToken.Token != "rt-new" {
		t.Fatalf("expected fresh token, got %q", state.RegistrationToken.Token)
	}
}

func TestReuseSkippedWhenRegisterRejects(t *testing.T) {
	api := &fakeControlPlane{
		registerFn: func(call int, token string) (*cloud.Registration, error) {
			if token == "rt-stored" {
				return nil, cloud.ErrInvalidRegistrationToken
			}
			return defaultRegistration(), nil
		},
		completeFn: func(call int) (*cloud.RegistrationToken, error) {
			return &cloud.RegistrationToken{Token: "rt-new"}, nil
		},
	}
	p, _ := newTestProvisioner(api)

	state, err := p.EnsureRegistered(context.Background(), Request{
		ProvisioningToken: "pt",
		Stored: store.ConfigurationFragment{
			ProvisioningToken: strPtr("pt"),
			RegistrationToken: strPtr("rt-stored"),
		},
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if state.RegistrationToken.Token != "rt-new" {
		t.Fatalf("expected fresh token, got %q", state.RegistrationToken.Token)
	}
}

func TestReuseToleratesTransientValidationFailure(t *testing.T) {
	api := &fakeControlPlane{
		registerFn: func(call int, token string) (*cloud.Registration, error) {
			return nil, errors.New("connection refused")
		},
	}
	p, _ := newTestProvisioner(api)

	state, err := p.EnsureRegistered(context.Background(), Request{
		ProvisioningToken: "pt",
		Stored: store.ConfigurationFragment{
			ProvisioningToken: strPtr("pt"),
			RegistrationToken: strPtr("rt-stored"),
		},
	})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if state.RegistrationToken.Token != "rt-stored" {
		t.Fatalf("expected stored token assumed valid, got %q", state.RegistrationToken.Token)
	}
	if state.Registration != nil {
		t.Fatal("expected no registration when validation could not complete")
	}
}
