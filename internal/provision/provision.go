// Package provision drives the device through the approval workflow that
// turns a provisioning token into a registration token, and keeps both the
// registration token and the broker credential fresh afterwards.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mladedav/device-sdk/internal/cloud"
	"github.com/mladedav/device-sdk/internal/store"
)

// ErrOperationCancelled means an operator explicitly rejected the
// provisioning operation. The device must not retry.
var ErrOperationCancelled = errors.New("provisioning operation cancelled by operator")

// ControlPlane is the subset of the platform API the provisioning flow and
// the token handler use.
type ControlPlane interface {
	InitProvisioning(ctx context.Context, provisioningToken string, requestedDeviceID *string) (*cloud.ProvisioningOperation, error)
	CompleteProvisioning(ctx context.Context, provisioningToken, operationID string) (*cloud.RegistrationToken, error)
	Register(ctx context.Context, registrationToken string) (*cloud.Registration, error)
	RefreshRegistrationToken(ctx context.Context, registrationToken string) (*cloud.RegistrationToken, error)
}

// OperationDisplay presents a pending provisioning operation to whoever can
// approve it.
type OperationDisplay interface {
	Display(op *cloud.ProvisioningOperation)
}

// StdoutDisplay is the default display: it prints the operation to stdout so
// an operator at the device console can read the verification code.
type StdoutDisplay struct{}

func (StdoutDisplay) Display(op *cloud.ProvisioningOperation) {
	fmt.Printf("Provisioning operation initialized, waiting for approval.\n")
	fmt.Printf("  Operation ID:      %s\n", op.ID)
	fmt.Printf("  Verification code: %s\n", op.VerificationCode)
}

// Request carries everything EnsureRegistered needs to decide between
// reusing stored credentials and provisioning from scratch.
type Request struct {
	ProvisioningToken string
	RequestedDeviceID *string
	Stored            store.ConfigurationFragment
}

// State is the outcome of EnsureRegistered. Registration is non-nil when a
// register call succeeded along the way; otherwise the token handler performs
// the initial registration itself.
type State struct {
	RegistrationToken cloud.RegistrationToken
	Registration      *cloud.Registration
}

// Provisioner runs the approval workflow against the control plane.
type Provisioner struct {
	api          ControlPlane
	display      OperationDisplay
	log          *slog.Logger
	pollInterval time.Duration
}

func NewProvisioner(api ControlPlane, display OperationDisplay, log *slog.Logger) *Provisioner {
	if display == nil {
		display = StdoutDisplay{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		api:          api,
		display:      display,
		log:          log,
		pollInterval: 5 * time.Second,
	}
}

// EnsureRegistered returns a usable registration token, reusing the stored
// one when it still matches the configuration and has not expired, and
// walking the full approval workflow otherwise. Transient platform errors
// are retried indefinitely; the caller bounds the wait through ctx.
func (p *Provisioner) EnsureRegistered(ctx context.Context, req Request) (*State, error) {
	if state, ok := p.tryReuse(ctx, req); ok {
		return state, nil
	}
	return p.provision(ctx, req)
}

// tryReuse checks whether the stored registration token can serve instead of
// a new provisioning round. The stored token is only considered when it was
// obtained with the same provisioning token and requested device identity.
func (p *Provisioner) tryReuse(ctx context.Context, req Request) (*State, bool) {
	stored := req.Stored
	if stored.RegistrationToken == nil || stored.ProvisioningToken == nil {
		return nil, false
	}
	if *stored.ProvisioningToken != req.ProvisioningToken {
		p.log.Info("provisioning token changed, provisioning again")
		return nil, false
	}
	if !ptrEqual(stored.RequestedDeviceID, req.RequestedDeviceID) {
		p.log.Info("requested device id changed, provisioning again")
		return nil, false
	}
	if stored.RTExpiration != nil && !stored.RTExpiration.After(time.Now()) {
		p.log.Info("stored registration token expired, provisioning again")
		return nil, false
	}

	// Best effort validation. A transient failure does not invalidate the
	// token, the token handler keeps retrying registration later.
	reg, err := p.api.Register(ctx, *stored.RegistrationToken)
	switch {
	case err == nil:
		p.log.Debug("reusing stored registration token", "device_id", reg.DeviceID)
	case errors.Is(err, cloud.ErrInvalidRegistrationToken):
		p.log.Info("stored registration token rejected, provisioning again")
		return nil, false
	default:
		p.log.Warn("could not validate stored registration token, assuming valid", "error", err)
		reg = nil
	}
	return &State{
		RegistrationToken: cloud.RegistrationToken{
			Token:      *stored.RegistrationToken,
			Expiration: stored.RTExpiration,
		},
		Registration: reg,
	}, true
}

func (p *Provisioner) provision(ctx context.Context, req Request) (*State, error) {
	for {
		op, err := p.initOperation(ctx, req)
		if err != nil {
			return nil, err
		}
		p.display.Display(op)

		token, err := p.awaitApproval(ctx, req, op)
		if err != nil {
			var closed *cloud.OperationClosedError
			if errors.As(err, &closed) && !closed.Cancelled {
				p.log.Info("provisioning operation expired, starting a new one",
					"operation_id", op.ID)
				continue
			}
			return nil, err
		}

		reg, err := p.register(ctx, token.Token)
		if err != nil {
			return nil, err
		}
		return &State{RegistrationToken: *token, Registration: reg}, nil
	}
}

func (p *Provisioner) initOperation(ctx context.Context, req Request) (*cloud.ProvisioningOperation, error) {
	for {
		op, err := p.api.InitProvisioning(ctx, req.ProvisioningToken, req.RequestedDeviceID)
		if err == nil {
			return op, nil
		}
		if !cloud.IsTransient(err) {
			return nil, err
		}
		p.log.Warn("could not start provisioning operation, retrying", "error", err)
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (p *Provisioner) awaitApproval(ctx context.Context, req Request, op *cloud.ProvisioningOperation) (*cloud.RegistrationToken, error) {
	for {
		token, err := p.api.CompleteProvisioning(ctx, req.ProvisioningToken, op.ID)
		switch {
		case err == nil:
			p.log.Info("provisioning operation approved", "operation_id", op.ID)
			return token, nil
		case errors.Is(err, cloud.ErrNotApproved):
			p.log.Debug("provisioning operation still waiting for approval",
				"operation_id", op.ID)
		case cloud.IsTransient(err):
			p.log.Warn("could not poll provisioning operation, retrying", "error", err)
		default:
			var closed *cloud.OperationClosedError
			if errors.As(err, &closed) && closed.Cancelled {
				return nil, fmt.Errorf("%w: %s", ErrOperationCancelled, closed.Detail)
			}
			return nil, err
		}
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (p *Provisioner) register(ctx context.Context, registrationToken string) (*cloud.Registration, error) {
	for {
		reg, err := p.api.Register(ctx, registrationToken)
		if err == nil {
			return reg, nil
		}
		if !cloud.IsTransient(err) {
			return nil, err
		}
		p.log.Warn("initial registration failed, retrying", "error", err)
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return nil, err
		}
	}
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
