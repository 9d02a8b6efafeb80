package devicesdk

import (
	"errors"

	"github.com/mladedav/device-sdk/internal/cloud"
	"github.com/mladedav/device-sdk/internal/provision"
)

var (
	// ErrOperationCancelled means an operator rejected the provisioning
	// operation. The device must not retry with the same token.
	ErrOperationCancelled = provision.ErrOperationCancelled
	// ErrInvalidProvisioningToken means the platform rejected the configured
	// provisioning token.
	ErrInvalidProvisioningToken = cloud.ErrInvalidProvisioningToken
	// ErrInvalidRegistrationToken means the stored registration token is no
	// longer accepted.
	ErrInvalidRegistrationToken = cloud.ErrInvalidRegistrationToken
	// ErrWorkspaceDisabled means the workspace was disabled by an
	// administrator.
	ErrWorkspaceDisabled = cloud.ErrWorkspaceDisabled
	// ErrCredentialsExpired means the registration token expired while the
	// device was offline and cannot be refreshed without provisioning again.
	ErrCredentialsExpired = provision.ErrCredentialsExpired

	// ErrPayloadTooLarge is returned synchronously when an enqueued payload
	// exceeds the hard size ceiling.
	ErrPayloadTooLarge = errors.New("message payload too large")
	// ErrClosed is returned by all operations after Close.
	ErrClosed = errors.New("client is closed")
)
