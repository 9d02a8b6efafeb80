package cloud

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotApproved is returned while a provisioning operation is still
	// waiting for an operator to approve it.
	ErrNotApproved = errors.New("provisioning operation not yet approved")
	// ErrInvalidProvisioningToken means the platform rejected the configured
	// provisioning token. Not recoverable by retrying.
	ErrInvalidProvisioningToken = errors.New("provisioning token rejected")
	// ErrInvalidRegistrationToken means the stored registration token is no
	// longer accepted and the device must provision again.
	ErrInvalidRegistrationToken = errors.New("registration token rejected")
	// ErrWorkspaceDisabled means the workspace the device belongs to has been
	// disabled by an administrator.
	ErrWorkspaceDisabled = errors.New("workspace is disabled")
)

// OperationClosedError is returned when a provisioning operation can no
// longer be completed. A cancelled operation is fatal, an expired one can be
// replaced by starting a new operation.
type OperationClosedError struct {
	Cancelled bool
	Detail    string
}

func (e *OperationClosedError) Error() string {
	if e.Cancelled {
		return "provisioning operation cancelled: " + e.Detail
	}
	return "provisioning operation expired: " + e.Detail
}

// apiError is any non-success HTTP status that does not map to a sentinel.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("platform returned status %d: %s", e.status, e.body)
}

// IsTransient reports whether an error is worth retrying later: network
// failures and server-side errors. Sentinel rejections are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var api *apiError
	if errors.As(err, &api) {
		return api.status >= 500 || api.status == 429
	}
	if errors.Is(err, ErrNotApproved) ||
		errors.Is(err, ErrInvalidProvisioningToken) ||
		errors.Is(err, ErrInvalidRegistrationToken) ||
		errors.Is(err, ErrWorkspaceDisabled) {
		return false
	}
	var closed *OperationClosedError
	if errors.As(err, &closed) {
		return false
	}
	// Anything else made it neither to a decodable response nor to a
	// sentinel, which in practice means the network or TLS layer failed.
	return true
}

// ProvisioningOperation describes a pending operation the operator has to
// approve, typically by entering the verification code in the platform UI.
type ProvisioningOperation struct {
	ID               string     `json:"provisioningOperationId"`
	VerificationCode string     `json:"verificationCode"`
	ExpirationTime   *time.Time `json:"expirationTime,omitempty"`
}

// RegistrationToken is the long-lived credential a device exchanges for
// broker access. A nil expiration means the token does not expire.
type RegistrationToken struct {
	Token      string     `json:"registrationToken"`
	Expiration *time.Time `json:"expirationTime,omitempty"`
}

// Registration holds everything needed to open a broker connection.
type Registration struct {
	ConnectionString string     `json:"connectionString"`
	BrokerHostName   string     `json:"brokerHostName"`
	Expiration       *time.Time `json:"connectionStringExpiration,omitempty"`
	// TokenLifetimeSeconds is the remaining lifetime as measured by the
	// platform clock, used to discount local clock skew.
	TokenLifetimeSeconds *float64 `json:"tokenRemainingLifetime,omitempty"`

	// Parsed out of ConnectionString by the client.
	WorkspaceID           string `json:"-"`
	DeviceID              string `json:"-"`
	SharedAccessSignature string `json:"-"`
}

// parseConnectionString splits the registration connection string into its
// device identity and broker password.
func parseConnectionString(s string) (workspaceID, deviceID, sas string, err error) {
	var clientID string
	for _, seg := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		switch key {
		case "DeviceId":
			clientID = value
		case "SharedAccessSignature":
			// The signature itself contains '=' characters, keep the rest.
			sas = seg[len("SharedAccessSignature="):]
		}
	}
	if clientID == "" || sas == "" {
		return "", "", "", fmt.Errorf("malformed connection string %q", s)
	}
	workspaceID, deviceID, ok := strings.Cut(clientID, ":")
	if !ok {
		return "", "", "", fmt.Errorf("malformed device identity %q", clientID)
	}
	return workspaceID, deviceID, sas, nil
}
