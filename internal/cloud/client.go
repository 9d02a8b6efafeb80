// Package cloud implements the device-facing HTTP contract of the platform:
// provisioning operations, device registration, registration token refresh
// and payload offloading to blob storage.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the platform control plane. It is stateless; tokens are
// passed per call so the provisioning flow and the token handler can share
// one instance.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(instanceURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(instanceURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// InitProvisioning starts a new provisioning operation. requestedDeviceID may
// be nil, in which case the platform assigns an identity on approval.
func (c *Client) InitProvisioning(ctx context.Context, provisioningToken string, requestedDeviceID *string) (*ProvisioningOperation, error) {
	body := struct {
		DeviceID *string `json:"deviceId,omitempty"`
	}{DeviceID: requestedDeviceID}

	var op ProvisioningOperation
	err := c.do(ctx, http.MethodPost, "/provisioning-operations/init", provisioningToken, body, &op,
		func(status int, respBody []byte) error {
			switch status {
			case http.StatusUnauthorized, http.StatusForbidden:
				return ErrInvalidProvisioningToken
			case http.StatusLocked:
				return ErrWorkspaceDisabled
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("init provisioning operation: %w", err)
	}
	return &op, nil
}

// CompleteProvisioning exchanges an approved provisioning operation for a
// registration token. While the operation is pending it returns
// ErrNotApproved; once the platform has closed the operation it returns an
// OperationClosedError.
func (c *Client) CompleteProvisioning(ctx context.Context, provisioningToken, operationID string) (*RegistrationToken, error) {
	body := struct {
		OperationID string `json:"provisioningOperationId"`
	}{OperationID: operationID}

	var token RegistrationToken
	err := c.do(ctx, http.MethodPut, "/provisioning-operations/complete", provisioningToken, body, &token,
		func(status int, respBody []byte) error {
			switch status {
			case http.StatusAccepted:
				return ErrNotApproved
			case http.StatusGone:
				return operationClosed(respBody)
			case http.StatusUnauthorized, http.StatusForbidden:
				return ErrInvalidProvisioningToken
			case http.StatusLocked:
				return ErrWorkspaceDisabled
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("complete provisioning operation: %w", err)
	}
	return &token, nil
}

// Register exchanges a registration token for broker credentials.
func (c *Client) Register(ctx context.Context, registrationToken string) (*Registration, error) {
	body := struct {
		Type string `json:"connectionStringType"`
	}{Type: "SharedAccessSignature"}

	var reg Registration
	err := c.do(ctx, http.MethodPut, "/devices/register", registrationToken, body, &reg,
		func(status int, respBody []byte) error {
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				return ErrInvalidRegistrationToken
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	reg.WorkspaceID, reg.DeviceID, reg.SharedAccessSignature, err = parseConnectionString(reg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &reg, nil
}

// RefreshRegistrationToken trades a still-valid registration token for a new
// one with a fresh expiration.
func (c *Client) RefreshRegistrationToken(ctx context.Context, registrationToken string) (*RegistrationToken, error) {
	body := struct {
		Token string `json:"registrationToken"`
	}{Token: registrationToken}

	var token RegistrationToken
	err := c.do(ctx, http.MethodPut, "/devices/registration-tokens/refresh", registrationToken, body, &token,
		func(status int, respBody []byte) error {
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				return ErrInvalidRegistrationToken
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("refresh registration token: %w", err)
	}
	return &token, nil
}

// do executes one JSON request. classify maps an unexpected status code onto
// a sentinel; statuses it leaves unmapped become a generic apiError.
func (c *Client) do(ctx context.Context, method, path, token string, reqBody, respOut any, classify func(status int, body []byte) error) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if classify != nil {
			if serr := classify(resp.StatusCode, respBody); serr != nil {
				return serr
			}
		}
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	if respOut == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, respOut); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func operationClosed(body []byte) error {
	var details struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	// Problem details are best effort, an undecodable body still closes the
	// operation as expired so provisioning starts over.
	_ = json.Unmarshal(body, &details)
	return &OperationClosedError{
		Cancelled: details.Code == "provisioning-operation-cancelled",
		Detail:    details.Detail,
	}
}
