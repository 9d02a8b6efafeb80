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

// BlobUploader offloads payloads too large for the broker to blob storage.
// The flow has three legs: ask the platform for an upload slot, PUT the
// payload to the returned location and report the outcome back.
type BlobUploader struct {
	http *http.Client
	log  *slog.Logger
}

func NewBlobUploader(log *slog.Logger) *BlobUploader {
	if log == nil {
		log = slog.Default()
	}
	return &BlobUploader{
		http: &http.Client{Timeout: 5 * time.Minute},
		log:  log,
	}
}

type uploadSlot struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SasToken      string `json:"sasToken"`
}

// Upload stores payload under blobName and returns the blob URL to embed in
// the message published instead of the payload. apiBase is the device-scoped
// API root on the broker host; authorization is the device's current
// shared access signature.
func (u *BlobUploader) Upload(ctx context.Context, apiBase, authorization, blobName string, payload []byte) (string, error) {
	slot, err := u.requestSlot(ctx, apiBase, authorization, blobName)
	if err != nil {
		return "", fmt.Errorf("request upload slot: %w", err)
	}

	blobURL := blobBase(slot.HostName) + "/" + slot.ContainerName + "/" + slot.BlobName
	putErr := u.putBlob(ctx, blobURL+slot.SasToken, payload)

	if err := u.notify(ctx, apiBase, authorization, slot.CorrelationID, putErr); err != nil {
		u.log.Warn("upload completion notification failed", "blob", slot.BlobName, "error", err)
	}
	if putErr != nil {
		return "", fmt.Errorf("upload payload to blob storage: %w", putErr)
	}
	return blobURL, nil
}

func (u *BlobUploader) requestSlot(ctx context.Context, apiBase, authorization, blobName string) (*uploadSlot, error) {
	body, err := json.Marshal(struct {
		BlobName string `json:"blobName"`
	}{BlobName: blobName})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	resp, err := u.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	var slot uploadSlot
	if err := json.Unmarshal(respBody, &slot); err != nil {
		return nil, fmt.Errorf("decode upload slot: %w", err)
	}
	return &slot, nil
}

func (u *BlobUploader) putBlob(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.ContentLength = int64(len(payload))

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return nil
}

func (u *BlobUploader) notify(ctx context.Context, apiBase, authorization, correlationID string, uploadErr error) error {
	note := struct {
		CorrelationID     string `json:"correlationId"`
		IsSuccess         bool   `json:"isSuccess"`
		StatusCode        int    `json:"statusCode"`
		StatusDescription string `json:"statusDescription"`
	}{
		CorrelationID:     correlationID,
		IsSuccess:         uploadErr == nil,
		StatusCode:        200,
		StatusDescription: "payload uploaded",
	}
	if uploadErr != nil {
		note.StatusCode = 500
		note.StatusDescription = uploadErr.Error()
	}
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode}
	}
	return nil
}

// blobBase normalizes the host the platform hands out into a URL base. Test
// doubles return full URLs, the real platform a bare host name.
func blobBase(hostName string) string {
	if strings.Contains(hostName, "://") {
		return strings.TrimRight(hostName, "/")
	}
	return "https://" + hostName
}
