// Package remote provides the HTTP implementation of the remote API client.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/toole-brendan/handreceipt-sync/internal/models"
)

// HTTPClient is the REST implementation of Client against the HandReceipt
// server API.
type HTTPClient struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
}

// HTTPClientConfig holds HTTP client configuration.
type HTTPClientConfig struct {
	// RequestTimeout bounds each remote call; a timeout classifies as a
	// transient failure.
	RequestTimeout time.Duration
}

// DefaultHTTPClientConfig returns default HTTP client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// NewHTTPClient creates an HTTPClient for the given server base URL.
func NewHTTPClient(baseURL string, creds CredentialSource, config *HTTPClientConfig) *HTTPClient {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: config.RequestTimeout},
	}
}

// do executes one authenticated request and decodes the JSON response into
// out (when out is non-nil). Non-2xx statuses are classified via FromStatus;
// transport errors are transient.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Permanent(fmt.Sprintf("failed to build request: %v", err))
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return Transient(fmt.Sprintf("no credential available: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Transient(fmt.Sprintf("%s %s failed: %v", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return FromStatus(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, path, msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Permanent(fmt.Sprintf("failed to decode %s %s response: %v", method, path, err))
	}
	return nil
}

// doJSON marshals body as JSON and executes the request.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Permanent(fmt.Sprintf("failed to encode request body: %v", err))
		}
		reader = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, reader, "application/json", out)
}

// readErrorMessage extracts the server's error field, falling back to the
// raw body.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(data)
}

// CreateProperty implements Client.
func (c *HTTPClient) CreateProperty(ctx context.Context, p *models.CachedProperty) (*models.CachedProperty, error) {
	body := map[string]interface{}{
		"name":              p.Name,
		"serial_number":     p.SerialNumber,
		"description":       p.Description,
		"nsn":               p.NSN,
		"lin":               p.LIN,
		"location":          p.Location,
		"current_holder_id": p.CurrentHolderID,
	}
	var created models.CachedProperty
	if err := c.doJSON(ctx, http.MethodPost, "/api/property", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateProperty implements Client.
func (c *HTTPClient) UpdateProperty(ctx context.Context, id int64, fields map[string]interface{}) (*models.CachedProperty, error) {
	var updated models.CachedProperty
	path := fmt.Sprintf("/api/property/%d", id)
	if err := c.doJSON(ctx, http.MethodPatch, path, fields, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteProperty implements Client.
func (c *HTTPClient) DeleteProperty(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/api/property/%d", id)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// RequestTransfer implements Client.
func (c *HTTPClient) RequestTransfer(ctx context.Context, t *models.CachedTransfer) (*models.CachedTransfer, error) {
	body := map[string]interface{}{
		"property_id":  t.PropertyID,
		"from_user_id": t.FromUserID,
		"to_user_id":   t.ToUserID,
		"notes":        t.Notes,
	}
	var created models.CachedTransfer
	if err := c.doJSON(ctx, http.MethodPost, "/api/transfers", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ApproveTransfer implements Client.
func (c *HTTPClient) ApproveTransfer(ctx context.Context, id int64, notes string) (*models.CachedTransfer, error) {
	return c.transferAction(ctx, id, "approve", notes)
}

// RejectTransfer implements Client.
func (c *HTTPClient) RejectTransfer(ctx context.Context, id int64, notes string) (*models.CachedTransfer, error) {
	return c.transferAction(ctx, id, "reject", notes)
}

func (c *HTTPClient) transferAction(ctx context.Context, id int64, action, notes string) (*models.CachedTransfer, error) {
	body := map[string]interface{}{"notes": notes}
	var resolved models.CachedTransfer
	path := fmt.Sprintf("/api/transfers/%d/%s", id, action)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// UploadPhoto implements Client. The content hash travels as a header so the
// server can dedupe before reading the body.
func (c *HTTPClient) UploadPhoto(ctx context.Context, propertyID int64, r io.Reader, contentHash string) (*PhotoReceipt, error) {
	path := fmt.Sprintf("/api/property/%d/photo", propertyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return nil, Permanent(fmt.Sprintf("failed to build upload request: %v", err))
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, Transient(fmt.Sprintf("no credential available: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Content-Hash", contentHash)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Sprintf("photo upload failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return nil, FromStatus(resp.StatusCode, fmt.Sprintf("photo upload: %s", msg))
	}

	var receipt PhotoReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, Permanent(fmt.Sprintf("failed to decode upload receipt: %v", err))
	}
	return &receipt, nil
}
