package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mes-console/backend/internal/models"
)

// DefaultRequestTimeout bounds one fallback request.
const DefaultRequestTimeout = 10 * time.Second

// DeviceClient performs device operations over HTTP when the realtime
// channel is unavailable.
type DeviceClient struct {
	url    string
	client *http.Client
}

// NewDeviceClient creates a client for the device-operation endpoint.
func NewDeviceClient(url string, client *http.Client) *DeviceClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &DeviceClient{url: url, client: client}
}

type fallbackRequest struct {
	WorkstationID string           `json:"workstationId"`
	DeviceID      string           `json:"deviceId"`
	Operation     models.Operation `json:"operation"`
	Address       string           `json:"address"`
	Value         any              `json:"value,omitempty"`
	DataType      models.DataType  `json:"dataType"`
	RequestID     string           `json:"requestId"`
}

// FallbackResponse is the backend's reply. StatusCode is filled from
// the HTTP response.
type FallbackResponse struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"-"`
}

// Execute posts req authenticated with the session bearer token and the
// CSRF token. A non-2xx reply is not an error: it comes back with
// Success false and Error set, defaulting to "HTTP <status>". Only
// transport failures return an error.
func (c *DeviceClient) Execute(ctx context.Context, sessionID, csrfToken string, req models.DeviceOperationRequest) (*FallbackResponse, error) {
	body, err := json.Marshal(fallbackRequest{
		WorkstationID: req.WorkstationID,
		DeviceID:      req.DeviceID,
		Operation:     req.Operation,
		Address:       req.Address,
		Value:         req.Value,
		DataType:      req.DataType,
		RequestID:     req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+sessionID)
	httpReq.Header.Set("X-CSRF-Token", csrfToken)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	out := &FallbackResponse{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	out.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
	}
	return out, nil
}
