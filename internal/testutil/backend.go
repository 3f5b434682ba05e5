package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// DeviceRequest is one request received by DeviceBackend.
type DeviceRequest struct {
	Authorization string
	CSRFToken     string
	Body          map[string]any
}

// DeviceBackend is an httptest server standing in for the HTTP
// device-operation endpoint.
type DeviceBackend struct {
	*httptest.Server

	mu       sync.Mutex
	requests []DeviceRequest
	status   int
	reply    any
}

// NewDeviceBackend starts a backend answering 200 with reply.
func NewDeviceBackend(reply any) *DeviceBackend {
	b := &DeviceBackend{status: http.StatusOK, reply: reply}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

func (b *DeviceBackend) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.requests = append(b.requests, DeviceRequest{
		Authorization: r.Header.Get("Authorization"),
		CSRFToken:     r.Header.Get("X-CSRF-Token"),
		Body:          body,
	})
	status, reply := b.status, b.reply
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if reply != nil {
		_ = json.NewEncoder(w).Encode(reply)
	}
}

// Respond changes the status and body of later replies. A nil reply
// sends an empty body.
func (b *DeviceBackend) Respond(status int, reply any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.reply = reply
}

// Requests returns the received requests.
func (b *DeviceBackend) Requests() []DeviceRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeviceRequest(nil), b.requests...)
}
