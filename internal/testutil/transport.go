package testutil

import (
	"encoding/json"
	"sync"

	"github.com/mes-console/backend/internal/realtime"
)

// SentMessage is one message passed to FakeTransport.Send.
type SentMessage struct {
	Type string
	Data json.RawMessage
}

// FakeTransport stands in for the realtime channel. OnSend, when set,
// runs inside Send after the message is recorded; the test can answer
// from there through Deliver.
type FakeTransport struct {
	mu       sync.Mutex
	handlers map[string]realtime.Handler
	sent     []SentMessage
	sendErr  error
	OnSend   func(msg SentMessage)
}

// NewFakeTransport creates a connected fake.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{handlers: make(map[string]realtime.Handler)}
}

func (f *FakeTransport) Handle(msgType string, fn realtime.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = fn
}

func (f *FakeTransport) Send(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	msg := SentMessage{Type: msgType, Data: raw}
	f.sent = append(f.sent, msg)
	onSend := f.OnSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

// SetSendError makes every Send fail with err; nil restores sending.
func (f *FakeTransport) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Deliver invokes the handler registered for msgType with data.
// It reports false when no handler is registered.
func (f *FakeTransport) Deliver(msgType string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	f.mu.Lock()
	fn, ok := f.handlers[msgType]
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn(raw)
	return true
}

// Sent returns the recorded messages.
func (f *FakeTransport) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// SentOfType returns the recorded messages of msgType.
func (f *FakeTransport) SentOfType(msgType string) []SentMessage {
	var out []SentMessage
	for _, m := range f.Sent() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}
