package gateway

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mes-console/backend/internal/clock"
	"github.com/mes-console/backend/internal/models"
)

// History caps.
const (
	MaxOperationHistory = 20
	MaxScanHistory      = 20
	MaxTimelineEvents   = 50
)

// Console is the operator-facing state fed by realtime messages and
// local operations. Accessors return copies.
type Console struct {
	mu       sync.RWMutex
	clock    clock.Clock
	devices  map[string]models.DeviceStatus
	orders   map[string]models.OrderStatus
	timeline []models.TimelineEvent
	current  *models.ScanRecord
	scans    []models.ScanRecord
	history  []models.DeviceOperationResult
	subs     map[int]chan models.TimelineEvent
	nextSub  int
}

// NewConsole creates empty console state.
func NewConsole(clk clock.Clock) *Console {
	if clk == nil {
		clk = clock.Real()
	}
	return &Console{
		clock:   clk,
		devices: make(map[string]models.DeviceStatus),
		orders:  make(map[string]models.OrderStatus),
		subs:    make(map[int]chan models.TimelineEvent),
	}
}

// UpsertDevice merges a status update by device id.
func (c *Console) UpsertDevice(s models.DeviceStatus) {
	if s.LastUpdated.IsZero() {
		s.LastUpdated = c.clock.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.devices[s.DeviceID]; ok {
		if s.Name == "" {
			s.Name = prev.Name
		}
		if s.Values == nil {
			s.Values = prev.Values
		}
	}
	c.devices[s.DeviceID] = s
}

// Devices returns the device list ordered by id.
func (c *Console) Devices() []models.DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.DeviceStatus, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// UpdateOrder patches the order with the given id, inserting it when
// it is not yet on the board.
func (c *Console) UpdateOrder(p models.OrderUpdatePayload) models.OrderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.orders[p.OrderID]
	o.OrderID = p.OrderID
	if p.Status != "" {
		o.Status = p.Status
	}
	if p.Progress != nil {
		o.Progress = *p.Progress
	}
	o.UpdatedAt = c.clock.Now()
	c.orders[p.OrderID] = o
	return o
}

// Orders returns the order board, most recently updated first.
func (c *Console) Orders() []models.OrderStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.OrderStatus, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// AddEvent prepends a timeline event and fans it out to subscribers.
// Slow subscribers miss events rather than block the caller.
func (c *Console) AddEvent(eventType, level, title, message string) models.TimelineEvent {
	ev := models.TimelineEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: c.clock.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeline = prepend(c.timeline, ev, MaxTimelineEvents)
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Timeline returns up to limit events, newest first. limit <= 0 returns all.
func (c *Console) Timeline(limit int) []models.TimelineEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.timeline)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.TimelineEvent(nil), c.timeline[:n]...)
}

// Subscribe returns a channel of new timeline events and a cancel func.
func (c *Console) Subscribe(buffer int) (<-chan models.TimelineEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.TimelineEvent, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// RecordScan makes rec the current scan and prepends it to the history.
func (c *Console) RecordScan(rec models.ScanRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := rec
	c.current = &cur
	c.scans = prepend(c.scans, rec, MaxScanHistory)
}

// CurrentScan returns the latest scan.
func (c *Console) CurrentScan() (models.ScanRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return models.ScanRecord{}, false
	}
	return *c.current, true
}

// Scans returns the scan history, newest first.
func (c *Console) Scans() []models.ScanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.ScanRecord(nil), c.scans...)
}

// AppendResult prepends an operation result to the history.
func (c *Console) AppendResult(r models.DeviceOperationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = prepend(c.history, r, MaxOperationHistory)
}

// History returns the operation history, newest first.
func (c *Console) History() []models.DeviceOperationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.DeviceOperationResult(nil), c.history...)
}

func prepend[T any](list []T, item T, max int) []T {
	out := make([]T, 0, min(len(list)+1, max))
	out = append(out, item)
	for _, v := range list {
		if len(out) == max {
			break
		}
		out = append(out, v)
	}
	return out
}
