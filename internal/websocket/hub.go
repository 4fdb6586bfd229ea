package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mini-cloud/edge/internal/clock"
)

var (
	ErrHubClosed    = errors.New("log hub is shut down")
	ErrClientClosed = errors.New("subscriber connection is closed")
)

const (
	defaultRetention = time.Hour
	maxSweepInterval = time.Minute
)

type HubConfig struct {
	// Retention is how long a buffer may stay idle before the sweeper drops it.
	Retention time.Duration
	// MaxLines bounds each buffer; zero means unbounded.
	MaxLines int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Hub fans log lines out to the subscribers of each subject and keeps a
// replayable buffer per subject.
type Hub struct {
	subjects map[string]map[*Client]struct{}
	buffers  map[string]*LogBuffer
	closed   bool
	mu       sync.Mutex

	retention time.Duration
	maxLines  int
	clock     clock.Clock
	logger    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		subjects:  make(map[string]map[*Client]struct{}),
		buffers:   make(map[string]*LogBuffer),
		retention: cfg.Retention,
		maxLines:  cfg.MaxLines,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "loghub"),
		stop:      make(chan struct{}),
	}
}

// Start runs the retention sweeper until ctx is done or Shutdown is called.
func (h *Hub) Start(ctx context.Context) {
	interval := h.retention / 2
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	ticker := h.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.Sweep()
			}
		}
	}()
}

// Sweep drops every buffer that has not been appended to within the
// retention window and returns how many were dropped.
func (h *Hub) Sweep() int {
	cutoff := h.clock.Now().Add(-h.retention)

	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for subject, buf := range h.buffers {
		if !buf.lastAt.After(cutoff) {
			delete(h.buffers, subject)
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("swept idle log buffers", "count", dropped)
	}
	return dropped
}

// Shutdown stops the sweeper and closes every subscriber's send queue so its
// write pump sends a close frame. Later subscriptions fail with ErrHubClosed.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for subject, clients := range h.subjects {
		for c := range clients {
			h.closeClientLocked(c)
		}
		delete(h.subjects, subject)
	}
}

// Subscribe registers c under subject. When replay names a subject with
// buffered lines, they are queued to c as one message before any live line.
func (h *Hub) Subscribe(subject string, c *Client, replay string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if c.sendClosed {
		return ErrClientClosed
	}

	// A client belongs to one subject at a time.
	if prev, ok := h.subjects[c.Subject]; ok && c.Subject != subject {
		delete(prev, c)
		if len(prev) == 0 {
			delete(h.subjects, c.Subject)
		}
	}

	clients, ok := h.subjects[subject]
	if !ok {
		clients = make(map[*Client]struct{})
		h.subjects[subject] = clients
	}
	clients[c] = struct{}{}
	c.Subject = subject

	if replay == "" {
		return nil
	}
	buf, ok := h.buffers[replay]
	if !ok || len(buf.lines) == 0 {
		return nil
	}
	msg, err := json.Marshal(NewLogsMessage(buf.texts()))
	if err != nil {
		h.logger.Error("failed to marshal replay", "subject", replay, "error", err)
		return nil
	}
	h.enqueueLocked(subject, c, msg)
	return nil
}

// Unsubscribe removes c from subject. It is safe to call more than once.
func (h *Hub) Unsubscribe(subject string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(subject, c)
}

// Publish appends line to the subject's buffer and queues it to every open
// subscriber without blocking. A subscriber whose queue is full misses the
// line.
func (h *Hub) Publish(subject, line string) {
	now := h.clock.Now()
	msg, err := json.Marshal(NewLogLineMessage(line, now.UnixMilli()))
	if err != nil {
		h.logger.Error("failed to marshal log line", "subject", subject, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	buf, ok := h.buffers[subject]
	if !ok {
		buf = newLogBuffer(h.maxLines)
		h.buffers[subject] = buf
	}
	buf.append(Line{Text: line, At: now})

	for c := range h.subjects[subject] {
		if !c.Open() {
			h.removeLocked(subject, c)
			continue
		}
		h.enqueueLocked(subject, c, msg)
	}
}

// Lines returns a copy of the subject's buffered lines.
func (h *Hub) Lines(subject string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.buffers[subject]
	if !ok {
		return nil
	}
	return buf.texts()
}

// LinesSince returns the lines appended at or after offset together with the
// offset to pass next time. ok is false when the subject has no buffer.
func (h *Hub) LinesSince(subject string, offset int) (lines []string, next int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.buffers[subject]
	if !ok {
		return nil, offset, false
	}
	return buf.since(offset), buf.next(), true
}

// Purge drops the subject's buffer. Subscribers stay registered.
func (h *Hub) Purge(subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buffers, subject)
}

func (h *Hub) Subscribers(subject string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subjects[subject])
}

// Count returns the number of subscribers across all subjects.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, clients := range h.subjects {
		n += len(clients)
	}
	return n
}

// Buffers returns the number of subjects with buffered history.
func (h *Hub) Buffers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffers)
}

func (h *Hub) enqueueLocked(subject string, c *Client, msg []byte) {
	if c.sendClosed {
		return
	}
	select {
	case c.Send <- msg:
	default:
		h.logger.Debug("subscriber queue full, dropping message", "subject", subject)
	}
}

func (h *Hub) removeLocked(subject string, c *Client) {
	clients, ok := h.subjects[subject]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.subjects, subject)
	}
	h.closeClientLocked(c)
}

func (h *Hub) closeClientLocked(c *Client) {
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.Send)
}
