// Package tracker runs the per-deployment build session state machine and
// publishes one progress line per state to the log hub.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/models"
)

var (
	ErrNotFound   = errors.New("build session not found")
	ErrBackward   = errors.New("build state cannot move backward")
	ErrStarted    = errors.New("build session already started")
	ErrNotStarted = errors.New("build session not started")
	ErrShutdown   = errors.New("tracker is shut down")
)

const (
	DefaultStepDelay = 2 * time.Second
	DefaultRetention = time.Hour
)

// abortedState is recorded for sessions whose upstream deploy failed.
const abortedState = "aborted"

const recordTimeout = 5 * time.Second

// Publisher receives the progress lines of every session, keyed by build id.
type Publisher interface {
	Publish(subject, line string)
	Purge(subject string)
}

// Recorder stores finished sessions.
type Recorder interface {
	RecordBuild(ctx context.Context, rec models.BuildRecord) error
}

type Spec struct {
	Template string
	GitURL   string
}

// Session is a copy of one build session's state.
type Session struct {
	ID        string    `json:"id"`
	AppID     string    `json:"appId,omitempty"`
	Template  string    `json:"template"`
	GitURL    string    `json:"gitUrl,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Config struct {
	Clock     clock.Clock
	Publisher Publisher
	StepDelay time.Duration
	Retention time.Duration
	Recorder  Recorder
	Logger    *slog.Logger
}

type Tracker struct {
	clock     clock.Clock
	publisher Publisher
	stepDelay time.Duration
	retention time.Duration
	recorder  Recorder
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	Session
	spec    Spec
	started bool
	timer   *clock.Timer
	// gen invalidates timers that fired while another path moved the session.
	gen int
}

func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = DefaultStepDelay
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		clock:     cfg.Clock,
		publisher: cfg.Publisher,
		stepDelay: cfg.StepDelay,
		retention: cfg.Retention,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger.With("component", "tracker"),
		sessions:  make(map[string]*session),
	}
}

// NewBuildID returns an id of the form build-<8 hex>.
func NewBuildID() string {
	return "build-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Begin creates a Pending session. Nothing is published until Start.
func (t *Tracker) Begin(spec Spec) Session {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	id := NewBuildID()
	for t.sessions[id] != nil {
		id = NewBuildID()
	}
	s := &session{
		Session: Session{
			ID:        id,
			Template:  spec.Template,
			GitURL:    spec.GitURL,
			State:     Pending,
			StartedAt: now,
			UpdatedAt: now,
		},
		spec: spec,
	}
	t.sessions[id] = s
	return s.Session
}

// Start attaches the deployed app to the session and schedules its
// transitions, one every step delay.
func (t *Tracker) Start(id, appID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrShutdown
	}
	s, ok := t.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.AppID = appID
	t.scheduleLocked(s)
	t.logger.Info("build started", "build_id", id, "app_id", appID, "template", s.Template)
	return nil
}

// Abort drops a session whose upstream deploy failed or that could not be
// started. No further lines are published and the session's buffer is
// purged.
func (t *Tracker) Abort(id string, cause error) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		t.stopLocked(s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.purge(id)
	t.logger.Warn("build aborted", "build_id", id, "template", s.Template, "error", cause)
	t.record(s.Session, abortedState)
}

// Advance moves a session forward to state on an external signal. Every
// state passed through publishes its line, so the output matches the timer
// path. Moving to the current state is a no-op. A session only takes
// signals once Start has attached its app.
func (t *Tracker) Advance(id string, state State) error {
	if state < Pending || state > Complete {
		return fmt.Errorf("invalid build state %d", int(state))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrShutdown
	}
	s, ok := t.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !s.started {
		return ErrNotStarted
	}
	if state < s.State {
		return fmt.Errorf("%w: %s -> %s", ErrBackward, s.State, state)
	}
	if state == s.State {
		return nil
	}

	t.stopLocked(s)
	for s.State < state {
		t.enterLocked(s, s.State+1)
	}
	t.scheduleLocked(s)
	return nil
}

func (t *Tracker) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Active returns every known session, oldest first.
func (t *Tracker) Active() []Session {
	t.mu.Lock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Session)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown stops every pending timer. Sessions stay readable.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, s := range t.sessions {
		t.stopLocked(s)
	}
}

// scheduleLocked arms the session's next timer: the following transition,
// or the purge once Complete.
func (t *Tracker) scheduleLocked(s *session) {
	s.gen++
	gen := s.gen
	id := s.ID
	if s.State == Complete {
		s.timer = t.clock.AfterFunc(t.retention, func() { t.expire(id, gen) })
		return
	}
	s.timer = t.clock.AfterFunc(t.stepDelay, func() { t.step(id, gen) })
}

func (t *Tracker) stopLocked(s *session) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (t *Tracker) step(id string, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.gen != gen || t.closed || s.State == Complete {
		return
	}
	t.enterLocked(s, s.State+1)
	t.scheduleLocked(s)
}

// enterLocked moves s into next and publishes its line. Publishing under the
// tracker lock keeps lines in state order whichever path drives the session.
func (t *Tracker) enterLocked(s *session, next State) {
	s.State = next
	s.UpdatedAt = t.clock.Now()
	if t.publisher != nil {
		t.publisher.Publish(s.ID, line(next, s.spec))
	}
	t.logger.Debug("build state changed", "build_id", s.ID, "state", next.String())
	if next == Complete {
		t.logger.Info("build complete", "build_id", s.ID, "app_id", s.AppID)
		done := s.Session
		go t.record(done, Complete.String())
	}
}

func (t *Tracker) expire(id string, gen int) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok || s.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, id)
	t.mu.Unlock()

	t.purge(id)
	t.logger.Debug("build session purged", "build_id", id)
}

func (t *Tracker) purge(id string) {
	if t.publisher != nil {
		t.publisher.Purge(id)
	}
}

func (t *Tracker) record(s Session, state string) {
	if t.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := models.BuildRecord{
		ID:         s.ID,
		Template:   s.Template,
		AppID:      s.AppID,
		State:      state,
		StartedAt:  s.StartedAt,
		FinishedAt: s.UpdatedAt,
	}
	if err := t.recorder.RecordBuild(ctx, rec); err != nil {
		t.logger.Warn("failed to record build", "build_id", s.ID, "error", err)
	}
}
