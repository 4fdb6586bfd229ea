package tracker

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/models"
	"github.com/mini-cloud/edge/internal/websocket"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type publishedLine struct {
	subject, line string
	at            time.Time
}

type fakePublisher struct {
	clk    *clock.FakeClock
	mu     sync.Mutex
	lines  []publishedLine
	purged []string
}

func (p *fakePublisher) Publish(subject, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, publishedLine{subject: subject, line: line, at: p.clk.Now()})
}

func (p *fakePublisher) Purge(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, subject)
}

func (p *fakePublisher) snapshot() ([]publishedLine, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedLine(nil), p.lines...), append([]string(nil), p.purged...)
}

type fakeRecorder struct {
	got chan models.BuildRecord
}

func (r *fakeRecorder) RecordBuild(_ context.Context, rec models.BuildRecord) error {
	r.got <- rec
	return nil
}

func newTestTracker(recorder Recorder) (*Tracker, *fakePublisher, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	pub := &fakePublisher{clk: clk}
	tr := New(Config{
		Clock:     clk,
		Publisher: pub,
		StepDelay: 2 * time.Second,
		Retention: time.Hour,
		Recorder:  recorder,
	})
	return tr, pub, clk
}

func TestBuildIDFormat(t *testing.T) {
	t.Parallel()
	if id := NewBuildID(); !regexp.MustCompile(`^build-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("id = %q", id)
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()
	for s := Pending; s <= Complete; s++ {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if got, err := ParseState("Building-Image"); err != nil || got != BuildingImage {
		t.Errorf("got %v, %v, want building_image", got, err)
	}
	if _, err := ParseState("deploying"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestTransitionsThenPurge(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{got: make(chan models.BuildRecord, 1)}
	tr, pub, clk := newTestTracker(rec)

	s := tr.Begin(Spec{Template: "static-site", GitURL: "https://github.com/example/site"})
	if s.State != Pending {
		t.Fatalf("state = %v, want pending", s.State)
	}
	clk.Advance(time.Minute)
	if lines, _ := pub.snapshot(); len(lines) != 0 {
		t.Fatalf("pending session published %v", lines)
	}

	start := clk.Now()
	if err := tr.Start(s.ID, "app-123"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Start(s.ID, "app-123"); !errors.Is(err, ErrStarted) {
		t.Errorf("second start err = %v, want ErrStarted", err)
	}

	clk.Advance(10 * time.Second)

	lines, purged := pub.snapshot()
	want := []string{
		"📥 Cloning https://github.com/example/site...",
		"📦 Installing dependencies...",
		"🐳 Building container image...",
		"🚀 Starting container...",
		CompletionLine,
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i, l := range lines {
		if l.subject != s.ID || l.line != want[i] {
			t.Errorf("line %d = %s %q, want %s %q", i, l.subject, l.line, s.ID, want[i])
		}
		if wantAt := start.Add(time.Duration(i+1) * 2 * time.Second); !l.at.Equal(wantAt) {
			t.Errorf("line %d at %v, want %v", i, l.at, wantAt)
		}
	}
	if len(purged) != 0 {
		t.Fatalf("purged early: %v", purged)
	}

	got, ok := tr.Get(s.ID)
	if !ok || got.State != Complete || got.AppID != "app-123" {
		t.Errorf("session = %+v, %v", got, ok)
	}

	select {
	case r := <-rec.got:
		if r.ID != s.ID || r.State != "complete" || r.Template != "static-site" {
			t.Errorf("record = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completed build was not recorded")
	}

	clk.Advance(time.Hour - time.Second)
	if _, purged := pub.snapshot(); len(purged) != 0 {
		t.Fatalf("purged before retention elapsed")
	}
	clk.Advance(time.Second)

	lines, purged = pub.snapshot()
	if len(purged) != 1 || purged[0] != s.ID {
		t.Errorf("purged = %v, want [%s]", purged, s.ID)
	}
	if len(lines) != len(want) {
		t.Errorf("published after completion: %v", lines[len(want):])
	}
	if _, ok := tr.Get(s.ID); ok {
		t.Error("session should be gone after retention")
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestAbortStopsSession(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{got: make(chan models.BuildRecord, 1)}
	tr, pub, clk := newTestTracker(rec)

	s := tr.Begin(Spec{Template: "node-express"})
	tr.Abort(s.ID, errors.New("deploy api down"))
	clk.Advance(time.Hour)

	lines, purged := pub.snapshot()
	if len(lines) != 0 {
		t.Errorf("aborted session published %v", lines)
	}
	if len(purged) != 1 || purged[0] != s.ID {
		t.Errorf("purged = %v", purged)
	}
	if r := <-rec.got; r.State != "aborted" {
		t.Errorf("recorded state = %q, want aborted", r.State)
	}
	if err := tr.Start(s.ID, "app"); !errors.Is(err, ErrNotFound) {
		t.Errorf("start after abort err = %v, want ErrNotFound", err)
	}
	tr.Abort(s.ID, nil)
}

func TestAdvanceRequiresStart(t *testing.T) {
	t.Parallel()
	tr, pub, _ := newTestTracker(nil)

	s := tr.Begin(Spec{Template: "static-site"})
	if err := tr.Advance(s.ID, Complete); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
	if got, _ := tr.Get(s.ID); got.State != Pending {
		t.Errorf("state = %v, want %v", got.State, Pending)
	}
	if lines, _ := pub.snapshot(); len(lines) != 0 {
		t.Errorf("published %v before start", lines)
	}

	if err := tr.Start(s.ID, "app-1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Advance(s.ID, Complete); err != nil {
		t.Errorf("err after start = %v, want nil", err)
	}
}

func TestAdvanceSkipsForwardInOrder(t *testing.T) {
	t.Parallel()
	tr, pub, clk := newTestTracker(nil)

	s := tr.Begin(Spec{Template: "go-http"})
	if err := tr.Start(s.ID, "app-1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)

	if err := tr.Advance(s.ID, BuildingImage); err != nil {
		t.Fatal(err)
	}
	if err := tr.Advance(s.ID, InstallingDeps); !errors.Is(err, ErrBackward) {
		t.Errorf("err = %v, want ErrBackward", err)
	}
	if err := tr.Advance(s.ID, BuildingImage); err != nil {
		t.Errorf("same state err = %v, want nil", err)
	}
	if err := tr.Advance("build-missing", Complete); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	// The timer chain restarts from the new state.
	clk.Advance(4 * time.Second)

	lines, _ := pub.snapshot()
	want := []string{
		"📥 Cloning repository...",
		"📦 Installing dependencies...",
		"🐳 Building container image...",
		"🚀 Starting container...",
		CompletionLine,
	}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %d lines", lines, len(want))
	}
	for i := range want {
		if lines[i].line != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i].line, want[i])
		}
	}
}

func TestShutdownStopsTimers(t *testing.T) {
	t.Parallel()
	tr, pub, clk := newTestTracker(nil)

	s := tr.Begin(Spec{Template: "static-site"})
	tr.Start(s.ID, "app-1")
	tr.Shutdown()
	clk.Advance(time.Minute)

	if lines, _ := pub.snapshot(); len(lines) != 0 {
		t.Errorf("published after shutdown: %v", lines)
	}
	if err := tr.Start(tr.Begin(Spec{}).ID, "x"); !errors.Is(err, ErrShutdown) {
		t.Errorf("err = %v, want ErrShutdown", err)
	}
}

func TestActiveOrdersByStart(t *testing.T) {
	t.Parallel()
	tr, _, clk := newTestTracker(nil)

	first := tr.Begin(Spec{Template: "a"})
	clk.Advance(time.Second)
	second := tr.Begin(Spec{Template: "b"})

	active := tr.Active()
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != second.ID {
		t.Errorf("active = %+v", active)
	}
}

func TestStaticSiteDeployThroughHub(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(epoch)
	hub := websocket.NewHub(websocket.HubConfig{Retention: 2 * time.Hour, Clock: clk})
	tr := New(Config{Clock: clk, Publisher: hub, StepDelay: 2 * time.Second, Retention: time.Hour})

	s := tr.Begin(Spec{Template: "static-site", GitURL: "https://github.com/example/static"})
	subscriber := websocket.NewClient(nil, "")
	if err := hub.Subscribe(s.ID, subscriber, ""); err != nil {
		t.Fatal(err)
	}
	tr.Start(s.ID, "app-static")
	clk.Advance(10 * time.Second)

	if n := len(subscriber.Send); n != 5 {
		t.Errorf("subscriber received %d messages, want 5", n)
	}
	lines := hub.Lines(s.ID)
	if len(lines) != 5 || lines[4] != CompletionLine {
		t.Fatalf("buffer = %v", lines)
	}

	clk.Advance(time.Hour)
	if lines := hub.Lines(s.ID); lines != nil {
		t.Errorf("buffer after retention = %v, want purged", lines)
	}

	late := websocket.NewClient(nil, "")
	hub.Subscribe("app-static", late, s.ID)
	if n := len(late.Send); n != 0 {
		t.Errorf("late subscriber got %d messages, want no replay", n)
	}
}
