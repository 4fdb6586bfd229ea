package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mini-cloud/edge/internal/clock"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestHub(maxLines int) (*Hub, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	return NewHub(HubConfig{Retention: time.Hour, MaxLines: maxLines, Clock: clk}), clk
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw, ok := <-c.Send:
		if !ok {
			t.Fatal("send queue closed")
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		return msg
	default:
		t.Fatal("expected a queued message")
	}
	return nil
}

func expectEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected message %s", raw)
	default:
	}
}

func TestPublishIsPartitionedBySubject(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	a, b := NewClient(nil, ""), NewClient(nil, "")
	if err := hub.Subscribe("app-a", a, ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.Subscribe("app-b", b, ""); err != nil {
		t.Fatal(err)
	}

	hub.Publish("app-a", "hello a")

	msg := receive(t, a)
	if msg["type"] != "logs" || msg["data"] != "hello a" {
		t.Errorf("got %v", msg)
	}
	if ts, _ := msg["timestamp"].(float64); int64(ts) != epoch.UnixMilli() {
		t.Errorf("timestamp = %v, want %d", msg["timestamp"], epoch.UnixMilli())
	}
	expectEmpty(t, b)
}

func TestPublishPreservesOrder(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	c := NewClient(nil, "")
	hub.Subscribe("build-1", c, "")
	want := []string{"one", "two", "three", "four"}
	for _, line := range want {
		hub.Publish("build-1", line)
	}
	for _, line := range want {
		if got := receive(t, c)["data"]; got != line {
			t.Errorf("got %v, want %v", got, line)
		}
	}
}

func TestSubscribeReplaysBeforeLiveLines(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	hub.Publish("build-1", "cloning")
	hub.Publish("build-1", "installing")

	c := NewClient(nil, "")
	if err := hub.Subscribe("app-1", c, "build-1"); err != nil {
		t.Fatal(err)
	}
	hub.Publish("app-1", "live")

	replay := receive(t, c)
	data, _ := replay["data"].([]any)
	if replay["type"] != "logs" || len(data) != 2 || data[0] != "cloning" || data[1] != "installing" {
		t.Errorf("replay = %v", replay)
	}
	if live := receive(t, c); live["data"] != "live" {
		t.Errorf("live = %v", live)
	}
}

func TestSubscribeWithoutBufferSendsNoReplay(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	c := NewClient(nil, "")
	hub.Subscribe("app-1", c, "build-unknown")
	expectEmpty(t, c)

	hub.Publish("build-2", "line")
	hub.Purge("build-2")
	c2 := NewClient(nil, "")
	hub.Subscribe("app-1", c2, "build-2")
	expectEmpty(t, c2)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	c := NewClient(nil, "")
	hub.Subscribe("app-1", c, "")
	hub.Unsubscribe("app-1", c)
	hub.Unsubscribe("app-1", c)
	hub.Unsubscribe("never-subscribed", c)

	if n := hub.Subscribers("app-1"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	if _, ok := <-c.Send; ok {
		t.Error("send queue should be closed after unsubscribe")
	}
	hub.Publish("app-1", "after")
	if err := hub.Subscribe("app-1", c, ""); !errors.Is(err, ErrClientClosed) {
		t.Errorf("resubscribe err = %v, want ErrClientClosed", err)
	}
}

func TestSubscribeMovesClientBetweenSubjects(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	c := NewClient(nil, "")
	hub.Subscribe("app-1", c, "")
	hub.Subscribe("app-2", c, "")

	if hub.Subscribers("app-1") != 0 || hub.Subscribers("app-2") != 1 {
		t.Errorf("subscribers = %d/%d, want 0/1", hub.Subscribers("app-1"), hub.Subscribers("app-2"))
	}
	if c.Subject != "app-2" {
		t.Errorf("subject = %q, want app-2", c.Subject)
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	slow := NewClient(nil, "")
	fast := NewClient(nil, "")
	hub.Subscribe("app-1", slow, "")
	hub.Subscribe("app-1", fast, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer+10; i++ {
			hub.Publish("app-1", "line")
			if i < sendBuffer+9 {
				<-fast.Send
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
	if got := len(slow.Send); got != sendBuffer {
		t.Errorf("slow queue = %d, want %d", got, sendBuffer)
	}
	if got := receive(t, fast)["data"]; got != "line" {
		t.Errorf("fast subscriber got %v", got)
	}
}

func TestClosedSubscriberIsRemovedOnPublish(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	c := NewClient(nil, "")
	hub.Subscribe("app-1", c, "")
	c.markClosed()

	hub.Publish("app-1", "line")
	if n := hub.Subscribers("app-1"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	if lines := hub.Lines("app-1"); len(lines) != 1 {
		t.Errorf("lines = %v, want the published line buffered", lines)
	}
}

func TestLinesSinceAcrossCountBound(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(3)

	if _, _, ok := hub.LinesSince("build-1", 0); ok {
		t.Fatal("expected no buffer yet")
	}

	hub.Publish("build-1", "a")
	hub.Publish("build-1", "b")
	lines, next, ok := hub.LinesSince("build-1", 0)
	if !ok || strings.Join(lines, ",") != "a,b" || next != 2 {
		t.Fatalf("got %v %d %v", lines, next, ok)
	}

	for _, l := range []string{"c", "d", "e"} {
		hub.Publish("build-1", l)
	}
	lines, next, _ = hub.LinesSince("build-1", next)
	if strings.Join(lines, ",") != "c,d,e" || next != 5 {
		t.Errorf("got %v next %d, want c,d,e next 5", lines, next)
	}
	if got := strings.Join(hub.Lines("build-1"), ","); got != "c,d,e" {
		t.Errorf("buffer = %q, want oldest lines dropped", got)
	}

	lines, next, _ = hub.LinesSince("build-1", next)
	if len(lines) != 0 || next != 5 {
		t.Errorf("got %v next %d, want nothing new", lines, next)
	}
}

func TestSweepDropsIdleBuffers(t *testing.T) {
	t.Parallel()
	hub, clk := newTestHub(0)

	hub.Publish("old", "line")
	clk.Advance(40 * time.Minute)
	hub.Publish("recent", "line")
	clk.Advance(20 * time.Minute)

	if n := hub.Sweep(); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if hub.Lines("old") != nil {
		t.Error("idle buffer should be gone")
	}
	if len(hub.Lines("recent")) != 1 {
		t.Error("recent buffer should remain")
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()
	hub, _ := newTestHub(0)

	c := NewClient(nil, "")
	hub.Subscribe("app-1", c, "")
	hub.Shutdown()
	hub.Shutdown()

	if _, ok := <-c.Send; ok {
		t.Error("send queue should be closed")
	}
	hub.Unsubscribe("app-1", c)
	if err := hub.Subscribe("app-1", NewClient(nil, ""), ""); !errors.Is(err, ErrHubClosed) {
		t.Errorf("err = %v, want ErrHubClosed", err)
	}
	if hub.Count() != 0 {
		t.Errorf("count = %d, want 0", hub.Count())
	}
}

func TestPumpsDeliverOverWebSocket(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{})
	defer hub.Shutdown()

	subscribed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, "app-1")
		if err := hub.Subscribe("app-1", c, "build-1"); err != nil {
			conn.Close()
			return
		}
		close(subscribed)
		go c.WritePump()
		c.ReadPump(hub)
	}))
	defer srv.Close()

	hub.Publish("build-1", "buffered")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-subscribed
	hub.Publish("app-1", "live")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var replay WSLogsMessage
	if err := conn.ReadJSON(&replay); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if len(replay.Data) != 1 || replay.Data[0] != "buffered" {
		t.Errorf("replay = %+v", replay)
	}
	var live WSLogLineMessage
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Type != "logs" || live.Data != "live" {
		t.Errorf("live = %+v", live)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers("app-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
