package tui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

type chanSource struct {
	ch chan bus.Event
}

func (s *chanSource) Next(ctx context.Context) (bus.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return bus.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return bus.Event{}, ctx.Err()
	}
}

func (s *chanSource) Close() error { return nil }

func testEvent(topic bus.Topic, typ string) bus.Event {
	return bus.Event{
		ID:      typ,
		Topic:   topic,
		Source:  bus.SourceStarBridge,
		Type:    typ,
		TS:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: json.RawMessage(`{"k":"v"}`),
	}
}

func update(t *testing.T, m tailModel, msg tea.Msg) tailModel {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(tailModel)
}

func TestEventFeed_MaxItemsAndCounts(t *testing.T) {
	f := NewEventFeed(2)
	f.Add(testEvent(bus.TopicDeploy, "a"))
	f.Add(testEvent(bus.TopicDeploy, "b"))
	f.Add(testEvent(bus.TopicVault, "c"))
	if f.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", f.Len())
	}
	if f.Count(bus.TopicDeploy) != 2 {
		t.Fatalf("count should include evicted events, got %d", f.Count(bus.TopicDeploy))
	}
	tail := f.Tail(10, nil)
	if tail[0].Type != "b" || tail[1].Type != "c" {
		t.Fatalf("unexpected order %+v", tail)
	}
	f.Clear()
	if f.Len() != 0 || f.Count(bus.TopicVault) != 0 {
		t.Fatal("clear should reset items and counts")
	}
}

func TestEventFeed_TailFilter(t *testing.T) {
	f := NewEventFeed(10)
	for _, typ := range []string{"a", "b", "c", "d"} {
		topic := bus.TopicDeploy
		if typ == "b" || typ == "d" {
			topic = bus.TopicVault
		}
		f.Add(testEvent(topic, typ))
	}
	got := f.Tail(1, func(ev bus.Event) bool { return ev.Topic == bus.TopicDeploy })
	if len(got) != 1 || got[0].Type != "c" {
		t.Fatalf("expected newest Deploy event, got %+v", got)
	}
}

func TestTailModel_EventsAndPause(t *testing.T) {
	m := newTailModel(context.Background(), &chanSource{ch: make(chan bus.Event)}, 50)
	if m.Init() == nil {
		t.Fatal("Init should wait for the first event")
	}

	m = update(t, m, eventMsg(testEvent(bus.TopicDeploy, "deploy.started")))
	if !strings.Contains(m.View(), "deploy.started") {
		t.Fatalf("view missing event:\n%s", m.View())
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	m = update(t, m, eventMsg(testEvent(bus.TopicDeploy, "deploy.finished")))
	if m.feed.Len() != 1 || m.missed != 1 {
		t.Fatalf("paused model should count misses, len=%d missed=%d", m.feed.Len(), m.missed)
	}
	if !strings.Contains(m.View(), "1 missed") {
		t.Fatalf("view should show missed count:\n%s", m.View())
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	if m.paused || m.missed != 0 {
		t.Fatal("resume should reset missed")
	}
}

func TestTailModel_TopicToggle(t *testing.T) {
	m := newTailModel(context.Background(), &chanSource{ch: make(chan bus.Event)}, 50)
	m = update(t, m, eventMsg(testEvent(bus.TopicSystem, "sys.ping")))
	m = update(t, m, eventMsg(testEvent(bus.TopicDeploy, "deploy.started")))

	// 1 toggles System, the first topic.
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")})
	view := m.View()
	if strings.Contains(view, "sys.ping") || !strings.Contains(view, "deploy.started") {
		t.Fatalf("System should be hidden:\n%s", view)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if m.feed.Len() != 0 {
		t.Fatal("c should clear the feed")
	}
}

func TestTailModel_SourceErrorAndQuit(t *testing.T) {
	m := newTailModel(context.Background(), &chanSource{ch: make(chan bus.Event)}, 50)
	m = update(t, m, sourceErrMsg{err: errors.New("connection reset")})
	if !strings.Contains(m.View(), "connection reset") {
		t.Fatalf("view should show the error:\n%s", m.View())
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c should return tea.Quit")
	}
	if next.(tailModel).View() != "" {
		t.Fatal("view should be empty after quit")
	}
}

func TestTailModel_TruncatesPayload(t *testing.T) {
	m := newTailModel(context.Background(), &chanSource{ch: make(chan bus.Event)}, 50)
	m = update(t, m, tea.WindowSizeMsg{Width: 70, Height: 20})
	ev := testEvent(bus.TopicVault, "vector.event.logged")
	ev.Payload = json.RawMessage(`"` + strings.Repeat("x", 200) + `"`)
	line := m.renderEvent(ev)
	if !strings.HasSuffix(line, "…") {
		t.Fatalf("expected truncated payload, got %q", line)
	}
}

func TestWaitForEvent(t *testing.T) {
	src := &chanSource{ch: make(chan bus.Event, 1)}
	m := newTailModel(context.Background(), src, 50)
	src.ch <- testEvent(bus.TopicEconomy, "economy.tick")
	msg := m.waitForEvent()
	if ev, ok := msg.(eventMsg); !ok || ev.Type != "economy.tick" {
		t.Fatalf("unexpected msg %#v", msg)
	}
	close(src.ch)
	if _, ok := m.waitForEvent().(sourceErrMsg); !ok {
		t.Fatal("closed source should yield sourceErrMsg")
	}
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8787":          "ws://127.0.0.1:8787/ws?topics=Deploy%2CVault",
		"http://fabric.test/":     "ws://fabric.test/ws?topics=Deploy%2CVault",
		"https://fabric.test/sb/": "wss://fabric.test/sb/ws?topics=Deploy%2CVault",
	}
	for in, want := range cases {
		got, err := wsURL(in, []string{"Deploy", "Vault"})
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := wsURL("ftp://fabric.test", nil); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestDialWS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("topics") != "Governor" {
			http.Error(w, "bad topics", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = wsjson.Write(r.Context(), conn, testEvent(bus.TopicGovernor, "governor.denied"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src, err := DialWS(ctx, srv.URL, []string{"Governor"})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	ev, err := src.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "governor.denied" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
