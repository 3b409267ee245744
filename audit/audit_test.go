package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects dispatched events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestLog_FillsIDAndTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	l := New(10, WithHandler(rec.handle), WithClock(func() time.Time { return at }))

	l.Log(Event{Action: ActionTenantSwitch, Result: ResultSuccess, ActorID: "u1", TenantID: "t2"})
	l.Log(Event{Action: ActionTenantSwitch, Result: ResultSuccess, ID: "fixed"})
	_ = l.Close()

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Errorf("IDs = %q, %q; want generated and distinct", events[0].ID, events[1].ID)
	}
	if events[1].ID != "fixed" {
		t.Errorf("ID = %q, want caller-provided id kept", events[1].ID)
	}
	if !events[0].Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", events[0].Timestamp, at)
	}
	if events[0].TenantID != "t2" || events[0].ActorID != "u1" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestLog_FansOutInOrder(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	l := New(10, WithHandler(first.handle), WithHandler(second.handle))

	for _, a := range []string{ActionSignIn, ActionImpersonate, ActionSignOut} {
		l.Log(Event{Action: a, Result: ResultSuccess})
	}
	_ = l.Close()

	for _, r := range []*recorder{first, second} {
		got := r.all()
		if len(got) != 3 || got[0].Action != ActionSignIn || got[2].Action != ActionSignOut {
			t.Errorf("events = %+v, want sign_in, impersonate, sign_out", got)
		}
	}
}

func TestLog_NeverBlocks(t *testing.T) {
	release := make(chan struct{})
	l := New(1, WithHandler(func(Event) { <-release }))

	done := make(chan struct{})
	go func() {
		// one event is picked up by the dispatcher and blocks there, one fills
		// the queue, the rest must be dropped rather than block
		for i := 0; i < 10; i++ {
			l.Log(Event{Action: ActionAccessDenied, Result: ResultDenied})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked on a full queue")
	}
	close(release)
	_ = l.Close()

	if got := l.Dropped(); got < 8 {
		t.Errorf("Dropped() = %d, want at least 8", got)
	}
}

func TestClose_FlushesThenDrops(t *testing.T) {
	rec := &recorder{}
	l := New(10, WithHandler(rec.handle))

	l.Log(Event{Action: ActionSignOut, Result: ResultSuccess})
	l.Log(Event{Action: ActionSignOut, Result: ResultSuccess})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	l.Log(Event{Action: ActionSignOut, Result: ResultSuccess})
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	if got := len(rec.all()); got != 2 {
		t.Errorf("dispatched %d events, want 2", got)
	}
	if got := l.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	rec := &recorder{}
	var recovered []any
	l := New(10,
		WithHandler(func(Event) { panic("sink exploded") }),
		WithHandler(rec.handle),
		WithPanicHandler(func(r any) { recovered = append(recovered, r) }),
	)

	l.Log(Event{Action: ActionImpersonate, Result: ResultSuccess})
	l.Log(Event{Action: ActionImpersonate, Result: ResultFailure})
	_ = l.Close()

	if got := len(rec.all()); got != 2 {
		t.Errorf("healthy handler got %d events, want 2", got)
	}
	if len(recovered) != 2 || recovered[0] != "sink exploded" {
		t.Errorf("recovered = %v", recovered)
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Log(Event{Action: ActionSignIn})
	l.LogContext(context.Background(), Event{Action: ActionSignIn})
	if l.Dropped() != 0 {
		t.Error("nil logger reports drops")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil logger = %v", err)
	}
}

func TestWriterHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, WithWriterHandler(&buf))

	ctx := WithRequestID(context.Background(), "req-9")
	l.LogContext(ctx, Event{Action: ActionTokenRefresh, Result: ResultFailure, Error: "invalid_grant"})
	l.LogContext(ctx, Event{Action: ActionTokenRefresh, Result: ResultSuccess, RequestID: "explicit"})
	_ = l.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RequestID != "req-9" || got.Error != "invalid_grant" {
		t.Errorf("event = %+v", got)
	}
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RequestID != "explicit" {
		t.Errorf("RequestID = %q, want the caller's value kept", got.RequestID)
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, WithSlogHandler(slog.New(slog.NewJSONHandler(&buf, nil))))

	l.Log(Event{Action: ActionAccessDenied, Result: ResultDenied, ActorID: "u1", Resource: "/admin"})
	_ = l.Close()

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for a denial", line["level"])
	}
	if line["resource"] != "/admin" || line["actor_id"] != "u1" {
		t.Errorf("line = %v", line)
	}
	if _, ok := line["tenant_id"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestRequestID(t *testing.T) {
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID(empty) = %q", got)
	}
	if got := RequestID(WithRequestID(context.Background(), "abc")); got != "abc" {
		t.Errorf("RequestID = %q, want abc", got)
	}
}
