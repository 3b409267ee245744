// Package audit records security-relevant authorization events: sign-in and
// sign-out, tenant switches, impersonation, denials and admin listings.
//
// Events are queued and dispatched on a background goroutine. Logging never
// blocks the caller; when the queue is full the event is dropped and counted.
// A nil *Logger is valid and discards everything.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Actions.
const (
	ActionSignIn       = "sign_in"
	ActionSignOut      = "sign_out"
	ActionTenantSwitch = "tenant_switch"
	ActionImpersonate  = "impersonate"
	ActionAccessDenied = "access_denied"
	ActionTokenRefresh = "token_refresh"
	ActionAdminList    = "admin_list"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// DefaultBufferSize is used when New is given a non-positive size.
const DefaultBufferSize = 1024

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	// ActorID is the principal performing the action (the admin, for impersonation).
	ActorID string `json:"actor_id,omitempty"`
	// SubjectID is the principal acted upon, when different from the actor.
	SubjectID string `json:"subject_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	Action    string `json:"action"`
	Resource  string `json:"resource,omitempty"`
	Result    string `json:"result"`
	Details   string `json:"details,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler receives dispatched events. Handlers run on the dispatch goroutine.
type Handler func(event Event)

// Logger queues events and fans them out to its handlers.
type Logger struct {
	handlers []Handler
	now      func() time.Time
	queue    chan Event
	done     chan struct{}
	stopped  sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Uint64
	onPanic  func(recovered any)
}

// Option configures the Logger.
type Option func(*Logger)

// WithWriterHandler writes one JSON object per event line to w.
func WithWriterHandler(w io.Writer) Option {
	return WithHandler(func(e Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "%s\n", data)
	})
}

// WithSlogHandler writes events through logger. Non-success results log at warn.
func WithSlogHandler(logger *slog.Logger) Option {
	return WithHandler(func(e Event) {
		level := slog.LevelInfo
		if e.Result != ResultSuccess {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("event_id", e.ID),
			slog.String("action", e.Action),
			slog.String("result", e.Result),
		}
		for _, kv := range [][2]string{
			{"actor_id", e.ActorID},
			{"subject_id", e.SubjectID},
			{"tenant_id", e.TenantID},
			{"resource", e.Resource},
			{"details", e.Details},
			{"request_id", e.RequestID},
			{"ip", e.IP},
			{"error", e.Error},
		} {
			if kv[1] != "" {
				attrs = append(attrs, slog.String(kv[0], kv[1]))
			}
		}
		logger.LogAttrs(context.Background(), level, "audit", attrs...)
	})
}

// WithHandler adds h.
func WithHandler(h Handler) Option {
	return func(l *Logger) { l.handlers = append(l.handlers, h) }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithPanicHandler is called with the value recovered from a panicking handler.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(l *Logger) { l.onPanic = fn }
}

// New starts a Logger with a queue of bufferSize events.
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	l := &Logger{
		now:   time.Now,
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Log queues event, filling ID and Timestamp when unset.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	select {
	case <-l.done:
		l.dropped.Add(1)
		return
	default:
	}
	select {
	case l.queue <- event:
	default:
		l.dropped.Add(1)
	}
}

// LogContext is Log with the request ID carried by ctx.
func (l *Logger) LogContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = RequestID(ctx)
	}
	l.Log(event)
}

// Dropped reports how many events were discarded because the queue was full
// or the logger was closed.
func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.dispatch(e)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					l.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) dispatch(e Event) {
	for _, h := range l.handlers {
		l.call(h, e)
	}
}

// call isolates handler panics so one bad sink cannot stop dispatch.
func (l *Logger) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil && l.onPanic != nil {
			l.onPanic(r)
		}
	}()
	h(e)
}

// Close dispatches queued events and stops the logger. Later calls are no-ops.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.stopped.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying the request id used by LogContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
