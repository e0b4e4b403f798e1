// Package audit records security-relevant events (token validation outcomes,
// user access and mutation, rate-limit trips) as structured JSON entries on a
// sink separate from the application log. Recording is fire-and-forget: it
// never blocks the request path and never surfaces an error to the caller.
package audit

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/metrics"
)

// EventType is the category of an audit event.
type EventType string

const (
	EventTokenValidationSuccess EventType = "TOKEN_VALIDATION_SUCCESS"
	EventTokenValidationFailure EventType = "TOKEN_VALIDATION_FAILURE"
	EventUserInfoAccess         EventType = "USER_INFO_ACCESS"
	EventUserCreated            EventType = "USER_CREATED"
	EventUserUpdated            EventType = "USER_UPDATED"
	EventRateLimitExceeded      EventType = "RATE_LIMIT_EXCEEDED"
)

// RequestMeta is the request context attached to every audit entry.
type RequestMeta struct {
	IP        string
	Path      string
	Method    string
	UserAgent string
}

type metaKey struct{}

// WithRequest returns a context carrying the request metadata. Middleware sets
// it once per request so that audit events recorded anywhere downstream carry
// ip/path/method without threading them through every call.
func WithRequest(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

func requestMeta(ctx context.Context) RequestMeta {
	if m, ok := ctx.Value(metaKey{}).(RequestMeta); ok {
		return m
	}
	return RequestMeta{}
}

type entry struct {
	event   EventType
	meta    RequestMeta
	details map[string]interface{}
}

// Logger writes audit entries asynchronously through a bounded queue. When the
// queue is full the event is dropped and counted, never blocking the caller.
type Logger struct {
	log       *logrus.Logger
	events    chan entry
	done      chan struct{}
	closeOnce sync.Once
	closer    io.Closer
}

// New creates an audit logger writing JSON entries to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	a := &Logger{
		log:    l,
		events: make(chan entry, 256),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// NewNop returns a logger that discards all events. Useful in tests.
func NewNop() *Logger {
	return New(io.Discard)
}

// Open creates an audit logger appending to the given file, creating parent
// directories as needed.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	a := New(f)
	a.closer = f
	return a, nil
}

// Record enqueues an audit event. details must not contain raw tokens or full
// claim sets; callers pass only the identifying fields each event needs.
func (a *Logger) Record(ctx context.Context, event EventType, details map[string]interface{}) {
	e := entry{event: event, meta: requestMeta(ctx), details: details}
	select {
	case a.events <- e:
	default:
		metrics.AuditEventsDropped.Inc()
	}
}

// Close drains the queue, stops the writer goroutine and closes the sink.
func (a *Logger) Close() {
	a.closeOnce.Do(func() {
		close(a.events)
		<-a.done
		if a.closer != nil {
			_ = a.closer.Close()
		}
	})
}

func (a *Logger) run() {
	defer close(a.done)
	for e := range a.events {
		a.write(e)
	}
}

func (a *Logger) write(e entry) {
	defer func() {
		// a failing sink must never take the service down
		_ = recover()
	}()
	fields := logrus.Fields{
		"service":    "auth-audit",
		"event_id":   uuid.NewString(),
		"event_type": string(e.event),
		"ip":         orUnknown(e.meta.IP),
		"path":       orUnknown(e.meta.Path),
		"method":     orUnknown(e.meta.Method),
		"user_agent": orUnknown(e.meta.UserAgent),
	}
	for k, v := range e.details {
		fields[k] = v
	}
	a.log.WithFields(fields).Info("auth audit event")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
