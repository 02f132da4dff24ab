package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrSuperseded resolves a session preempted by a newer acquisition.
	ErrSuperseded = errors.New("superseded by a new acquisition")
	// ErrSessionClosed resolves a session closed before any redirect arrived.
	ErrSessionClosed = errors.New("authorization session closed")
)

const (
	eventBuffer     = 32
	shutdownTimeout = 5 * time.Second
)

// Outcome is the single result of an authorization session.
type Outcome struct {
	SessionID string
	Email     string
	Err       error
}

func (o Outcome) Succeeded() bool { return o.Err == nil && o.Email != "" }

// Session is one in-flight acquisition. Its ID doubles as the OAuth state
// parameter. Exactly one outcome is ever resolved per session.
type Session struct {
	ID string

	addr   string
	server *http.Server

	// exchangeMu serializes code exchanges within the session.
	exchangeMu sync.Mutex
	// commitMu orders the callback's record step against resolution from
	// outside the handler, so a session resolved elsewhere is never recorded.
	commitMu sync.Mutex

	mu       sync.Mutex
	outcome  Outcome
	resolved bool
	browser  io.Closer
	closed   bool
	events   chan string
	done     chan struct{}
	torn     chan struct{}
	tearOnce sync.Once
}

func newSession() *Session {
	return &Session{
		ID:     uuid.NewString(),
		events: make(chan string, eventBuffer),
		done:   make(chan struct{}),
		torn:   make(chan struct{}),
	}
}

// Addr is the address the session's listener is bound to.
func (s *Session) Addr() string { return s.addr }

// Events streams human-readable progress. The channel is closed when the
// session is torn down. It has a single consumer; messages are dropped
// while its buffer is full.
func (s *Session) Events() <-chan string { return s.events }

// Progress publishes msg to the event stream. It is a no-op once the
// session has been torn down.
func (s *Session) Progress(msg string) {
	log.WithFields(log.Fields{"session": s.ID, "message": msg}).Debug("authorization_progress")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- msg:
	default:
	}
}

// AttachBrowser hands the session a browser to close on teardown. A browser
// attached after teardown is closed immediately.
func (s *Session) AttachBrowser(b io.Closer) {
	s.mu.Lock()
	if !s.closed {
		s.browser = b
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = b.Close()
}

// Done is closed once the outcome is resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Resolved reports whether the outcome is known.
func (s *Session) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Outcome returns the resolved outcome and whether there is one.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.resolved
}

// Wait blocks until the outcome is resolved or ctx is done.
func (s *Session) Wait(ctx context.Context) Outcome {
	select {
	case <-s.done:
		o, _ := s.Outcome()
		return o
	case <-ctx.Done():
		return Outcome{SessionID: s.ID, Err: ctx.Err()}
	}
}

// Fail resolves the session as failed. It is a no-op if an outcome exists.
func (s *Session) Fail(err error) {
	s.resolveExternal(Outcome{Err: err})
}

// Close resolves the session as failed if still pending and tears it down
// without waiting for the grace period.
func (s *Session) Close() {
	s.resolveExternal(Outcome{Err: ErrSessionClosed})
	s.teardown()
}

// resolveExternal resolves o once any in-progress record step has finished.
func (s *Session) resolveExternal(o Outcome) bool {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.resolve(o)
}

// commit runs record and resolves its outcome, unless the session was
// resolved first. It reports whether record ran.
func (s *Session) commit(record func() Outcome) bool {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.Resolved() {
		return false
	}
	s.resolve(record())
	return true
}

// resolve records o unless an outcome already exists.
func (s *Session) resolve(o Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return false
	}
	o.SessionID = s.ID
	s.outcome = o
	s.resolved = true
	close(s.done)

	fields := log.Fields{"session": s.ID, "email": o.Email}
	if o.Err != nil {
		log.WithFields(fields).WithError(o.Err).Info("authorization_failed")
	} else {
		log.WithFields(fields).Info("authorization_succeeded")
	}
	return true
}

// teardown stops the listener, closes the browser and ends the event stream.
func (s *Session) teardown() {
	s.tearOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.server.Shutdown(ctx); err != nil {
				log.WithField("session", s.ID).WithError(err).Warn("callback_shutdown_failed")
				_ = s.server.Close()
			}
			cancel()
		}

		s.mu.Lock()
		browser := s.browser
		s.browser = nil
		s.closed = true
		close(s.events)
		close(s.torn)
		s.mu.Unlock()

		if browser != nil {
			if err := browser.Close(); err != nil {
				log.WithField("session", s.ID).WithError(err).Warn("browser_close_failed")
			}
		}
		log.WithField("session", s.ID).Debug("authorization_session_torn_down")
	})
}
