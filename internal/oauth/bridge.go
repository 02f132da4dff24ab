package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

const (
	callbackPath    = "/callback"
	exchangeTimeout = 30 * time.Second
)

// Exchanger trades an authorization code for the account's address and
// token pair.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (string, *oauth2.Token, error)
}

// AccountRecorder persists a successful authorization and makes the account
// active.
type AccountRecorder interface {
	RecordAuthorization(ctx context.Context, email string, token *oauth2.Token) (*domain.Account, error)
}

// Bridge is the loopback listener the identity provider redirects to. It
// owns at most one live Session because the redirect address is fixed.
type Bridge struct {
	addr      string
	exchanger Exchanger
	recorder  AccountRecorder
	grace     time.Duration

	mu      sync.Mutex
	current *Session
}

func NewBridge(addr string, exchanger Exchanger, recorder AccountRecorder, grace time.Duration) *Bridge {
	return &Bridge{
		addr:      addr,
		exchanger: exchanger,
		recorder:  recorder,
		grace:     grace,
	}
}

// Start binds the callback listener and returns a new session. A session
// that is still live is resolved as superseded and fully torn down first.
func (b *Bridge) Start(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev := b.current; prev != nil {
		log.WithField("session", prev.ID).Info("authorization_session_preempted")
		prev.resolveExternal(Outcome{Err: ErrSuperseded})
		prev.teardown()
		b.current = nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", b.addr, err)
	}

	sess := newSession()
	sess.addr = ln.Addr().String()
	sess.server = &http.Server{
		Handler:           b.router(sess),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := sess.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("session", sess.ID).WithError(err).Error("callback_serve_failed")
			sess.Fail(err)
		}
	}()
	go b.watch(sess)

	b.current = sess
	log.WithFields(log.Fields{"session": sess.ID, "addr": sess.addr}).Info("callback_listening")
	return sess, nil
}

// Current returns the live session, or nil.
func (b *Bridge) Current() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Close tears down the live session, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	sess := b.current
	b.current = nil
	b.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// watch tears the session down a grace period after its outcome resolves so
// the status page can render before the socket closes.
func (b *Bridge) watch(sess *Session) {
	select {
	case <-sess.Done():
	case <-sess.torn:
		return
	}
	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sess.torn:
	}
	sess.teardown()

	b.mu.Lock()
	if b.current == sess {
		b.current = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) router(sess *Session) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.SetHTMLTemplate(pages)
	r.GET(callbackPath, b.handleCallback(sess))
	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "not found")
	})
	return r
}

func (b *Bridge) handleCallback(sess *Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := log.WithField("session", sess.ID)

		if state := c.Query("state"); state != "" && state != sess.ID {
			logger.WithField("state", state).Warn("callback_state_mismatch")
			c.String(http.StatusBadRequest, "unknown authorization state")
			return
		}

		if reason := c.Query("error"); reason != "" {
			logger.WithField("error", reason).Info("callback_received")
			sess.resolve(Outcome{Err: fmt.Errorf("authorization denied: %s", reason)})
			renderOutcome(c, sess)
			return
		}

		code := c.Query("code")
		if code == "" {
			logger.Warn("callback_missing_params")
			c.String(http.StatusBadRequest, "missing code or error parameter")
			return
		}
		logger.Info("callback_received")

		sess.exchangeMu.Lock()
		defer sess.exchangeMu.Unlock()
		if sess.Resolved() {
			renderOutcome(c, sess)
			return
		}

		sess.Progress("exchanging authorization code")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), exchangeTimeout)
		defer cancel()

		email, token, err := b.exchanger.Exchange(ctx, code)
		recorded := sess.commit(func() Outcome {
			if err != nil {
				return Outcome{Err: err}
			}
			if _, err := b.recorder.RecordAuthorization(ctx, email, token); err != nil {
				return Outcome{Err: err}
			}
			sess.Progress("authorized " + email)
			return Outcome{Email: email}
		})
		if !recorded {
			logger.WithField("email", email).Info("callback_discarded_after_resolution")
		}
		renderOutcome(c, sess)
	}
}
