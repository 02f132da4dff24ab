package oauth

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeExchanger struct {
	email string
	err   error
	calls atomic.Int32
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (string, *oauth2.Token, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", nil, f.err
	}
	return f.email, &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh-" + code}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	emails []string
}

func (f *fakeRecorder) RecordAuthorization(ctx context.Context, email string, token *oauth2.Token) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	return &domain.Account{ID: int64(len(f.emails)), Email: email}, nil
}

// blockingExchanger holds every exchange until release is closed.
type blockingExchanger struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingExchanger) Exchange(ctx context.Context, code string) (string, *oauth2.Token, error) {
	close(f.started)
	<-f.release
	return "old@example.com", &oauth2.Token{AccessToken: "access-" + code}, nil
}

type fakeBrowser struct{ closed atomic.Int32 }

func (f *fakeBrowser) Close() error {
	f.closed.Add(1)
	return nil
}

var _ io.Closer = (*fakeBrowser)(nil)

func newTestBridge(t *testing.T, ex Exchanger, grace time.Duration) (*Bridge, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	b := NewBridge("127.0.0.1:0", ex, rec, grace)
	t.Cleanup(b.Close)
	return b, rec
}

func get(t *testing.T, sess *Session, query string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + sess.Addr() + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func waitOutcome(t *testing.T, sess *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sess.Wait(ctx)
}

func TestBridge_CodeSuccess(t *testing.T) {
	ex := &fakeExchanger{email: "user@example.com"}
	b, rec := newTestBridge(t, ex, 20*time.Millisecond)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	status, body := get(t, sess, "/callback?code=ABC123&state="+sess.ID)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "user@example.com")

	o := waitOutcome(t, sess)
	assert.True(t, o.Succeeded())
	assert.Equal(t, "user@example.com", o.Email)
	assert.Equal(t, sess.ID, o.SessionID)
	assert.Equal(t, []string{"user@example.com"}, rec.emails)

	// Teardown closes the event stream and the listener after the grace period.
	var progress []string
	for msg := range sess.Events() {
		progress = append(progress, msg)
	}
	assert.Contains(t, progress, "authorized user@example.com")
	_, err = net.DialTimeout("tcp", sess.Addr(), time.Second)
	assert.Error(t, err)
}

func TestBridge_ErrorThenCodeNeverSucceeds(t *testing.T) {
	ex := &fakeExchanger{email: "user@example.com"}
	b, rec := newTestBridge(t, ex, time.Minute)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	status, body := get(t, sess, "/callback?error=access_denied")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "access_denied")

	status, _ = get(t, sess, "/callback?code=LATE")
	assert.Equal(t, http.StatusOK, status)

	o := waitOutcome(t, sess)
	assert.False(t, o.Succeeded())
	assert.ErrorContains(t, o.Err, "access_denied")
	assert.Zero(t, ex.calls.Load(), "code after a resolved outcome must not be exchanged")
	assert.Empty(t, rec.emails)
}

func TestBridge_MalformedRedirectKeepsListening(t *testing.T) {
	ex := &fakeExchanger{email: "user@example.com"}
	b, _ := newTestBridge(t, ex, time.Minute)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	status, _ := get(t, sess, "/callback")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = get(t, sess, "/callback?code=X&state=someone-else")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = get(t, sess, "/favicon.ico")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, sess.Resolved())

	status, _ = get(t, sess, "/callback?code=X")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, waitOutcome(t, sess).Succeeded())
}

func TestBridge_ExchangeFailure(t *testing.T) {
	ex := &fakeExchanger{err: &domain.ExchangeError{Err: errors.New("invalid_grant")}}
	b, rec := newTestBridge(t, ex, time.Minute)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	status, body := get(t, sess, "/callback?code=EXPIRED")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Authorization failed")

	o := waitOutcome(t, sess)
	var exErr *domain.ExchangeError
	assert.True(t, errors.As(o.Err, &exErr))
	assert.Empty(t, rec.emails)
}

func TestBridge_SuccessIsNotFollowedByFailure(t *testing.T) {
	ex := &fakeExchanger{email: "user@example.com"}
	b, _ := newTestBridge(t, ex, time.Minute)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	get(t, sess, "/callback?code=ONE")
	get(t, sess, "/callback?error=access_denied")
	sess.Fail(errors.New("late failure"))

	o := waitOutcome(t, sess)
	assert.True(t, o.Succeeded())
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestBridge_StartPreemptsLiveSession(t *testing.T) {
	ex := &fakeExchanger{email: "user@example.com"}
	b, _ := newTestBridge(t, ex, time.Minute)

	first, err := b.Start(context.Background())
	require.NoError(t, err)
	browser := &fakeBrowser{}
	first.AttachBrowser(browser)

	second, err := b.Start(context.Background())
	require.NoError(t, err)

	o := waitOutcome(t, first)
	assert.ErrorIs(t, o.Err, ErrSuperseded)
	assert.Equal(t, int32(1), browser.closed.Load())
	_, err = net.DialTimeout("tcp", first.Addr(), time.Second)
	assert.Error(t, err, "preempted listener must be closed")

	// Events of the preempted session are closed, the new one is live.
	_, open := <-first.Events()
	assert.False(t, open)
	status, _ := get(t, second, "/callback?code=NEW")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, waitOutcome(t, second).Succeeded())
}

func TestBridge_PreemptDuringExchangeDoesNotRecord(t *testing.T) {
	ex := &blockingExchanger{started: make(chan struct{}), release: make(chan struct{})}
	b, rec := newTestBridge(t, ex, time.Minute)

	first, err := b.Start(context.Background())
	require.NoError(t, err)

	callbackDone := make(chan struct{})
	go func() {
		defer close(callbackDone)
		resp, err := http.Get("http://" + first.Addr() + "/callback?code=OLD")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-ex.started

	// Start waits for the in-flight callback while shutting the old server down.
	startDone := make(chan error, 1)
	go func() {
		_, err := b.Start(context.Background())
		startDone <- err
	}()
	assert.Eventually(t, first.Resolved, 5*time.Second, 5*time.Millisecond)
	close(ex.release)

	require.NoError(t, <-startDone)
	<-callbackDone

	assert.ErrorIs(t, waitOutcome(t, first).Err, ErrSuperseded)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.emails, "superseded session must not activate an account")
}

func TestBridge_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	b := NewBridge(ln.Addr().String(), &fakeExchanger{}, &fakeRecorder{}, time.Second)
	_, err = b.Start(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
}

func TestSession_CloseIsSafe(t *testing.T) {
	b, _ := newTestBridge(t, &fakeExchanger{}, time.Minute)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	sess.Progress("before close")
	sess.Close()
	sess.Close()
	sess.Progress("after close")

	browser := &fakeBrowser{}
	sess.AttachBrowser(browser)
	assert.Equal(t, int32(1), browser.closed.Load(), "late browser is closed immediately")

	o := waitOutcome(t, sess)
	assert.ErrorIs(t, o.Err, ErrSessionClosed)

	msg, ok := <-sess.Events()
	assert.True(t, ok)
	assert.Equal(t, "before close", msg)
	_, ok = <-sess.Events()
	assert.False(t, ok)
}

func TestSession_WaitHonorsContext(t *testing.T) {
	b, _ := newTestBridge(t, &fakeExchanger{}, time.Minute)
	sess, err := b.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := sess.Wait(ctx)
	assert.ErrorIs(t, o.Err, context.Canceled)
	assert.False(t, sess.Resolved())
}
