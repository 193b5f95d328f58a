package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const waitTimeout = 2 * time.Second

type fakeSession struct {
	in   chan []byte
	done chan struct{}
	once sync.Once
	err  error

	mu     sync.Mutex
	writes [][]byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *fakeSession) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSession) Write(_ context.Context, frame []byte) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, frame)
	return nil
}

func (s *fakeSession) Close() error {
	s.drop(websocket.CloseError{Code: websocket.StatusNormalClosure})
	return nil
}

// drop ends the session as if the server went away with err.
func (s *fakeSession) drop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// written returns the payloads of frames sent with event.
func (s *fakeSession) written(event string) []gjson.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gjson.Result
	for _, w := range s.writes {
		if gjson.GetBytes(w, "event").Str == event {
			out = append(out, gjson.GetBytes(w, "payload"))
		}
	}
	return out
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	sessions []*fakeSession
	// dialFn overrides the default of handing out a fresh session.
	dialFn func(ctx context.Context) (Session, error)
	dialed chan int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan int, 64)}
}

func (f *fakeTransport) Dial(ctx context.Context, _ Credentials) (Session, error) {
	f.mu.Lock()
	f.dials++
	n, fn := f.dials, f.dialFn
	f.mu.Unlock()
	select {
	case f.dialed <- n:
	default:
	}
	if fn != nil {
		return fn(ctx)
	}
	s := newFakeSession()
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeTransport) setDial(fn func(ctx context.Context) (Session, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialFn = fn
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func blockingDial(ctx context.Context) (Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type countingVerifier struct {
	calls atomic.Int32
	err   error
}

func (v *countingVerifier) Verify(_ context.Context, userID, _ string) (*identity.Profile, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	return &identity.Profile{ID: userID, Name: "Ada", Status: "active"}, nil
}

type recorder struct {
	states chan StateEvent
	errs   chan apperror.Descriptor
	events chan string
}

func record(c *Client) *recorder {
	r := &recorder{
		states: make(chan StateEvent, 128),
		errs:   make(chan apperror.Descriptor, 128),
		events: make(chan string, 128),
	}
	c.OnStateChange(func(ev StateEvent) { r.states <- ev })
	c.OnError(func(d apperror.Descriptor) { r.errs <- d })
	c.OnEvent(func(event string, _ json.RawMessage) { r.events <- event })
	return r
}

// until collects state events up to and including the first one entering want.
func (r *recorder) until(t *testing.T, want ConnectionState) []StateEvent {
	t.Helper()
	var seen []StateEvent
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.states:
			seen = append(seen, ev)
			if ev.NewState == want {
				return seen
			}
		case <-timeout:
			t.Fatalf("never reached %s, saw %v", want, seen)
		}
	}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.states:
		t.Fatalf("unexpected transition %s -> %s", ev.OldState, ev.NewState)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *recorder) nextError(t *testing.T) apperror.Descriptor {
	t.Helper()
	select {
	case d := <-r.errs:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("no error reported")
		return apperror.Descriptor{}
	}
}

func newTestClient(tr Transport, opts Options) *Client {
	if opts.Backoff == nil {
		opts.Backoff = &backoff.ZeroBackOff{}
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = waitTimeout
	}
	return New(tr, opts)
}

var ada = &Credentials{UserID: "u1", Token: "tok"}

func TestRetriesAreBounded(t *testing.T) {
	tr := newFakeTransport()
	tr.setDial(func(context.Context) (Session, error) {
		return nil, errors.New("dial tcp 127.0.0.1:3001: connect: connection refused")
	})
	c := newTestClient(tr, Options{MaxAttempts: 5})
	rec := record(c)

	c.SetIdentity(ada)
	seen := rec.until(t, StateFailed)
	rec.quiet(t)

	var attempts []int
	for _, ev := range seen {
		if ev.NewState == StateReconnecting {
			attempts = append(attempts, ev.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	last := seen[len(seen)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, apperror.CodeReconnectExhausted, last.Error.Code)
	assert.Equal(t, 6, tr.dialCount(), "one initial dial plus five retries")

	// the budget restarts only on request
	tr.setDial(nil)
	require.NoError(t, c.Reconnect())
	seen = rec.until(t, StateConnected)
	assert.Equal(t, StateReconnecting, seen[0].NewState)
	assert.Equal(t, 1, seen[0].Attempt)
	assert.Equal(t, 7, tr.dialCount())
}

func TestOfflinePreemptsPendingDial(t *testing.T) {
	tr := newFakeTransport()
	tr.setDial(blockingDial)
	c := newTestClient(tr, Options{})
	rec := record(c)

	c.SetIdentity(ada)
	rec.until(t, StateConnecting)
	<-tr.dialed

	c.SetNetworkOnline(false)
	seen := rec.until(t, StateOffline)
	require.NotNil(t, seen[len(seen)-1].Error)
	assert.Equal(t, apperror.CodeNetworkOffline, seen[len(seen)-1].Error.Code)
	rec.quiet(t)
	assert.Equal(t, StateOffline, c.State())
	assert.ErrorIs(t, c.Reconnect(), ErrOffline)

	tr.setDial(nil)
	c.SetNetworkOnline(true)
	seen = rec.until(t, StateConnected)
	assert.Equal(t, StateReconnecting, seen[0].NewState)
	assert.Equal(t, 1, seen[0].Attempt)
}

func TestWatchdogFailsStuckAttempt(t *testing.T) {
	tr := newFakeTransport()
	tr.setDial(blockingDial)
	c := newTestClient(tr, Options{ConnectTimeout: 50 * time.Millisecond})
	rec := record(c)

	c.SetIdentity(ada)
	seen := rec.until(t, StateFailed)
	last := seen[len(seen)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, apperror.CodeTimeout, last.Error.Code)
	assert.Equal(t, apperror.CodeTimeout, rec.nextError(t).Code)
	rec.quiet(t)
	assert.Equal(t, 1, tr.dialCount())
}

func TestRejectedVerificationIsFatal(t *testing.T) {
	tr := newFakeTransport()
	v := &countingVerifier{err: &apperror.HTTPError{Status: http.StatusUnauthorized}}
	c := newTestClient(tr, Options{Verifier: v})
	rec := record(c)

	c.SetIdentity(ada)
	seen := rec.until(t, StateFailed)
	require.NotNil(t, seen[len(seen)-1].Error)
	assert.Equal(t, apperror.CodeAuthFailed, seen[len(seen)-1].Error.Code)
	assert.False(t, seen[len(seen)-1].Error.Retryable)
	assert.Zero(t, tr.dialCount())
	_, ok := c.Profile()
	assert.False(t, ok)
}

func TestReconnectReplaysJoinsWithoutReverifying(t *testing.T) {
	tr := newFakeTransport()
	v := &countingVerifier{}
	c := newTestClient(tr, Options{Verifier: v})
	rec := record(c)
	ctx := context.Background()

	require.NoError(t, c.JoinStudy(ctx, "s0"), "joins before connecting are queued")
	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	profile, ok := c.Profile()
	require.True(t, ok)
	assert.Equal(t, "Ada", profile.Name)

	first := tr.session(0)
	assert.Eventually(t, func() bool { return len(first.written(EvJoinStudy)) == 1 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, c.JoinStudy(ctx, "s1"))
	require.NoError(t, c.JoinVideoRoom(ctx, "s1", "r1"))
	require.NoError(t, c.LeaveStudy(ctx, "s0"))
	require.Len(t, first.written(EvJoinVideo), 1)
	require.Len(t, first.written(EvLeaveStudy), 1)

	first.drop(websocket.CloseError{Code: websocket.StatusGoingAway})
	seen := rec.until(t, StateConnected)
	assert.Equal(t, StateReconnecting, seen[0].NewState)
	assert.Equal(t, apperror.CodeTransportDegraded, rec.nextError(t).Code)

	second := tr.session(1)
	assert.Eventually(t, func() bool { return len(second.written(EvJoinVideo)) == 1 }, waitTimeout, 5*time.Millisecond)
	joins := second.written(EvJoinStudy)
	require.Len(t, joins, 1)
	assert.Equal(t, "s1", joins[0].Get("studyId").Str)
	assert.Equal(t, "r1", second.written(EvJoinVideo)[0].Get("roomId").Str)
	assert.EqualValues(t, 1, v.calls.Load())
}

func TestServerErrorEventIsReported(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, Options{})
	rec := record(c)

	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	tr.session(0).in <- []byte(`{"event":"error","payload":{"message":"room is full","code":"ROOM_FULL","event":"video:join-room"}}`)

	d := rec.nextError(t)
	assert.Equal(t, apperror.CodeRoomFull, d.Code)
	assert.Equal(t, "video:join-room", d.Context["event"])
	assert.Equal(t, EvError, <-rec.events)
	assert.Equal(t, StateConnected, c.State())
}

func TestEmitOutsideConnectedFails(t *testing.T) {
	c := newTestClient(newFakeTransport(), Options{})
	err := c.SendChat(context.Background(), "s1", "hi")
	require.Error(t, err)
	assert.Equal(t, apperror.CodeSendFailed, apperror.CodeOf(err))
}

func TestDisconnectIsFinal(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, Options{})
	rec := record(c)

	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	c.Disconnect()
	rec.until(t, StateDisconnected)
	assert.Eventually(t, tr.session(0).isClosed, waitTimeout, 5*time.Millisecond)
	rec.quiet(t)
	assert.Equal(t, 1, tr.dialCount())
}

func TestDisconnectSurvivesNetworkFlap(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, Options{})
	rec := record(c)

	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	c.Disconnect()
	rec.until(t, StateDisconnected)

	c.SetNetworkOnline(false)
	rec.until(t, StateOffline)
	c.SetNetworkOnline(true)
	seen := rec.until(t, StateDisconnected)
	assert.Len(t, seen, 1, "back to idle without passing through RECONNECTING")
	rec.quiet(t)
	assert.Equal(t, 1, tr.dialCount())

	// the same identity arriving again does not undo the disconnect
	c.SetIdentity(ada)
	rec.quiet(t)

	require.NoError(t, c.Reconnect())
	rec.until(t, StateConnected)
	assert.Equal(t, 2, tr.dialCount())
}

func TestServerCloseCodesDriveReconnect(t *testing.T) {
	tests := []struct {
		name      string
		status    websocket.StatusCode
		want      apperror.Code
		nextState ConnectionState
	}{
		{"slow consumer", apperror.StatusSlowConsumer, apperror.CodeTransportDegraded, StateReconnecting},
		{"replaced by newer session", apperror.StatusReplaced, apperror.CodeConnectionReplaced, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			c := newTestClient(tr, Options{})
			t.Cleanup(c.Disconnect)
			rec := record(c)

			c.SetIdentity(ada)
			rec.until(t, StateConnected)
			tr.session(0).drop(websocket.CloseError{Code: tt.status})

			seen := rec.until(t, tt.nextState)
			assert.Equal(t, StateConnected, seen[0].OldState)
			assert.Equal(t, tt.want, rec.nextError(t).Code)
			if tt.nextState == StateFailed {
				require.NotNil(t, seen[len(seen)-1].Error)
				assert.Equal(t, tt.want, seen[len(seen)-1].Error.Code)
				rec.quiet(t)
				assert.Equal(t, 1, tr.dialCount())
			}
		})
	}
}

func TestSigningOutStopsAndSigningInStarts(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, Options{})
	rec := record(c)

	c.SetIdentity(ada)
	rec.until(t, StateConnected)
	c.SetIdentity(nil)
	rec.until(t, StateDisconnected)
	assert.ErrorIs(t, c.Reconnect(), ErrNoIdentity)

	c.SetIdentity(&Credentials{UserID: "u2", Token: "other"})
	seen := rec.until(t, StateConnected)
	assert.Equal(t, StateConnecting, seen[0].NewState)
	assert.Equal(t, 2, tr.dialCount())
}

func TestFlightSharesOneCall(t *testing.T) {
	f := flight{timeout: waitTimeout}
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	var callErr atomic.Value
	fn := func(ctx context.Context) (*identity.Profile, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if ctx.Err() != nil {
			callErr.Store(ctx.Err())
		}
		return &identity.Profile{ID: "u1"}, nil
	}

	// the first waiter gives up; the call keeps running for the second
	ctx1, cancel1 := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := f.do(ctx1, "k", fn)
		firstErr <- err
	}()
	<-started
	cancel1()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	profile, shared, err := f.do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Equal(t, "u1", profile.ID)
	assert.EqualValues(t, 1, calls.Load())
	assert.Nil(t, callErr.Load())
}
