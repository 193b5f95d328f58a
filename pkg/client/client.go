// Package client keeps a connection to the hub alive on behalf of an
// application: it verifies the session, dials, retries with backoff and
// reports every state change and failure through observers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/logging"
	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNoIdentity = errors.New("no authenticated identity")
	ErrOffline    = errors.New("network is offline")
)

// Credentials identify the user a session belongs to.
type Credentials struct {
	UserID string
	Token  string
}

func (c Credentials) key() string { return c.UserID + "\x00" + c.Token }

// Transport opens sessions to the hub.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// Session is one live connection. Read blocks for the next frame.
type Session interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

type Options struct {
	Logger *slog.Logger
	// Verifier checks the identity before the first dial of a session. Nil
	// skips verification.
	Verifier identity.Verifier
	// ConnectTimeout bounds every CONNECTING or RECONNECTING phase.
	ConnectTimeout time.Duration
	// MaxAttempts is the automatic reconnect budget.
	MaxAttempts   int
	VerifyTimeout time.Duration
	// Backoff paces reconnect attempts. It is reset on every successful
	// connection.
	Backoff backoff.BackOff
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = 10 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = NewBackoff()
	}
}

// NewBackoff returns the default reconnect pacing: 1s doubling up to 5s,
// with 50% jitter, never giving up on its own.
func NewBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0.5),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// Client is the connection state machine. All methods are safe for
// concurrent use; observers are called from a single goroutine, in order,
// and may call back into the client.
type Client struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	verify    flight

	mu      sync.Mutex
	state   ConnectionState
	creds   *Credentials
	online  bool
	attempt int
	// epoch identifies the current attempt; results carrying an older epoch
	// are discarded.
	epoch         uint64
	cancelAttempt context.CancelFunc
	watchdog      *time.Timer
	retry         *time.Timer
	session       Session
	verified      string
	profile       identity.Profile
	joins         []rejoin

	// stopped records a Disconnect; only Reconnect or a new identity
	// lifts it.
	stopped bool

	onState []func(StateEvent)
	onError []func(apperror.Descriptor)
	onEvent []func(event string, payload json.RawMessage)

	queue    []func()
	draining bool
}

// rejoin is a join the client replays after every reconnect.
type rejoin struct {
	key     string
	event   string
	payload any
}

func New(transport Transport, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("component", "client")),
		verify:    flight{timeout: opts.VerifyTimeout},
		online:    true,
	}
}

// OnStateChange registers callback for state transitions.
func (c *Client) OnStateChange(fn func(StateEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnError registers callback for classified failures, including error
// events sent by the hub.
func (c *Client) OnError(fn func(apperror.Descriptor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnEvent registers callback for every inbound hub event.
func (c *Client) OnEvent(fn func(event string, payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = append(c.onEvent, fn)
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile is the verified profile of the current session, if any.
func (c *Client) Profile() (identity.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile, c.verified != "" && c.creds != nil && c.verified == c.creds.key()
}

// SetIdentity feeds the authentication state in. nil or an empty user id
// means signed out. A new identity while DISCONNECTED and online starts
// connecting.
func (c *Client) SetIdentity(creds *Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if creds == nil || creds.UserID == "" {
		c.creds = nil
		c.verified = ""
		c.joins = nil
		c.stop(StateDisconnected, nil)
		return
	}

	changed := c.creds == nil || *c.creds != *creds
	next := *creds
	c.creds = &next
	if changed {
		c.stopped = false
		if c.state != StateDisconnected && c.state != StateOffline {
			// whatever is running belongs to the previous identity
			c.joins = nil
			c.stop(StateDisconnected, nil)
		}
	}
	if c.state == StateDisconnected && c.online && !c.stopped {
		c.attempt = 0
		c.opts.Backoff.Reset()
		c.startAttempt(StateConnecting)
	}
}

// SetNetworkOnline reports network reachability. Going offline preempts
// whatever is in progress; coming back resumes with a reconnect.
func (c *Client) SetNetworkOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !online {
		c.online = false
		if c.state == StateOffline {
			return
		}
		d := apperror.Classify(apperror.New(apperror.CodeNetworkOffline, "network reported offline"))
		c.stop(StateOffline, &d)
		return
	}

	c.online = true
	if c.state != StateOffline {
		return
	}
	if c.creds == nil || c.stopped {
		c.transition(StateDisconnected, nil)
		return
	}
	c.reconnectNow()
}

// Reconnect restarts the attempt budget. It is how FAILED is left.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds == nil {
		return ErrNoIdentity
	}
	if !c.online {
		return ErrOffline
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		return nil
	}
	c.stopped = false
	c.reconnectNow()
	return nil
}

// Disconnect closes the connection on purpose. No reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = nil
	c.stopped = true
	c.stop(StateDisconnected, nil)
}

// --- transitions; callers hold c.mu ---

func (c *Client) transition(to ConnectionState, d *apperror.Descriptor) {
	from := c.state
	if from == to && to != StateReconnecting {
		return
	}
	c.state = to
	ev := StateEvent{OldState: from, NewState: to, Error: d}
	if to == StateReconnecting {
		ev.Attempt = c.attempt
	}
	c.logger.Info("Connection state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("attempt", ev.Attempt))
	for _, fn := range c.onState {
		c.enqueue(func() { fn(ev) })
	}
}

// abandon invalidates the current attempt and its timers.
func (c *Client) abandon() {
	c.epoch++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// stop abandons everything, closes the session and moves to state.
func (c *Client) stop(state ConnectionState, d *apperror.Descriptor) {
	c.abandon()
	c.closeSession()
	c.attempt = 0
	c.transition(state, d)
}

func (c *Client) closeSession() {
	if c.session == nil {
		return
	}
	sess := c.session
	c.session = nil
	// the close handshake can wait on the server
	go func() { _ = sess.Close() }()
}

func (c *Client) armWatchdog(epoch uint64) {
	c.watchdog = time.AfterFunc(c.opts.ConnectTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || (c.state != StateConnecting && c.state != StateReconnecting) {
			return
		}
		d := apperror.Classify(apperror.New(apperror.CodeTimeout,
			fmt.Sprintf("no connection within %s", c.opts.ConnectTimeout)))
		c.report(d)
		c.stop(StateFailed, &d)
	})
}

// startAttempt enters state and dials right away.
func (c *Client) startAttempt(state ConnectionState) {
	c.abandon()
	epoch := c.epoch
	c.transition(state, nil)
	c.armWatchdog(epoch)
	c.launch(epoch)
}

func (c *Client) launch(epoch uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel
	creds := *c.creds
	go c.connect(ctx, epoch, creds)
}

// reconnectNow starts a fresh attempt budget with an immediate first try.
func (c *Client) reconnectNow() {
	c.closeSession()
	c.opts.Backoff.Reset()
	c.attempt = 1
	c.startAttempt(StateReconnecting)
}

// scheduleReconnect spends one attempt of the budget after a backoff delay,
// or gives up once the budget is gone.
func (c *Client) scheduleReconnect() {
	if c.attempt >= c.opts.MaxAttempts {
		d := apperror.Classify(apperror.New(apperror.CodeReconnectExhausted,
			fmt.Sprintf("gave up after %d reconnect attempts", c.attempt)))
		c.report(d)
		c.stop(StateFailed, &d)
		return
	}
	delay := c.opts.Backoff.NextBackOff()
	if delay == backoff.Stop {
		d := apperror.Classify(apperror.New(apperror.CodeReconnectExhausted, "backoff gave up"))
		c.report(d)
		c.stop(StateFailed, &d)
		return
	}

	c.attempt++
	c.abandon()
	epoch := c.epoch
	c.transition(StateReconnecting, nil)
	c.armWatchdog(epoch)
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch || c.creds == nil {
			return
		}
		c.launch(epoch)
	})
	c.logger.Debug("Reconnect scheduled", slog.Int("attempt", c.attempt), slog.Duration("delay", delay))
}

// --- attempt goroutines ---

func (c *Client) connect(ctx context.Context, epoch uint64, creds Credentials) {
	if err := c.verifyOnce(ctx, creds); err != nil {
		c.attemptFailed(epoch, err)
		return
	}

	sess, err := c.transport.Dial(ctx, creds)
	if err != nil {
		c.attemptFailed(epoch, err)
		return
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// preempted while dialing
		c.mu.Unlock()
		_ = sess.Close()
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.session = sess
	c.attempt = 0
	c.opts.Backoff.Reset()
	c.transition(StateConnected, nil)
	replay := c.replayFrames()
	c.mu.Unlock()

	go c.readLoop(ctx, epoch, sess)
	for _, frame := range replay {
		if err := sess.Write(ctx, frame); err != nil {
			c.logger.Warn("Rejoin failed", slog.Any("error", err))
			return
		}
	}
}

func (c *Client) attemptFailed(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	d := apperror.Classify(err)
	c.report(d)
	if !d.Retryable {
		c.stop(StateFailed, &d)
		return
	}
	c.scheduleReconnect()
}

func (c *Client) verifyOnce(ctx context.Context, creds Credentials) error {
	if c.opts.Verifier == nil {
		return nil
	}
	key := creds.key()
	c.mu.Lock()
	done := c.verified == key
	c.mu.Unlock()
	if done {
		return nil
	}

	profile, shared, err := c.verify.do(ctx, key, func(ctx context.Context) (*identity.Profile, error) {
		return c.opts.Verifier.Verify(ctx, creds.UserID, creds.Token)
	})
	if err != nil {
		return err
	}
	if shared {
		c.logger.Debug("Joined in-flight verification", slog.String("userID", creds.UserID))
	}
	if profile.ID != creds.UserID {
		return apperror.New(apperror.CodeAuthFailed, fmt.Sprintf("verified user %q does not match %q", profile.ID, creds.UserID))
	}
	if !profile.Active() {
		return apperror.New(apperror.CodeAuthFailed, fmt.Sprintf("user status is %q", profile.Status))
	}

	c.mu.Lock()
	if c.creds != nil && c.creds.key() == key {
		c.verified = key
		c.profile = *profile
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(ctx context.Context, epoch uint64, sess Session) {
	for {
		data, err := sess.Read(ctx)
		if err != nil {
			c.sessionLost(epoch, err)
			return
		}
		c.dispatch(data)
	}
}

// sessionLost handles a connection the client did not close itself.
func (c *Client) sessionLost(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != StateConnected {
		return
	}
	c.session = nil

	d := apperror.Classify(err)
	if d.Code == apperror.CodeUnknown {
		d = apperror.Classify(apperror.Wrap(apperror.CodeTransportDegraded, "connection lost", err))
	}
	c.report(d)
	if !d.Retryable {
		c.stop(StateFailed, &d)
		return
	}
	c.attempt = 0
	c.scheduleReconnect()
}

type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type serverError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Event   string `json:"event"`
}

func (c *Client) dispatch(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		c.logger.Warn("Ignoring malformed frame", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Event == EvError {
		var se serverError
		_ = json.Unmarshal(f.Payload, &se)
		code := apperror.Code(se.Code)
		if code == "" {
			code = apperror.CodeUnknown
		}
		err := apperror.New(code, se.Message)
		if se.Event != "" {
			err = err.With("event", se.Event)
		}
		c.report(apperror.Classify(err))
	}
	for _, fn := range c.onEvent {
		c.enqueue(func() { fn(f.Event, f.Payload) })
	}
}

// report hands a descriptor to the error observers. The developer message
// and context are only logged.
func (c *Client) report(d apperror.Descriptor) {
	c.logger.Warn("Client error",
		slog.String("code", string(d.Code)),
		slog.Bool("retryable", d.Retryable),
		slog.String("detail", d.DevMessage),
		slog.Any("context", d.Context))
	for _, fn := range c.onError {
		c.enqueue(func() { fn(d) })
	}
}

// --- observer queue ---

// enqueue schedules fn on the observer goroutine. Callers hold c.mu.
func (c *Client) enqueue(fn func()) {
	c.queue = append(c.queue, fn)
	if !c.draining {
		c.draining = true
		go c.drain()
	}
}

func (c *Client) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
	}
}
