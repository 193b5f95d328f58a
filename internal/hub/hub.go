package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/a-essam23/studyhub/pkg/backplane"
	"github.com/a-essam23/studyhub/pkg/identity"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrStopped = errors.New("hub is not running")

type Options struct {
	// Node identifies this process on the backplane.
	Node string
	// Production turns membership-check outages into rejections instead of
	// letting the join through.
	Production           bool
	MaxVideoParticipants int
	MaxMessageLength     int
	ChatRate             rate.Limit
	ChatBurst            int
	MembershipTimeout    time.Duration
	CommandBuffer        int
	OutboxBuffer         int
}

func (o *Options) withDefaults() {
	if o.Node == "" {
		o.Node = uuid.NewString()
	}
	if o.MaxVideoParticipants <= 0 {
		o.MaxVideoParticipants = 8
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 2000
	}
	if o.ChatRate <= 0 {
		o.ChatRate = 5
	}
	if o.ChatBurst <= 0 {
		o.ChatBurst = 10
	}
	if o.MembershipTimeout <= 0 {
		o.MembershipTimeout = 5 * time.Second
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = 256
	}
	if o.OutboxBuffer <= 0 {
		o.OutboxBuffer = 1024
	}
}

// Hub owns one registry and mutates it from a single goroutine. Everything
// that reads or writes room state is a command on h.commands.
type Hub struct {
	logger   *slog.Logger
	registry state.Registry
	bus      backplane.Bus
	members  identity.MembershipChecker
	opts     Options
	routes   map[string]route

	commands chan command
	outbox   chan backplane.Envelope
	limiters map[uuid.UUID]*rate.Limiter
	started  time.Time
	now      func() time.Time

	running chan struct{}
	done    chan struct{}
}

// New wires a hub. members may be nil, in which case joins skip the
// membership check.
func New(logger *slog.Logger, registry state.Registry, bus backplane.Bus, members identity.MembershipChecker, opts Options) *Hub {
	opts.withDefaults()
	h := &Hub{
		logger:   logger.With(slog.String("component", "hub"), slog.String("node", opts.Node)),
		registry: registry,
		bus:      bus,
		members:  members,
		opts:     opts,
		routes:   make(map[string]route),
		commands: make(chan command, opts.CommandBuffer),
		outbox:   make(chan backplane.Envelope, opts.OutboxBuffer),
		limiters: make(map[uuid.UUID]*rate.Limiter),
		now:      time.Now,
		running:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.registerCoreRoutes()
	return h
}

type commandKind int

const (
	cmdAdmit commandKind = iota
	cmdDisconnect
	cmdMessage
	cmdRemote
	cmdStats
	cmdUserCount
	cmdOldest
	cmdPeers
)

func (k commandKind) String() string {
	switch k {
	case cmdAdmit:
		return "admit"
	case cmdDisconnect:
		return "disconnect"
	case cmdMessage:
		return "message"
	case cmdRemote:
		return "remote"
	case cmdStats:
		return "stats"
	case cmdUserCount:
		return "user_count"
	case cmdOldest:
		return "oldest"
	case cmdPeers:
		return "peers"
	default:
		return "unknown_" + strconv.Itoa(int(k))
	}
}

type command struct {
	kind   commandKind
	conn   *state.Connection
	connID uuid.UUID
	userID string
	msg    inbound
	// preErr is the outcome of the route's preflight check.
	preErr error
	env    backplane.Envelope
	reply  chan result
}

type result struct {
	ok    bool
	count int
	conn  *state.Connection
	stats state.Stats
	peers []state.Peer
}

// Run processes commands until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if err := h.bus.Subscribe(ctx, h.opts.Node, h.onRemote(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to backplane: %w", err)
	}
	h.started = h.now()
	close(h.running)

	go h.publishLoop(ctx)

	h.logger.Info("Hub started")
	for {
		select {
		case cmd := <-h.commands:
			h.process(cmd)
		case <-ctx.Done():
			h.logger.Info("Hub stopped")
			return nil
		}
	}
}

// Ready is closed once Run is accepting commands.
func (h *Hub) Ready() <-chan struct{} { return h.running }

func (h *Hub) onRemote(ctx context.Context) backplane.Handler {
	return func(env backplane.Envelope) {
		select {
		case h.commands <- command{kind: cmdRemote, env: env}:
		case <-ctx.Done():
		}
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case env := <-h.outbox:
			if err := h.bus.Publish(ctx, env); err != nil && ctx.Err() == nil {
				h.logger.Error("Backplane publish failed", slog.String("event", env.Event), slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) process(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Command panicked",
				slog.String("kind", cmd.kind.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if cmd.kind == cmdMessage && cmd.conn != nil {
				h.emitError(cmd.conn, cmd.msg.Event, apperror.New(apperror.CodeServerError, fmt.Sprint(r)))
			}
			if cmd.reply != nil {
				cmd.reply <- result{}
			}
		}
	}()

	var res result
	switch cmd.kind {
	case cmdAdmit:
		res.ok = h.admit(cmd.conn)
	case cmdDisconnect:
		h.disconnect(cmd.connID)
	case cmdMessage:
		h.dispatch(cmd)
	case cmdRemote:
		h.deliverRemote(cmd.env)
	case cmdStats:
		res.stats = h.registry.Stats()
	case cmdUserCount:
		res.count = h.registry.UserConnectionCount(cmd.userID)
	case cmdOldest:
		res.conn, res.ok = h.registry.OldestUserConnection(cmd.userID)
	case cmdPeers:
		res.peers = h.peers()
	}
	if cmd.reply != nil {
		cmd.reply <- res
	}
}

// submit queues cmd and waits for the loop to finish it.
func (h *Hub) submit(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case h.commands <- cmd:
	case <-h.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-h.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// --- public API ---

// Admit registers an authenticated connection. The record must carry a
// transport.
func (h *Hub) Admit(ctx context.Context, conn *state.Connection) error {
	if conn.Transport == nil {
		return errors.New("connection has no transport")
	}
	res, err := h.submit(ctx, command{kind: cmdAdmit, conn: conn})
	if err != nil {
		return err
	}
	if !res.ok {
		return fmt.Errorf("connection %s already admitted", conn.ID)
	}
	return nil
}

// Disconnect removes the connection and broadcasts its departures.
// Unknown ids are ignored.
func (h *Hub) Disconnect(ctx context.Context, connID uuid.UUID) error {
	_, err := h.submit(ctx, command{kind: cmdDisconnect, connID: connID})
	return err
}

// HandleMessage routes one client frame. It runs the route's preflight on
// the caller's goroutine, then hands the frame to the loop and waits, so
// frames from one connection are applied in the order they were read.
func (h *Hub) HandleMessage(ctx context.Context, conn *state.Connection, raw []byte) {
	msg, err := parseInbound(raw)
	if err == nil {
		r, ok := h.routes[msg.Event]
		switch {
		case !ok:
			err = ErrUnknownEvent.With("event", msg.Event)
		case r.preflight != nil:
			err = r.preflight(ctx, h, conn, msg)
		}
	}
	if _, sErr := h.submit(ctx, command{kind: cmdMessage, conn: conn, msg: msg, preErr: err}); sErr != nil {
		h.logger.Debug("Dropped message", slog.String("connID", conn.ID.String()), slog.Any("error", sErr))
	}
}

func (h *Hub) Stats(ctx context.Context) (state.Stats, error) {
	res, err := h.submit(ctx, command{kind: cmdStats})
	return res.stats, err
}

func (h *Hub) UserConnectionCount(ctx context.Context, userID string) (int, error) {
	res, err := h.submit(ctx, command{kind: cmdUserCount, userID: userID})
	return res.count, err
}

func (h *Hub) OldestUserConnection(ctx context.Context, userID string) (*state.Connection, bool) {
	res, err := h.submit(ctx, command{kind: cmdOldest, userID: userID})
	if err != nil {
		return nil, false
	}
	return res.conn, res.ok
}

// Peers lists the transports of every admitted connection.
func (h *Hub) Peers(ctx context.Context) ([]state.Peer, error) {
	res, err := h.submit(ctx, command{kind: cmdPeers})
	return res.peers, err
}

// Uptime is zero until Run has started.
func (h *Hub) Uptime() time.Duration {
	select {
	case <-h.running:
		return h.now().Sub(h.started)
	default:
		return 0
	}
}

func (h *Hub) Node() string { return h.opts.Node }

// --- loop-side operations ---

func (h *Hub) admit(conn *state.Connection) bool {
	if !h.registry.Admit(conn) {
		return false
	}
	h.limiters[conn.ID] = rate.NewLimiter(h.opts.ChatRate, h.opts.ChatBurst)
	h.logger.Info("Connection admitted", slog.String("connID", conn.ID.String()), slog.String("userID", conn.UserID))
	return true
}

func (h *Hub) disconnect(connID uuid.UUID) {
	conn, ok := h.registry.Connection(connID)
	if !ok {
		return
	}
	for _, dep := range h.registry.Disconnect(connID) {
		h.announceDeparture(conn, dep)
	}
	delete(h.limiters, connID)
	h.logger.Info("Connection removed", slog.String("connID", connID.String()), slog.String("userID", conn.UserID))
}

func (h *Hub) announceDeparture(conn *state.Connection, dep state.Departure) {
	switch dep.Kind {
	case state.RoomStudy:
		h.broadcast(dep.RoomID, conn.ID, EvUserOffline, presencePayload{
			StudyID:      dep.RoomID.External(),
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
		})
	case state.RoomVideo:
		h.broadcast(dep.RoomID, conn.ID, EvUserLeft, videoPeerPayload{
			RoomID:       dep.RoomID.External(),
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
		})
	}
}

func (h *Hub) dispatch(cmd command) {
	// the registry's record is authoritative; a message racing its own
	// disconnect is dropped here
	conn, ok := h.registry.Connection(cmd.conn.ID)
	if !ok || !conn.Authenticated {
		h.logger.Debug("Message from unknown connection dropped", slog.String("connID", cmd.conn.ID.String()))
		return
	}
	if cmd.preErr != nil {
		h.emitError(conn, cmd.msg.Event, cmd.preErr)
		return
	}
	r := h.routes[cmd.msg.Event]
	if err := r.handle(h, &handlerCtx{conn: conn, msg: cmd.msg}); err != nil {
		h.emitError(conn, cmd.msg.Event, err)
	}
}

func (h *Hub) deliverRemote(env backplane.Envelope) {
	frame := encodeFrame(env.Event, env.Payload)
	if env.Directed() {
		target, ok := h.registry.Connection(env.Target)
		if !ok {
			return
		}
		for _, room := range env.AllowedRooms {
			if h.registry.IsMember(target.ID, state.RoomID(room)) {
				target.Transport.Send(frame)
				return
			}
		}
		return
	}
	for _, member := range h.registry.Members(state.RoomID(env.Room)) {
		if member.ID != env.Exclude {
			member.Transport.Send(frame)
		}
	}
}

func (h *Hub) peers() []state.Peer {
	conns := h.registry.Connections()
	peers := make([]state.Peer, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, c.Transport)
	}
	return peers
}

// --- emitters ---

// emitTo sends to one local connection.
func (h *Hub) emitTo(conn *state.Connection, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.String("event", event), slog.Any("error", err))
		return
	}
	conn.Transport.Send(encodeFrame(event, data))
}

// broadcast delivers to every local member of roomID except exclude, and
// publishes the same event for members attached to other nodes.
func (h *Hub) broadcast(roomID state.RoomID, exclude uuid.UUID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	frame := encodeFrame(event, data)
	delivered := 0
	for _, member := range h.registry.Members(roomID) {
		if member.ID == exclude {
			continue
		}
		if member.Transport.Send(frame) {
			delivered++
		}
	}
	h.publish(backplane.Envelope{Room: string(roomID), Exclude: exclude, Event: event, Payload: data})
	h.logger.Debug("Broadcast", slog.String("roomID", string(roomID)), slog.String("event", event), slog.Int("localRecipients", delivered))
}

func (h *Hub) publish(env backplane.Envelope) {
	env.Origin = h.opts.Node
	select {
	case h.outbox <- env:
	default:
		h.logger.Warn("Backplane outbox full, dropping envelope", slog.String("event", env.Event))
	}
}

func (h *Hub) emitError(conn *state.Connection, event string, err error) {
	h.logger.Warn("Event handling failed",
		slog.String("connID", conn.ID.String()),
		slog.String("event", event),
		slog.Any("error", err))
	h.emitTo(conn, EvError, errorEvent(event, err))
}

// encodeFrame builds {"event":...,"payload":...} without re-encoding the
// payload bytes.
func encodeFrame(event string, payload []byte) []byte {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	name, _ := json.Marshal(event)
	frame := make([]byte, 0, len(name)+len(payload)+24)
	frame = append(frame, `{"event":`...)
	frame = append(frame, name...)
	frame = append(frame, `,"payload":`...)
	frame = append(frame, payload...)
	frame = append(frame, '}')
	return frame
}
