package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/studyhub/pkg/apperror"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

var (
	ErrSlowConsumer = errors.New("send buffer full")
	// ErrReplaced closes a connection pushed out by a newer one of the
	// same user.
	ErrReplaced = errors.New("replaced by a newer connection")
)

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, id uuid.UUID, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	if id == uuid.Nil {
		id = uuid.New()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	connCtx, cancel := context.WithCancel(parentCtx)
	// released by Close, which every created connection reaches
	wg.Add(1)

	return &Connection{
		id:     id,
		conn:   conn,
		logger: logger.With(slog.String("connID", id.String())),
		config: config,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.read()
		if err != nil {
			readErr = err
			return
		}
		if message == nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) read() ([]byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	message, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				writeErr = err
				return
			}
		case <-ping:
			if err := c.conn.Ping(c.ctx); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if c.config.WriteTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
	}
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// Send queues a message for the client without ever blocking the caller.
// A full buffer means the client cannot keep up; it gets disconnected.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Send buffer full, closing slow connection")
		go c.Close(ErrSlowConsumer)
		return false
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel()
		if c.conn != nil {
			code, reason := closeStatus(err)
			_ = c.conn.Close(code, reason)
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// closeStatus picks the close frame for the reason a connection ends. The
// client classifies these codes to decide whether to come back.
func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, ErrSlowConsumer):
		return apperror.StatusSlowConsumer, "slow consumer"
	case errors.Is(err, ErrReplaced):
		return apperror.StatusReplaced, "replaced"
	default:
		return websocket.StatusNormalClosure, ""
	}
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
