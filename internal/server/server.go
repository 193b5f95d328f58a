package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/a-essam23/studyhub/internal/hub"
	"github.com/a-essam23/studyhub/internal/server/middleware"
	"github.com/a-essam23/studyhub/pkg/config"
	"github.com/a-essam23/studyhub/pkg/state"
	"github.com/a-essam23/studyhub/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var errShutdown = errors.New("graceful shutdown")

const (
	shutdownTimeout   = 10 * time.Second
	disconnectTimeout = 5 * time.Second
)

type App struct {
	logger    *slog.Logger
	hub       *hub.Hub
	config    *config.Config
	transport transport.ConnectionConfig
	accept    *websocket.AcceptOptions
	wg        sync.WaitGroup
	http      *http.Server
	handler   http.Handler

	// connCtx parents every transport; it outlives the HTTP server so
	// connections can be closed after the listener stops.
	connCtx    context.Context
	cancelConn context.CancelFunc
}

func NewApp(logger *slog.Logger, cfg *config.Config, h *hub.Hub, gate middleware.Authenticator) *App {
	connCtx, cancelConn := context.WithCancel(context.Background())
	app := &App{
		logger: logger.With(slog.String("component", "server")),
		hub:    h,
		config: cfg,
		transport: transport.ConnectionConfig{
			ReadTimeout:    cfg.Transport.ReadTimeout,
			WriteTimeout:   10 * time.Second,
			PingInterval:   25 * time.Second,
			MaxMessageSize: 64 << 10,
			SendBuffer:     256,
		},
		accept:     acceptOptions(cfg.Server.AllowedOrigins),
		connCtx:    connCtx,
		cancelConn: cancelConn,
	}

	// Create a cycler function that closes the user's oldest connection.
	connCycler := func(ctx context.Context, userID string) {
		oldest, found := h.OldestUserConnection(ctx, userID)
		if found {
			app.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			// the close handshake waits on the old client; don't hold up the new one
			go oldest.Transport.Close(transport.ErrReplaced)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(app.logger, gate),
			middleware.NewConnectionLimiter(
				app.logger,
				h.UserConnectionCount,
				connCycler,
				cfg.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("GET /health", app.healthHandler)
	mux.HandleFunc("GET /metrics", app.metricsHandler)
	app.handler = mux

	app.http = &http.Server{
		Addr:              cfg.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app
}

func acceptOptions(origins []string) *websocket.AcceptOptions {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: origins}
}

// Handler exposes the routes without a listener.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the hub and the HTTP server and blocks until ctx is cancelled
// or either of them fails. It then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	// the hub has to outlive the listener: shutdown still queries it
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.hub.Run(hubCtx)
	})
	g.Go(func() error {
		ln, err := net.Listen("tcp", a.http.Addr)
		if err != nil {
			return err
		}
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()), slog.String("node", a.hub.Node()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopHub()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Connection == nil {
		a.logger.Error("Upgrade reached without an authenticated connection. Check middleware order.")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	stateConn := reqMeta.Connection
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", stateConn.UserID),
	)

	wsConn, err := websocket.Accept(w, r, a.accept)
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(a.connCtx, &a.wg, stateConn.ID, wsConn, a.transport, connLogger)
	stateConn.Transport = conn
	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		a.hub.HandleMessage(ctx, stateConn, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if dErr := a.hub.Disconnect(ctx, id); dErr != nil {
			connLogger.Warn("Failed to deregister connection", slog.Any("error", dErr))
		}
	})

	if err := a.hub.Admit(r.Context(), stateConn); err != nil {
		connLogger.Error("Failed to admit connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("User connection fully established", slog.String("connID", stateConn.ID.String()))
	conn.Run()
	<-conn.Done()
}

type healthResponse struct {
	Status      string    `json:"status"`
	Connections int       `json:"connections"`
	Uptime      float64   `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.hub.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Timestamp: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: stats.Connections,
		Uptime:      a.hub.Uptime().Seconds(),
		Timestamp:   time.Now().UTC(),
	})
}

type memoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heapInuse"`
	NumGC      uint32 `json:"numGC"`
	Goroutines int    `json:"goroutines"`
}

type metricsResponse struct {
	Connections int              `json:"connections"`
	Rooms       int              `json:"rooms"`
	RoomDetails []state.RoomStat `json:"roomDetails"`
	Memory      memoryStats      `json:"memory"`
	Uptime      float64          `json:"uptime"`
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.hub.Stats(r.Context())
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, metricsResponse{
		Connections: stats.Connections,
		Rooms:       stats.Rooms,
		RoomDetails: stats.RoomDetails,
		Memory: memoryStats{
			Alloc:      mem.Alloc,
			TotalAlloc: mem.TotalAlloc,
			Sys:        mem.Sys,
			HeapInuse:  mem.HeapInuse,
			NumGC:      mem.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		Uptime: a.hub.Uptime().Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpErr := a.http.Shutdown(shutdownCtx)

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	peers, err := a.hub.Peers(shutdownCtx)
	if err != nil {
		a.logger.Error("Could not list connections, cancelling them instead", slog.Any("error", err))
	}
	for _, peer := range peers {
		go peer.Close(errShutdown)
	}
	a.cancelConn()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return httpErr
}
