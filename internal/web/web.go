package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lcdmatrix/internal/config"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/matrix"
)

// Matrix is the read side of the display matrix.
type Matrix interface {
	Snapshot() []matrix.SlotStatus
	Dropped() int64
}

// Commands accepts one encoded command. It returns an error only when the
// message cannot be decoded.
type Commands interface {
	Handle(msg []byte) error
}

// Server provides the HTTP control surface: health, display status, command
// submission over POST or a WebSocket stream, and Prometheus metrics.
type Server struct {
	cfg      config.HTTPConfig
	maxBody  int64
	matrix   Matrix
	commands Commands
	gatherer prometheus.Gatherer
	router   chi.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
}

// NewServer constructs a new Server. gatherer may be nil when metrics are
// disabled.
func NewServer(cfg config.HTTPConfig, maxBody int, mx Matrix, cmds Commands, gatherer prometheus.Gatherer) *Server {
	if maxBody <= 0 {
		maxBody = 64 * 1024
	}
	s := &Server{
		cfg:      cfg,
		maxBody:  int64(maxBody),
		matrix:   mx,
		commands: cmds,
		gatherer: gatherer,
		sockets:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Commands are not tied to a browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="lcdmatrix", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Start serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String(), "basic_auth", s.basicAuthEnabled())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeSockets()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.basicAuthEnabled() {
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/api/displays", s.handleDisplays)
	r.Post("/api/commands", s.handleCommand)
	if s.cfg.WebSocket {
		r.Get("/ws", s.handleWebSocket)
	}
	if s.cfg.Metrics && s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type displaysResponse struct {
	Slots   []matrix.SlotStatus `json:"slots"`
	Dropped int64               `json:"dropped"`
}

func (s *Server) handleDisplays(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, displaysResponse{
		Slots:   s.matrix.Snapshot(),
		Dropped: s.matrix.Dropped(),
	})
}

// handleCommand accepts one JSON command. Like the TCP channel it never
// reports what the matrix did with it; 202 only means it was decoded.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "command too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := s.commands.Handle(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleWebSocket treats every text frame as one command. Nothing is sent
// back; malformed frames are dropped.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		appLog.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.maxBody)

	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.mu.Unlock()
	appLog.Debug("websocket opened", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.sockets, conn)
		s.mu.Unlock()
		conn.Close()
		appLog.Debug("websocket closed", "remote", r.RemoteAddr)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		_ = s.commands.Handle(data)
	}
}

// SocketCount returns the number of open WebSocket streams.
func (s *Server) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

func (s *Server) closeSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.sockets {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
