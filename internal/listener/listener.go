// Package listener accepts command connections. Every line of a connection
// is one JSON command; an empty line or EOF ends the connection. Nothing is
// ever written back.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appLog "lcdmatrix/internal/log"
)

// DefaultMaxMessageSize caps a single line.
const DefaultMaxMessageSize = 64 * 1024

// Handler consumes one message. It must not retain msg.
type Handler interface {
	HandleMessage(msg []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg []byte)

func (f HandlerFunc) HandleMessage(msg []byte) { f(msg) }

// Config configures a Server.
type Config struct {
	// Address to listen on, e.g. "0.0.0.0:80" or "127.0.0.1:0".
	Address string

	// MaxMessageSize is the longest accepted line (default 64KiB). A longer
	// line closes the connection.
	MaxMessageSize int

	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	Handler Handler

	// OnConnect and OnDisconnect are optional.
	OnConnect    func(id string, remote net.Addr)
	OnDisconnect func(id string, remote net.Addr)
}

// Server is the TCP command listener.
type Server struct {
	config   Config
	listener net.Listener

	conns   map[string]net.Conn
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates config and returns an unstarted server.
func New(config Config) (*Server, error) {
	if config.Handler == nil {
		return nil, errors.New("listener: handler is required")
	}
	if config.Address == "" {
		return nil, errors.New("listener: address is required")
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config: config,
		conns:  make(map[string]net.Conn),
	}, nil
}

// Start binds the address and begins accepting connections. Cancelling ctx
// closes every open connection but does not release the address; call Stop
// for that.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("listener: already running")
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listener: listen %s: %w", s.config.Address, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.closeConns()
	}()

	appLog.Info("command listener started", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and every connection and waits for their
// goroutines.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.closeConns()
	s.wg.Wait()

	appLog.Info("command listener stopped")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.connsMu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			appLog.Error("accept failed", err)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	remote := conn.RemoteAddr()

	s.connsMu.Lock()
	if s.ctx.Err() != nil {
		s.connsMu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[id] = conn
	s.connsMu.Unlock()

	appLog.Debug("command connection opened", "conn", id, "remote", remote.String())
	if s.config.OnConnect != nil {
		s.config.OnConnect(id, remote)
	}

	reason := s.readLoop(conn)

	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
	_ = conn.Close()

	appLog.Debug("command connection closed", "conn", id, "remote", remote.String(), "reason", reason)
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(id, remote)
	}
}

// readLoop returns why the connection ended.
func (s *Server) readLoop(conn net.Conn) string {
	// The scanner caps lines at the larger of max and the initial
	// capacity, so the initial buffer must not exceed the limit.
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, min(4096, s.config.MaxMessageSize)), s.config.MaxMessageSize)

	for {
		if s.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		if !sc.Scan() {
			err := sc.Err()
			switch {
			case err == nil:
				return "eof"
			case errors.Is(err, bufio.ErrTooLong):
				appLog.Warn("command line too long, closing connection", "remote", conn.RemoteAddr().String(), "max", s.config.MaxMessageSize)
				return "too long"
			case isTimeout(err):
				return "idle"
			case s.ctx.Err() != nil:
				return "shutdown"
			default:
				return err.Error()
			}
		}
		line := sc.Bytes()
		if len(line) == 0 {
			return "end of messages"
		}
		s.config.Handler.HandleMessage(line)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
