package listener

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) HandleMessage(msg []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(msg))
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitClosed expects the server to close c.
func waitClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, isTimeout(err), "connection was not closed by the server")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Address: "127.0.0.1:0"})
	assert.Error(t, err)

	_, err = New(Config{Handler: &recorder{}})
	assert.Error(t, err)

	s, err := New(Config{Address: "127.0.0.1:0", Handler: &recorder{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxMessageSize, s.config.MaxMessageSize)
	assert.Nil(t, s.Addr())
}

func TestMessagesThenEndMarker(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, Config{Handler: rec})

	c := dial(t, s)
	_, err := io.WriteString(c, "{\"a\":1}\n{\"b\":2}\r\n\n{\"ignored\":true}\n")
	require.NoError(t, err)

	waitClosed(t, c)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, rec.all())
}

func TestSplitWrites(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, Config{Handler: rec})

	c := dial(t, s)
	for _, part := range []string{`{"sel`, `ftest":true}`, "\n", "\n"} {
		_, err := io.WriteString(c, part)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	waitClosed(t, c)
	assert.Equal(t, []string{`{"selftest":true}`}, rec.all())
}

func TestStalledPeerDoesNotBlockOthers(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, Config{Handler: rec})

	stalled := dial(t, s)
	_, err := io.WriteString(stalled, `{"half":`)
	require.NoError(t, err)

	c := dial(t, s)
	_, err = io.WriteString(c, "{\"ok\":true}\n\n")
	require.NoError(t, err)
	waitClosed(t, c)

	assert.Equal(t, []string{`{"ok":true}`}, rec.all())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLineTooLongClosesConnection(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, Config{Handler: rec, MaxMessageSize: 32})

	c := dial(t, s)
	_, err := io.WriteString(c, strings.Repeat("x", 100)+"\n")
	require.NoError(t, err)

	waitClosed(t, c)
	assert.Empty(t, rec.all())
}

func TestSmallLimitKeepsShortLines(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, Config{Handler: rec, MaxMessageSize: 32})

	c := dial(t, s)
	_, err := io.WriteString(c, "{\"selftest\":true}\n"+strings.Repeat("y", 64)+"\n{\"exit\":true}\n")
	require.NoError(t, err)

	waitClosed(t, c)
	assert.Equal(t, []string{`{"selftest":true}`}, rec.all())
}

func TestIdleTimeout(t *testing.T) {
	s := startServer(t, Config{Handler: &recorder{}, IdleTimeout: 50 * time.Millisecond})

	c := dial(t, s)
	waitClosed(t, c)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnectHooks(t *testing.T) {
	var mu sync.Mutex
	var events []string
	hook := func(kind string) func(string, net.Addr) {
		return func(id string, _ net.Addr) {
			mu.Lock()
			events = append(events, kind)
			mu.Unlock()
			assert.NotEmpty(t, id)
		}
	}
	s := startServer(t, Config{Handler: &recorder{}, OnConnect: hook("connect"), OnDisconnect: hook("disconnect")})

	c := dial(t, s)
	_, err := io.WriteString(c, "\n")
	require.NoError(t, err)
	waitClosed(t, c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connect", "disconnect"}, events)
}

func TestStopClosesConnections(t *testing.T) {
	s, err := New(Config{Address: "127.0.0.1:0", Handler: &recorder{}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	c := dial(t, s)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	waitClosed(t, c)
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestContextCancelClosesConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(Config{Address: "127.0.0.1:0", Handler: HandlerFunc(func([]byte) {})})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop() })

	c := dial(t, s)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	waitClosed(t, c)
}
