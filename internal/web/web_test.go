package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcdmatrix/internal/command"
	"lcdmatrix/internal/config"
	"lcdmatrix/internal/lcd"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/metrics"
)

type fixture struct {
	mx     *matrix.Matrix
	router *command.Router
	srv    *Server
}

func newFixture(t *testing.T, cfg config.HTTPConfig) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	col := metrics.New(reg)

	mx, err := matrix.New(lcd.NewMemory(), []matrix.Entry{{Address: 0x20}, {Address: 0x21}}, matrix.Options{
		Observer:        col,
		DisplayObserver: col,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mx.Exit() })

	router := command.NewRouter(mx, col)
	return &fixture{mx: mx, router: router, srv: NewServer(cfg, 1024, mx, router, reg)}
}

func (f *fixture) do(t *testing.T, method, path, body string, auth ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPostCommandAndDisplays(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.do(t, http.MethodPost, "/api/commands", `{"print":"on_next","data":{"lines":["A","B"],"id":"x"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/displays", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp displaysResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Slots, 2)
	assert.Equal(t, "0x20", resp.Slots[0].Address)
	assert.Equal(t, [2]string{"A", "B"}, resp.Slots[0].Content)
	require.NotNil(t, resp.Slots[0].ID)
	assert.Equal(t, "x", *resp.Slots[0].ID)
	assert.Nil(t, resp.Slots[1].ID)
}

func TestPostCommandRejectsMalformed(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.do(t, http.MethodPost, "/api/commands", `{"print":"on_next"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "print needs data")
	assert.Equal(t, int64(1), f.router.DecodeErrors())

	rec = f.do(t, http.MethodPost, "/api/commands", strings.Repeat("x", 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/commands", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPostCommandDroppedStillAccepted(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.do(t, http.MethodPost, "/api/commands", `{"print":"on_id","data":{"lines":["A","B"],"id":"nobody"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(1), f.mx.Dropped())
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{BasicAuth: &config.BasicAuthConfig{Username: "admin", Password: "pw"}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)

	rec := f.do(t, http.MethodGet, "/api/displays", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/displays", "", "admin", "nope").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/displays", "", "admin", "pw").Code)
}

func TestOptionalRoutes(t *testing.T) {
	off := newFixture(t, config.HTTPConfig{})
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/ws", "").Code)

	on := newFixture(t, config.HTTPConfig{Metrics: true, WebSocket: true})
	on.do(t, http.MethodPost, "/api/commands", `garbage`)
	rec := on.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lcdmatrix_decode_errors_total 1")
}

func TestWebSocketCommands(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{WebSocket: true})
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"lock":true,"data":{"index":0}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"print":"on_next","data":{"lines":["ws",null],"id":"w"}}`)))

	require.Eventually(t, func() bool {
		u, ok := f.mx.Unit(1)
		return ok && u.HasID("w")
	}, 2*time.Second, 5*time.Millisecond)

	u, _ := f.mx.Unit(0)
	assert.True(t, u.Locked())
	assert.Equal(t, int64(1), f.router.DecodeErrors())
	assert.Equal(t, 1, f.srv.SocketCount())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{WebSocket: true})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.SocketCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
