package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBackend is a minimal validator stand-in: upgrade and echo every frame.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newWSFixture(t *testing.T) (*gatewayFixture, *httptest.Server) {
	t.Helper()
	backend := echoBackend(t)
	t.Cleanup(backend.Close)

	cfg := testConfig([]string{"http://unused"}, []string{wsURL(backend.URL)})
	fx := newGatewayFixture(t, cfg)

	front := httptest.NewServer(http.HandlerFunc(fx.gw.HandleWebSocket))
	t.Cleanup(front.Close)
	return fx, front
}

func dialWS(t *testing.T, front *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestWebSocketEchoThroughGateway(t *testing.T) {
	_, front := newWSFixture(t)

	conn := dialWS(t, front)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"subscribe"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"subscribe"}`, string(payload))
}

func TestWebSocketMalformedMessageGetsErrorFrame(t *testing.T) {
	fx, front := newWSFixture(t)

	conn := dialWS(t, front)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err, "malformed input earns an error frame, not a close")
	assert.Contains(t, string(payload), "malformed")

	// The session survives and still relays valid traffic.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"ok":true}`)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))

	require.Eventually(t, func() bool {
		return fx.absorber.EscalationCount("127.0.0.1") >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRateLimitedMessageGetsErrorFrame(t *testing.T) {
	backend := echoBackend(t)
	t.Cleanup(backend.Close)

	cfg := testConfig([]string{"http://unused"}, []string{wsURL(backend.URL)})
	cfg.RateLimit.IPBaseRPS = 0.001
	cfg.RateLimit.IPBurst = 1
	fx := newGatewayFixture(t, cfg)

	front := httptest.NewServer(http.HandlerFunc(fx.gw.HandleWebSocket))
	t.Cleanup(front.Close)

	conn := dialWS(t, front)
	defer conn.Close()

	// First message fits the single-token budget, second is shed.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(payload))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "rate limit")
}

func TestWebSocketConnectionCeiling(t *testing.T) {
	_, front := newWSFixture(t)

	// Ceiling is 2 per IP in the test config.
	c1 := dialWS(t, front)
	defer c1.Close()
	c2 := dialWS(t, front)
	defer c2.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.Error(t, err, "third concurrent connection refused at handshake")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	// Closing one frees a slot; the decrement runs as the session unwinds.
	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		if resp != nil {
			resp.Body.Close()
		}
		conn.Close()
		return true
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWebSocketBlockedSourceRefused(t *testing.T) {
	fx, front := newWSFixture(t)
	fx.absorber.Block(context.Background(), "127.0.0.1", "test")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}
