package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"validator-gateway/internal/absorber"
	"validator-gateway/internal/ratelimit"
	"validator-gateway/internal/util"
)

const wsConnKeyPrefix = "ws:conns:"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is the backend's concern; the gateway admits by IP.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWebSocket terminates one WebSocket session. The per-IP concurrent
// connection ceiling is enforced at handshake time via the counter store;
// each inbound message then passes the same admission check as an HTTP
// request. Admission failures and malformed messages produce error frames,
// never a close — flooding with garbage should not buy a reconnect loop.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)

	if g.absorber.IsBlocked(ip) {
		writeError(w, http.StatusTooManyRequests, "source temporarily blocked")
		return
	}

	connTTL := 2 * g.cfg.Server.WSIdleTimeout
	n, err := g.counters.IncrementAndExpire(r.Context(), wsConnKeyPrefix+ip, connTTL)
	if err != nil {
		// Fail open: a degraded store must not take down websocket service.
		util.Warn("websocket ceiling check failed", zap.String("ip", ip), zap.Error(err))
	} else if n > g.cfg.Server.WSMaxConnsPerIP {
		if _, err := g.counters.Decrement(r.Context(), wsConnKeyPrefix+ip); err != nil {
			util.Debug("websocket counter rollback failed", zap.String("ip", ip), zap.Error(err))
		}
		writeError(w, http.StatusTooManyRequests, "too many concurrent connections")
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.releaseConnSlot(ip)
		util.Debug("websocket upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	session := &wsSession{
		gateway: g,
		ip:      ip,
		client:  clientConn,
	}
	session.run(r.Context())
}

type wsSession struct {
	gateway *Gateway
	ip      string
	client  *websocket.Conn
	backend *websocket.Conn

	// gorilla conns allow one concurrent writer; the backend pump and the
	// admission error frames share the client connection.
	clientWriteMu sync.Mutex
}

func (s *wsSession) run(ctx context.Context) {
	g := s.gateway
	defer g.releaseConnSlot(s.ip)
	defer s.client.Close()

	backendURL := g.wsBalancer.Next()
	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.Server.ProxyTimeout)
	backend, _, err := websocket.DefaultDialer.DialContext(dialCtx, backendURL, nil)
	cancel()
	if err != nil {
		util.Warn("websocket backend dial failed",
			zap.String("backend", backendURL),
			zap.String("client_ip", s.ip),
			zap.Error(err))
		s.writeControlClose(websocket.CloseTryAgainLater, "backend unavailable")
		return
	}
	s.backend = backend
	defer backend.Close()

	done := make(chan struct{})
	go s.pumpBackend(done)

	refresh := time.NewTicker(g.cfg.Server.WSIdleTimeout)
	defer refresh.Stop()
	go s.refreshConnSlot(done, refresh)

	for {
		// Idle sessions are closed to bound resource usage.
		_ = s.client.SetReadDeadline(g.limiter.Now().Add(g.cfg.Server.WSIdleTimeout))
		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			close(done)
			return
		}

		dec := g.limiter.Allow(ctx, s.ip, "websocket")
		if !dec.Allowed {
			if dec.Reason != ratelimit.DenyGlobal {
				g.absorber.ReportSignal(ctx, s.ip, absorber.AttackRateLimitFlood,
					"websocket message denied at "+string(dec.Reason)+" scope")
			}
			s.writeClientError("rate limit exceeded")
			continue
		}

		if msgType == websocket.TextMessage && !json.Valid(payload) {
			g.absorber.ReportSignal(ctx, s.ip, absorber.AttackMalformedRequest,
				"unparseable websocket message")
			s.writeClientError("malformed message")
			continue
		}

		if err := backend.WriteMessage(msgType, payload); err != nil {
			util.Debug("websocket backend write failed", zap.String("client_ip", s.ip), zap.Error(err))
			close(done)
			return
		}
	}
}

// pumpBackend relays backend frames to the client until either side closes.
func (s *wsSession) pumpBackend(done <-chan struct{}) {
	for {
		msgType, payload, err := s.backend.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				s.writeControlClose(websocket.CloseGoingAway, "backend closed")
			}
			return
		}
		s.clientWriteMu.Lock()
		err = s.client.WriteMessage(msgType, payload)
		s.clientWriteMu.Unlock()
		if err != nil {
			return
		}
	}
}

// refreshConnSlot keeps the connection counter's TTL ahead of the session.
// Increment-then-decrement is the only TTL refresh the store contract
// offers; net count is unchanged.
func (s *wsSession) refreshConnSlot(done <-chan struct{}, ticker *time.Ticker) {
	g := s.gateway
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if _, err := g.counters.IncrementAndExpire(ctx, wsConnKeyPrefix+s.ip, 2*g.cfg.Server.WSIdleTimeout); err == nil {
				_, _ = g.counters.Decrement(ctx, wsConnKeyPrefix+s.ip)
			}
			cancel()
		}
	}
}

func (s *wsSession) writeClientError(msg string) {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	payload := fmt.Sprintf(`{"error":%q}`, msg)
	if err := s.client.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		util.Debug("websocket error frame write failed", zap.String("client_ip", s.ip), zap.Error(err))
	}
}

func (s *wsSession) writeControlClose(code int, reason string) {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = s.client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

func (g *Gateway) releaseConnSlot(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := g.counters.Decrement(ctx, wsConnKeyPrefix+ip); err != nil {
		util.Debug("websocket counter decrement failed", zap.String("ip", ip), zap.Error(err))
	}
}
