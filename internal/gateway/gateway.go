// Package gateway terminates public HTTP and WebSocket traffic, enforces
// admission policy (block table, then rate limits), and relays admitted
// requests to one validator endpoint chosen by round-robin.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"validator-gateway/internal/absorber"
	"validator-gateway/internal/config"
	"validator-gateway/internal/ratelimit"
	"validator-gateway/internal/store"
	"validator-gateway/internal/util"
)

const forwardedForHeader = "X-Forwarded-For"

// hopHeaders are stripped before relaying, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

type Gateway struct {
	cfg      *config.Config
	limiter  *ratelimit.Limiter
	absorber *absorber.Absorber
	counters store.CounterStore

	httpBalancer *Balancer
	wsBalancer   *Balancer
	httpClient   *http.Client
}

func New(cfg *config.Config, limiter *ratelimit.Limiter, abs *absorber.Absorber, counters store.CounterStore) (*Gateway, error) {
	httpBalancer, err := NewBalancer(cfg.Backends.HTTPEndpoints)
	if err != nil {
		return nil, fmt.Errorf("http backends: %w", err)
	}
	wsBalancer, err := NewBalancer(cfg.Backends.WSEndpoints)
	if err != nil {
		return nil, fmt.Errorf("websocket backends: %w", err)
	}
	return &Gateway{
		cfg:          cfg,
		limiter:      limiter,
		absorber:     abs,
		counters:     counters,
		httpBalancer: httpBalancer,
		wsBalancer:   wsBalancer,
		httpClient: &http.Client{
			// Per-request deadlines come from the request context; the
			// client-level timeout is a backstop only.
			Timeout: cfg.Server.ProxyTimeout + 5*time.Second,
		},
	}, nil
}

// ServeHTTP handles one proxied request: admission, then relay.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)

	// Declared size is checked before reading any of the body.
	if r.ContentLength > g.cfg.Server.MaxBodyBytes {
		g.absorber.ReportSignal(r.Context(), ip, absorber.AttackOversizedRequest,
			fmt.Sprintf("declared body %d bytes", r.ContentLength))
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if g.absorber.IsBlocked(ip) {
		writeError(w, http.StatusTooManyRequests, "source temporarily blocked")
		return
	}

	dec := g.limiter.Allow(r.Context(), ip, r.URL.Path)
	if !dec.Allowed {
		util.Debug("request denied",
			zap.String("client_ip", ip),
			zap.String("path", r.URL.Path),
			zap.String("scope", string(dec.Reason)))
		if dec.Reason != ratelimit.DenyGlobal {
			g.absorber.ReportSignal(r.Context(), ip, absorber.AttackRateLimitFlood,
				"denied at "+string(dec.Reason)+" scope")
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var body []byte
	if r.Body != nil && r.ContentLength != 0 {
		limited := io.LimitReader(r.Body, g.cfg.Server.MaxBodyBytes+1)
		var err error
		body, err = io.ReadAll(limited)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		// Chunked bodies carry no declared length; enforce the cap here.
		if int64(len(body)) > g.cfg.Server.MaxBodyBytes {
			g.absorber.ReportSignal(r.Context(), ip, absorber.AttackOversizedRequest,
				"chunked body over limit")
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
	}

	if jsonBearing(r) && len(body) > 0 && !json.Valid(body) {
		g.absorber.ReportSignal(r.Context(), ip, absorber.AttackMalformedRequest, "unparseable JSON body")
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	g.relay(w, r, ip, body)
}

func (g *Gateway) relay(w http.ResponseWriter, r *http.Request, ip string, body []byte) {
	backend := g.httpBalancer.Next()
	target := backend + r.URL.RequestURI()

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Server.ProxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		util.Error("failed to build backend request", zap.String("target", target), zap.Error(err))
		writeError(w, http.StatusBadGateway, "bad backend target")
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set(forwardedForHeader, ip)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.absorber.ReportSignal(context.Background(), ip, absorber.AttackTimeout,
				fmt.Sprintf("backend %s exceeded %s", backend, g.cfg.Server.ProxyTimeout))
			writeError(w, http.StatusRequestTimeout, "backend timed out")
			return
		}
		util.Warn("backend connection failed",
			zap.String("backend", backend),
			zap.String("client_ip", ip),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		util.Debug("response relay interrupted", zap.String("client_ip", ip), zap.Error(err))
	}
}

func jsonBearing(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	ct := r.Header.Get("Content-Type")
	return ct == "" || strings.Contains(ct, "json")
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
