package handler

import (
	"encoding/json"
	"net"
	"net/http"

	"validator-gateway/internal/absorber"
	"validator-gateway/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// OpsHandler serves the read-only observability surface plus manual
// unblocking. Nothing here participates in admission decisions.
type OpsHandler struct {
	limiter  *ratelimit.Limiter
	absorber *absorber.Absorber
	logger   *zap.Logger
}

func NewOpsHandler(limiter *ratelimit.Limiter, abs *absorber.Absorber, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{
		limiter:  limiter,
		absorber: abs,
		logger:   logger,
	}
}

func (h *OpsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/stats/ip/{ip}", h.GetIPStats)
	r.Get("/blocked", h.GetBlocked)
	r.Post("/unblock/{ip}", h.Unblock)
}

// ipStatsResponse joins the limiter's and absorber's views of one source.
type ipStatsResponse struct {
	IP              string            `json:"ip"`
	Tier            string            `json:"tier"`
	RemainingTokens float64           `json:"remaining_tokens"`
	BurstDetections int64             `json:"burst_detections"`
	Escalations     int               `json:"escalations"`
	Blocked         bool              `json:"blocked"`
	Traffic         ratelimit.IPStats `json:"traffic"`
}

func (h *OpsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.absorber.Status())
}

func (h *OpsHandler) GetIPStats(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ip"})
		return
	}

	resp := ipStatsResponse{
		IP:              ip,
		Tier:            h.limiter.Tier(ip).String(),
		RemainingTokens: h.limiter.RemainingTokens(ip),
		BurstDetections: h.limiter.BurstDetections(ip),
		Escalations:     h.absorber.EscalationCount(ip),
		Blocked:         h.absorber.IsBlocked(ip),
		Traffic:         h.limiter.SnapshotIP(ip),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OpsHandler) GetBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked": h.absorber.BlockedEntries(),
	})
}

func (h *OpsHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ip"})
		return
	}
	h.absorber.Unblock(r.Context(), ip)
	h.logger.Info("manual unblock requested", zap.String("ip", ip))
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": ip})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
