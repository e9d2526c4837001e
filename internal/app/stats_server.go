package app

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"copybot/config"
	"copybot/internal/behavior"
	"copybot/internal/risk"
	"copybot/internal/store"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WebSocket upgrader for real-time stats
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const maxSettingsBody = 1 << 20

// evaluationHub fans decisions out to connected WebSocket clients.
type evaluationHub struct {
	mu   sync.Mutex
	subs map[chan *risk.Evaluation]struct{}
}

func newEvaluationHub() *evaluationHub {
	return &evaluationHub{subs: make(map[chan *risk.Evaluation]struct{})}
}

func (h *evaluationHub) subscribe() (<-chan *risk.Evaluation, func()) {
	ch := make(chan *risk.Evaluation, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// publish never blocks; slow clients miss decisions.
func (h *evaluationHub) publish(ev *risk.Evaluation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// wsMessage is one frame pushed to dashboard clients.
type wsMessage struct {
	Type string `json:"type"` // stats or evaluation
	Data any    `json:"data"`
}

// startHealthServer starts an HTTP server for health checks, stats and
// operator actions.
func (r *Runner) startHealthServer(port int) {
	r.healthServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := r.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.clients.Logger.Error("health server error", zap.Error(err))
		}
	}()
}

func (r *Runner) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.GetStats())
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	// Circuit breaker
	mux.HandleFunc("GET /breaker", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.breaker.State())
	})
	mux.HandleFunc("POST /breaker/reset", r.requireAdmin(func(w http.ResponseWriter, req *http.Request) {
		why := nz(req.URL.Query().Get("reason"), "manual reset via api")
		r.breaker.Reset(why)
		r.clients.Logger.Info("breaker reset via api", zap.String("reason", why))
		writeJSON(w, http.StatusOK, r.breaker.State())
	}))

	// Risk engine and positions
	mux.HandleFunc("GET /risk-metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.engine.RiskMetrics())
	})
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"open":         r.engine.Book().Open(),
			"recent_exits": r.positionMonitor.RecentExits(),
			"stats":        r.positionMonitor.Stats(),
		})
	})
	mux.HandleFunc("POST /positions/close", r.requireAdmin(r.handleClosePosition))
	mux.HandleFunc("GET /risk/profiles", r.handleProfiles)
	mux.HandleFunc("PUT /risk/profiles/{classification}", r.requireAdmin(r.handleSetProfile))
	mux.HandleFunc("GET /evaluations", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.tradeMonitor.RecentEvaluations())
	})

	// Classifications
	mux.HandleFunc("GET /classifications", r.handleClassifications)
	mux.HandleFunc("POST /classify", r.requireAdmin(func(w http.ResponseWriter, req *http.Request) {
		wallet := strings.TrimSpace(req.URL.Query().Get("wallet"))
		if wallet == "" {
			writeError(w, http.StatusBadRequest, "wallet is required")
			return
		}
		wc, err := r.walletTracker.ClassifyWallet(req.Context(), wallet)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, wc)
	}))

	// Settings
	if r.settingsManager != nil {
		mux.HandleFunc("GET /api/settings", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, r.settingsManager.GetCurrentConfig())
		})
		mux.HandleFunc("GET /api/settings/info", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, r.settingsManager.GetSettingsInfo())
		})
		mux.HandleFunc("PUT /api/settings", r.requireAdmin(r.handleUpdateSettings))
	}

	// WebSocket endpoint for real-time stats and decisions
	mux.HandleFunc("/ws", r.handleWS)

	return mux
}

// requireAdmin guards mutating endpoints with the configured bearer token.
// Without a token they are disabled.
func (r *Runner) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := r.liveConfig.Get().HealthServer.AdminToken
		if token == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled: ADMIN_TOKEN not set")
			return
		}
		got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, req)
	}
}

// handleProfiles lists the risk profile table keyed by classification.
func (r *Runner) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	table := r.engine.Profiles()
	out := make(map[string]risk.RiskProfile, behavior.NumClassifications)
	for _, c := range behavior.AllClassifications() {
		p, err := table.For(c)
		if err != nil {
			continue
		}
		out[c.String()] = p
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runner) handleSetProfile(w http.ResponseWriter, req *http.Request) {
	c, err := behavior.ParseClassification(req.PathValue("classification"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxSettingsBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var p risk.RiskProfile
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := r.engine.SetProfile(c, p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.clients.Logger.Info("risk profile updated via api", zap.Stringer("classification", c))
	writeJSON(w, http.StatusOK, p)
}

func (r *Runner) handleClosePosition(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	id := q.Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	price, err := strconv.ParseFloat(q.Get("price"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "price must be a number")
		return
	}
	exit, err := r.positionMonitor.ClosePosition(id, price)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exit)
}

func (r *Runner) handleClassifications(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	wallet := strings.TrimSpace(req.URL.Query().Get("wallet"))

	if wallet == "" {
		out := make([]*behavior.WalletClassification, 0, r.store.Len())
		for _, addr := range r.store.Wallets() {
			if wc, err := r.store.Get(ctx, addr); err == nil {
				out = append(out, wc)
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	latest, err := r.store.Get(ctx, wallet)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no classification for wallet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	history, err := r.store.History(ctx, wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"latest":  latest,
		"history": history,
	})
}

func (r *Runner) handleUpdateSettings(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxSettingsBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := r.settingsManager.UpdateFromJSON(req.Context(), body); err != nil {
		var verr *config.ConfigValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"errors": verr.Errors,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.clients.Logger.Info("settings updated via api",
		zap.Int("version", r.liveConfig.Version()),
	)
	writeJSON(w, http.StatusOK, r.settingsManager.GetCurrentConfig())
}

func (r *Runner) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.clients.Logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	evals, unsubscribe := r.hub.subscribe()
	defer unsubscribe()

	// The read side only detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send stats every second
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	if err := conn.WriteJSON(wsMessage{Type: "stats", Data: r.GetStats()}); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case ev := <-evals:
			if err := conn.WriteJSON(wsMessage{Type: "evaluation", Data: ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(wsMessage{Type: "stats", Data: r.GetStats()}); err != nil {
				return // Client disconnected
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
