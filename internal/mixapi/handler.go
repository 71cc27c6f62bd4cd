// Package mixapi serves the mix request operations over HTTP.
package mixapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	"github.com/juno-intents/hopmix/internal/mixservice"
	"github.com/juno-intents/hopmix/internal/pricing"
	"github.com/juno-intents/hopmix/internal/walletpool"
)

const maxBodyBytes = 16 << 10

var ErrInvalidConfig = errors.New("mixapi: invalid config")

// Service is implemented by *mixservice.Service.
type Service interface {
	Create(ctx context.Context, in mixservice.CreateInput) (mixservice.CreateResult, error)
	ConfirmDeposit(ctx context.Context, id string, txHash string) (mix.Request, error)
	Status(ctx context.Context, id string) (mixservice.StatusView, error)
	Quote(amount string) (pricing.Quote, error)
	DepositAddress(chain string) (walletpool.DepositAddress, error)
}

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	// Metrics, when set, instruments every route and serves GET /metrics.
	Metrics *metrics.Metrics

	Now func() time.Time
}

type handler struct {
	cfg     Config
	svc     Service
	limiter *ipRateLimiter
	log     *slog.Logger
}

func NewHandler(cfg Config, svc Service, log *slog.Logger) (http.Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg:     cfg,
		svc:     svc,
		limiter: newIPRateLimiter(cfg.RateLimitPerIPPerSecond, cfg.RateLimitBurst, cfg.RateLimitMaxTrackedIPs),
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cfg.Metrics.Instrument)

	// Health checks and scrapes must never be throttled.
	r.Get("/healthz", h.handleHealthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/v1/mixes", h.handleCreate)
		r.Post("/v1/mixes/{id}/deposit", h.handleConfirmDeposit)
		r.Get("/v1/mixes/{id}", h.handleStatus)
		r.Get("/v1/quote", h.handleQuote)
		r.Get("/v1/deposit-address/{chain}", h.handleDepositAddress)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r, nil
}

func (h *handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), h.cfg.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"status":  "ok",
	})
}

type createRequestBody struct {
	Chain            string `json:"chain"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	SenderAddress    string `json:"senderAddress"`
	RecipientAddress string `json:"recipientAddress"`
	DelayMinutes     int    `json:"delayMinutes"`
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[createRequestBody](w, r)
	if !ok {
		return
	}
	res, err := h.svc.Create(r.Context(), mixservice.CreateInput{
		Chain:            body.Chain,
		Token:            body.Token,
		Amount:           body.Amount,
		SenderAddress:    body.SenderAddress,
		RecipientAddress: body.RecipientAddress,
		DelayMinutes:     body.DelayMinutes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":        "v1",
		"id":             res.ID,
		"depositAddress": res.DepositAddress,
		"depositAmount":  res.DepositAmount.String(),
		"fee":            res.Fee.String(),
		"outputAmount":   res.OutputAmount.String(),
		"message":        res.Message,
	})
}

type confirmDepositBody struct {
	TxHash string `json:"txHash"`
}

func (h *handler) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[confirmDepositBody](w, r)
	if !ok {
		return
	}
	out, err := h.svc.ConfirmDeposit(r.Context(), chi.URLParam(r, "id"), body.TxHash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"id":      out.ID,
		"status":  out.Status.String(),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{
		"version":    "v1",
		"id":         st.ID,
		"status":     st.Status.String(),
		"progress":   st.Progress,
		"currentHop": st.CurrentHop,
		"totalHops":  st.TotalHops,
	}
	if st.CompletedAt != nil {
		resp["completedAt"] = st.CompletedAt.Format(time.RFC3339)
	}
	if st.Error != "" {
		resp["error"] = st.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Quote(r.URL.Query().Get("amount"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"inputAmount":  q.InputAmount.String(),
		"fee":          q.Fee.String(),
		"feePercent":   json.Number(q.FeePercent.String()),
		"outputAmount": q.OutputAmount.String(),
	})
}

func (h *handler) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.DepositAddress(chi.URLParam(r, "chain"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"depositAddress": d.Address,
		"walletIndex":    d.Index,
	})
}

func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mixservice.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, mixservice.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, mixservice.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, mixservice.ErrDepositNotObserved):
		writeError(w, http.StatusConflict, "deposit_not_observed")
	case errors.Is(err, walletpool.ErrEmptyPool), errors.Is(err, walletpool.ErrNotInitialized):
		h.log.Error("wallet pool unavailable", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "pool_unavailable")
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   errCode,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}
