// Package api is the HTTP surface of the gateway: deal mutations wrapped in
// idempotency and per-organization rate limits, chain verification reads,
// and the administrative backup endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/meridiancre/fincore/internal/auth"
	"github.com/meridiancre/fincore/internal/backup"
	"github.com/meridiancre/fincore/internal/idempotency"
	"github.com/meridiancre/fincore/internal/metrics"
	"github.com/meridiancre/fincore/internal/store"
)

// maxBodyBytes caps request bodies. Deal payloads are small; anything near
// this limit is malformed or hostile.
const maxBodyBytes = 1 << 20

// Operation names embedded in scope keys and metric labels.
const (
	OpDealCreate         = "deal-create"
	OpDealStatus         = "deal-status"
	OpCapitalCallCreate  = "capital-call-create"
	OpDistributionCreate = "distribution-create"
)

type Handler struct {
	Auth        auth.Authenticator
	Service     *Service
	Coordinator *idempotency.Coordinator
	Backups     *backup.Manager
	Limiter     *OrgLimiter
	Gate        *MaintenanceGate
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	var req CreateDealRequest
	body, ok := decodeJSON(w, r, &req)
	if !ok {
		return
	}
	h.executeIdempotent(w, r, claims, OpDealCreate, body, func(ctx context.Context) (idempotency.Result, error) {
		deal, err := h.Service.CreateDeal(ctx, claims.OrgID, req)
		if err != nil {
			return idempotency.Result{}, err
		}
		return created(deal)
	})
}

func (h *Handler) ChangeDealStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	var req ChangeDealStatusRequest
	body, ok := decodeJSON(w, r, &req)
	if !ok {
		return
	}
	dealID := r.PathValue("id")
	h.executeIdempotent(w, r, claims, OpDealStatus, body, func(ctx context.Context) (idempotency.Result, error) {
		deal, err := h.Service.ChangeDealStatus(ctx, claims.OrgID, dealID, req)
		if err != nil {
			return idempotency.Result{}, err
		}
		return updated(deal)
	})
}

func (h *Handler) CreateCapitalCall(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	var req CreateCapitalCallRequest
	body, ok := decodeJSON(w, r, &req)
	if !ok {
		return
	}
	dealID := r.PathValue("id")
	h.executeIdempotent(w, r, claims, OpCapitalCallCreate, body, func(ctx context.Context) (idempotency.Result, error) {
		call, err := h.Service.CreateCapitalCall(ctx, claims.OrgID, dealID, req)
		if err != nil {
			return idempotency.Result{}, err
		}
		return created(call)
	})
}

func (h *Handler) CreateDistribution(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	var req CreateDistributionRequest
	body, ok := decodeJSON(w, r, &req)
	if !ok {
		return
	}
	dealID := r.PathValue("id")
	h.executeIdempotent(w, r, claims, OpDistributionCreate, body, func(ctx context.Context) (idempotency.Result, error) {
		dist, err := h.Service.CreateDistribution(ctx, claims.OrgID, dealID, req)
		if err != nil {
			return idempotency.Result{}, err
		}
		return created(dist)
	})
}

func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	deal, err := h.Service.GetDeal(claims.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	deals, err := h.Service.ListDeals(claims.OrgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (h *Handler) ListCapitalCalls(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	calls, err := h.Service.ListCapitalCalls(claims.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capital_calls": calls})
}

func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	dists, err := h.Service.ListDistributions(claims.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": dists})
}

func (h *Handler) ListDealEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	events, err := h.Service.ListDealEvents(claims.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) VerifyDeal(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	defer h.Gate.Enter()()

	result, err := h.Service.VerifyDeal(r.Context(), claims.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Metrics.ObserveChainCheck(result.Valid)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) VerifyAll(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	defer h.Gate.Enter()()

	report, err := h.Service.VerifyLedger(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Metrics.ObserveChainCheck(report.Valid)
	writeJSON(w, http.StatusOK, report)
}

// executeIdempotent wraps one mutation in the rate limit and the idempotency
// record lifecycle. The payload digest covers the raw request body, not the
// decoded struct: two bodies that differ only in unknown fields are distinct
// operations. The supplier's body is stored verbatim, so replays return the
// original response byte for byte with status 200.
func (h *Handler) executeIdempotent(w http.ResponseWriter, r *http.Request, claims auth.Claims, operation string, body json.RawMessage, supplier func(context.Context) (idempotency.Result, error)) {
	if wait, ok := h.Limiter.Allow(claims.OrgID); !ok {
		h.Metrics.ObserveRateLimited(operation)
		writeRateLimited(w, wait)
		return
	}

	scope := ScopeKey(operation, claims.OrgID, r.URL.Path, IdempotencyToken(r))
	exec, err := h.Coordinator.Execute(r.Context(), scope, body, supplier)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Metrics.ObserveMutation(operation, exec.Hit)

	status := exec.Result.StatusCode
	if exec.Hit {
		status = http.StatusOK
	}
	writeRawJSON(w, status, exec.Result.Body)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, err := h.Auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return auth.Claims{}, false
	}
	return claims, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrDealNotFound), errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, backup.ErrMalformedSnapshot):
		status = http.StatusBadRequest
	case errors.Is(err, backup.ErrCorruptBackup):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// created renders a fresh resource as the idempotency result to store.
func created(v any) (idempotency.Result, error) {
	return encodeResult(http.StatusCreated, v)
}

func updated(v any) (idempotency.Result, error) {
	return encodeResult(http.StatusOK, v)
}

func encodeResult(status int, v any) (idempotency.Result, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return idempotency.Result{}, fmt.Errorf("encode response: %w", err)
	}
	return idempotency.Result{StatusCode: status, Body: body}, nil
}

// decodeJSON reads the body once and decodes it into dst. The raw bytes come
// back too: mutation handlers hash exactly what the caller sent, so fields
// the schema does not know about still make the payload distinct.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return nil, false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return nil, false
	}
	return raw, true
}

func writeRateLimited(w http.ResponseWriter, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":             "rate limit exceeded",
		"retryAfterSeconds": seconds,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// writeRawJSON emits a stored body without re-encoding it.
func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
