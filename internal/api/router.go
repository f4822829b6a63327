package api

import (
	"net/http"
	"time"

	"github.com/meridiancre/fincore/internal/metrics"
)

// NewRouter wires every route to the handler and wraps the mux with request
// instrumentation.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}

	mux.HandleFunc("POST /v1/deals", h.CreateDeal)
	mux.HandleFunc("GET /v1/deals", h.ListDeals)
	mux.HandleFunc("GET /v1/deals/{id}", h.GetDeal)
	mux.HandleFunc("POST /v1/deals/{id}/status", h.ChangeDealStatus)
	mux.HandleFunc("POST /v1/deals/{id}/capital-calls", h.CreateCapitalCall)
	mux.HandleFunc("GET /v1/deals/{id}/capital-calls", h.ListCapitalCalls)
	mux.HandleFunc("POST /v1/deals/{id}/distributions", h.CreateDistribution)
	mux.HandleFunc("GET /v1/deals/{id}/distributions", h.ListDistributions)
	mux.HandleFunc("GET /v1/deals/{id}/events", h.ListDealEvents)
	mux.HandleFunc("GET /v1/deals/{id}/verify", h.VerifyDeal)
	mux.HandleFunc("GET /v1/verify", h.VerifyAll)

	mux.HandleFunc("POST /v1/admin/snapshot", h.Snapshot)
	mux.HandleFunc("POST /v1/admin/restore", h.Restore)
	mux.HandleFunc("POST /v1/admin/drill", h.Drill)
	mux.HandleFunc("POST /v1/admin/idempotency/flush", h.FlushIdempotency)
	mux.HandleFunc("POST /v1/admin/idempotency/sweep", h.SweepIdempotency)

	return instrument(h.Metrics, mux)
}

// statusRecorder captures the status a handler wrote. WriteHeader is only
// recorded once, matching net/http semantics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request latency labeled by the matched route pattern.
// The mux fills r.Pattern during dispatch; unmatched requests share one
// label so 404 noise cannot explode series cardinality.
func instrument(m *metrics.Metrics, mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(route, rec.status, time.Since(start))
	})
}
