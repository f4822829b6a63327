package smoke

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meridiancre/fincore/internal/api"
	"github.com/meridiancre/fincore/internal/auth"
	"github.com/meridiancre/fincore/internal/backup"
	"github.com/meridiancre/fincore/internal/idempotency"
	"github.com/meridiancre/fincore/internal/ledger"
	"github.com/meridiancre/fincore/internal/metrics"
	"github.com/meridiancre/fincore/internal/store"
)

// TestSmoke walks the primary flow through a fully assembled gateway: auth
// gate, deal creation, idempotent replay, chain verification, snapshot and
// drill.
func TestSmoke(t *testing.T) {
	st := store.NewInMemoryStore()
	led := ledger.New(st)

	authn := auth.NewTokenAuthenticator()
	authn.Register("test-token", auth.Claims{Subject: "smoke", OrgID: "org-smoke"})

	router := api.NewRouter(&api.Handler{
		Auth:        authn,
		Service:     api.NewService(st, led),
		Coordinator: idempotency.New(st, time.Hour),
		Backups:     backup.New(st, led, t.TempDir()),
		Gate:        &api.MaintenanceGate{},
		Metrics:     metrics.New(),
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	// unauthenticated requests are rejected
	res, err := http.Get(srv.URL + "/v1/deals")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	_ = res.Body.Close()

	dealID := createDeal(t, srv.URL)
	replayCapitalCall(t, srv.URL, dealID)
	verifyLedger(t, srv.URL)
	snapshotAndDrill(t, srv.URL)
}

func post(t *testing.T, url, idemKey, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer res.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(res.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, buf.Bytes()
}

func get(t *testing.T, url string, dst any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("get %s status: %d", url, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func createDeal(t *testing.T, baseURL string) string {
	t.Helper()

	res, body := post(t, baseURL+"/v1/deals", "", `{"name":"Smoke Tower","property_type":"office"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status: %d (%s)", res.StatusCode, body)
	}

	var deal struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &deal); err != nil {
		t.Fatalf("decode deal: %v", err)
	}
	if deal.ID == "" {
		t.Fatalf("missing deal id")
	}
	return deal.ID
}

func replayCapitalCall(t *testing.T, baseURL, dealID string) {
	t.Helper()

	url := baseURL + "/v1/deals/" + dealID + "/capital-calls"
	payload := `{"amount_cents":100000,"due_date":"2026-03-01"}`

	first, firstBody := post(t, url, "smoke-T", payload)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first call status: %d (%s)", first.StatusCode, firstBody)
	}
	second, secondBody := post(t, url, "smoke-T", payload)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay status: %d", second.StatusCode)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Fatalf("replay body differs:\nfirst:  %s\nsecond: %s", firstBody, secondBody)
	}
}

func verifyLedger(t *testing.T, baseURL string) {
	t.Helper()

	var report struct {
		Valid         bool `json:"valid"`
		DealsChecked  int  `json:"deals_checked"`
		EventsChecked int  `json:"events_checked"`
	}
	get(t, baseURL+"/v1/verify", &report)
	if !report.Valid {
		t.Fatalf("expected valid ledger: %+v", report)
	}
	if report.DealsChecked != 1 || report.EventsChecked != 2 {
		t.Fatalf("unexpected counts: %+v", report)
	}
}

func snapshotAndDrill(t *testing.T, baseURL string) {
	t.Helper()

	res, body := post(t, baseURL+"/v1/admin/snapshot", "", "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("snapshot status: %d (%s)", res.StatusCode, body)
	}

	res, body = post(t, baseURL+"/v1/admin/drill", "", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("drill status: %d (%s)", res.StatusCode, body)
	}
	var report struct {
		Passed bool `json:"passed"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode drill report: %v", err)
	}
	if !report.Passed {
		t.Fatalf("drill failed: %s", body)
	}
}
