package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meridiancre/fincore/internal/auth"
	"github.com/meridiancre/fincore/internal/backup"
	"github.com/meridiancre/fincore/internal/idempotency"
	"github.com/meridiancre/fincore/internal/ledger"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

// Tokens registered by every test rig. tokenOrgB belongs to a different
// organization so isolation tests can cross the boundary.
const (
	testToken = "tok-org-a"
	tokenOrgB = "tok-org-b"
	testOrgID = "org-a"
	orgBID    = "org-b"
)

type testRig struct {
	store   *store.InMemoryStore
	ledger  *ledger.Ledger
	service *Service
	handler *Handler
	router  http.Handler
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st := store.NewInMemoryStore()
	led := ledger.New(st)
	svc := NewService(st, led)

	authn := auth.NewTokenAuthenticator()
	authn.Register(testToken, auth.Claims{Subject: "alice", OrgID: testOrgID})
	authn.Register(tokenOrgB, auth.Claims{Subject: "bob", OrgID: orgBID})

	h := &Handler{
		Auth:        authn,
		Service:     svc,
		Coordinator: idempotency.New(st, time.Hour),
		Backups:     backup.New(st, led, t.TempDir()),
		Gate:        &MaintenanceGate{},
	}
	return &testRig{store: st, ledger: led, service: svc, handler: h, router: NewRouter(h)}
}

// do runs one request through the router. A non-empty token becomes a bearer
// header; a non-empty idemKey becomes the primary idempotency header.
func (rig *testRig) do(t *testing.T, method, path, token, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}
	res := httptest.NewRecorder()
	rig.router.ServeHTTP(res, req)
	return res
}

// doLegacy posts with the token in the alternate idempotency header.
func (rig *testRig) doLegacy(t *testing.T, path, token, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderIdempotencyKeyLegacy, idemKey)
	res := httptest.NewRecorder()
	rig.router.ServeHTTP(res, req)
	return res
}

// createDeal makes one deal for org A and returns it decoded.
func (rig *testRig) createDeal(t *testing.T, name string) types.Deal {
	t.Helper()
	res := rig.do(t, http.MethodPost, "/v1/deals", testToken, "", CreateDealRequest{Name: name, PropertyType: "office"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create deal: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	return decodeBody[types.Deal](t, res)
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(res.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", res.Body.String(), err)
	}
	return v
}
