package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meridiancre/fincore/internal/backup"
	"github.com/meridiancre/fincore/internal/ledger"
	"github.com/meridiancre/fincore/internal/store"
)

// runCLI executes one command line and captures output.
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runMain(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr, "unknown command") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestVerifyAllValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/verify" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"deals_checked":3,"events_checked":12,"valid":true}`))
	}))
	defer server.Close()

	code, stdout, stderr := runCLI(t, "verify", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "valid=true deals=3 events=12") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestVerifyAllBroken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"deals_checked":2,"events_checked":5,"valid":false,` +
			`"failures":[{"deal_id":"d-1","valid":false,"event_count":3,"broken_at":1,"reason":"event hash mismatch"}]}`))
	}))
	defer server.Close()

	code, _, stderr := runCLI(t, "verify", "--addr", server.URL, "--token", "tok")
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr, "deal d-1 broken at sequence 1: event hash mismatch") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
	if !strings.Contains(stderr, "1 of 2 deals broken") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestVerifySingleDeal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deals/d-7/verify" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"deal_id":"d-7","valid":true,"event_count":4}`))
	}))
	defer server.Close()

	code, stdout, _ := runCLI(t, "verify", "--deal", "d-7", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "valid=true deal=d-7 events=4") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestVerifyTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	code, _, _ := runCLI(t, "verify", "--addr", server.URL, "--token", "tok")
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
}

func TestVerifyUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer server.Close()

	code, _, stderr := runCLI(t, "verify", "--addr", server.URL, "--token", "bad")
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr, "401") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestSnapshotCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/admin/snapshot" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"path":"backups/snapshot-x.json","checksum":"abc123"}`))
	}))
	defer server.Close()

	code, stdout, _ := runCLI(t, "snapshot", "create", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "wrote backups/snapshot-x.json checksum=abc123") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

// snapshot verify runs against a local artifact with no gateway.
func TestSnapshotVerifyLocal(t *testing.T) {
	st := store.NewInMemoryStore()
	mgr := backup.New(st, ledger.New(st), t.TempDir())
	snap, path, err := mgr.Save(context.Background())
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	code, stdout, _ := runCLI(t, "snapshot", "verify", path)
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "ok checksum="+snap.Checksum) {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestSnapshotVerifyTampered(t *testing.T) {
	st := store.NewInMemoryStore()
	mgr := backup.New(st, ledger.New(st), t.TempDir())
	_, path, err := mgr.Save(context.Background())
	if err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	snap, err := backup.ReadSnapshotFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	snap.Checksum = strings.Repeat("0", 64)
	if err := backup.WriteSnapshotFile(path, snap); err != nil {
		t.Fatalf("rewrite snapshot: %v", err)
	}

	code, _, stderr := runCLI(t, "snapshot", "verify", path)
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr, "checksum mismatch") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestSnapshotVerifyMissingFile(t *testing.T) {
	code, _, _ := runCLI(t, "snapshot", "verify", filepath.Join(t.TempDir(), "absent.json"))
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
}

func TestRestoreOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/admin/restore" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"path":"a.json","checksum":"abc","ledger":{"deals_checked":2,"events_checked":9,"valid":true}}`))
	}))
	defer server.Close()

	code, stdout, _ := runCLI(t, "restore", "a.json", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "restored checksum=abc deals=2 events=9") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestRestoreCorrupt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"corrupt backup: snapshot checksum mismatch"}`))
	}))
	defer server.Close()

	code, _, stderr := runCLI(t, "restore", "a.json", "--addr", server.URL, "--token", "tok")
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr, "corrupt backup") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestRestoreRequiresArg(t *testing.T) {
	code, _, _ := runCLI(t, "restore")
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
}

func TestDrillPassed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"snapshot_checksum":"abc","artifact_path":"backups/drill-x.json",` +
			`"counts_before":{},"counts_after":{},"ledger_before":{"valid":true},"ledger_after":{"valid":true},` +
			`"passed":true,"started_at":"t0","completed_at":"t1"}`))
	}))
	defer server.Close()

	code, stdout, _ := runCLI(t, "drill", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "passed checksum=abc") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestDrillFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"snapshot_checksum":"abc","artifact_path":"backups/drill-x.json","passed":false,` +
			`"counts_before":{},"counts_after":{},"ledger_before":{"valid":true},"ledger_after":{"valid":false},` +
			`"started_at":"t0","completed_at":"t1"}`))
	}))
	defer server.Close()

	code, _, stderr := runCLI(t, "drill", "--addr", server.URL, "--token", "tok")
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr, "drill failed") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestIdemFlush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/admin/idempotency/flush" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"deleted":7}`))
	}))
	defer server.Close()

	code, stdout, _ := runCLI(t, "idem", "flush", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "deleted=7") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestIdemSweep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/admin/idempotency/sweep" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"deleted":0}`))
	}))
	defer server.Close()

	code, stdout, _ := runCLI(t, "idem", "sweep", "--addr", server.URL, "--token", "tok")
	if code != 0 {
		t.Fatalf("expected code 0, got %d", code)
	}
	if !strings.Contains(stdout, "deleted=0") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("FINCORE_TEST_PRESENT", "set")
	if got := envOrDefault("FINCORE_TEST_PRESENT", "fallback"); got != "set" {
		t.Fatalf("expected set, got %s", got)
	}
	if got := envOrDefault("FINCORE_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestMainExitCode(t *testing.T) {
	oldExit := exitFn
	oldArgs := os.Args
	defer func() {
		exitFn = oldExit
		os.Args = oldArgs
	}()

	var code int
	exitFn = func(c int) {
		code = c
	}
	os.Args = []string{"fincore", "nonsense"}

	main()

	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}
