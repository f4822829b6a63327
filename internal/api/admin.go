package api

import (
	"net/http"

	"github.com/meridiancre/fincore/internal/backup"
)

// Snapshot seals the current state and persists the artifact. It holds the
// shared gate side: concurrent mutations are fine (the dump is transactional)
// but a restore must not run underneath it.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	defer h.Gate.Enter()()

	snap, path, err := h.Backups.Save(r.Context())
	h.Metrics.ObserveBackupOperation("snapshot", err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logInfo("snapshot created", "path", path, "checksum", snap.Checksum)
	writeJSON(w, http.StatusCreated, map[string]string{
		"path":      path,
		"checksum":  snap.Checksum,
		"timestamp": snap.Timestamp,
	})
}

type restoreRequest struct {
	Path string `json:"path"`
}

// Restore replaces live state from a snapshot artifact, then verifies every
// chain. The exclusive gate drains in-flight requests first, so no mutation
// interleaves with the replacement. Validation failures leave live state
// untouched: 400 for an unreadable artifact, 409 for a checksum mismatch.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	var req restoreRequest
	if _, ok := decodeJSON(w, r, &req); !ok {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing snapshot path"})
		return
	}

	snap, err := backup.ReadSnapshotFile(req.Path)
	if err != nil {
		h.Metrics.ObserveBackupOperation("restore", err)
		h.writeError(w, err)
		return
	}

	defer h.Gate.Exclusive()()
	err = h.Backups.Restore(r.Context(), snap)
	h.Metrics.ObserveBackupOperation("restore", err)
	if err != nil {
		h.writeError(w, err)
		return
	}

	report, err := h.Service.VerifyLedger(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Metrics.ObserveChainCheck(report.Valid)
	h.logInfo("state restored", "path", req.Path, "checksum", snap.Checksum, "ledger_valid", report.Valid)

	status := http.StatusOK
	if !report.Valid {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"path":     req.Path,
		"checksum": snap.Checksum,
		"ledger":   report,
	})
}

// Drill proves the snapshot-wipe-restore path end to end. A failed comparison
// is data in the report; only a drill that could not run returns an error.
func (h *Handler) Drill(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	defer h.Gate.Exclusive()()

	report, err := h.Backups.RunDrill(r.Context())
	h.Metrics.ObserveBackupOperation("drill", err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logInfo("drill completed", "passed", report.Passed, "artifact", report.ArtifactPath)
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) FlushIdempotency(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	defer h.Gate.Enter()()

	deleted, err := h.Coordinator.Flush(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logInfo("idempotency records flushed", "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) SweepIdempotency(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	defer h.Gate.Enter()()

	deleted, err := h.Coordinator.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) logInfo(msg string, args ...any) {
	if h.Logger != nil {
		h.Logger.Info(msg, args...)
	}
}
