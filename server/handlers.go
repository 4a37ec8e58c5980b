package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kumoworks/bilifetch/config"
	"github.com/kumoworks/bilifetch/credential"
	"github.com/kumoworks/bilifetch/dedup"
	"github.com/kumoworks/bilifetch/login"
	"github.com/kumoworks/bilifetch/refresh"
)

// Handlers carries the service dependencies the HTTP surface reads or drives.
type Handlers struct {
	Config    *config.Config
	Store     *credential.Store
	Cache     *dedup.Cache
	Login     *login.Manager
	Refresher *refresh.Refresher
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// HandleHealthz is a liveness probe: the process is up.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness. An unwritable data dir fails the probe; a
// missing muxer only degrades video acquisition, so it is reported but not
// fatal.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK

	if err := probeWritable(h.Config.DataDir); err != nil {
		body["status"] = "unavailable"
		body["data_dir"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	_, err := exec.LookPath(h.Config.FFmpegPath)
	body["ffmpeg"] = err == nil

	writeJSON(w, status, body)
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".readyz")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

// HandleStatus reports login and cache state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"send_mode":     string(h.Config.SendMode),
		"logged_in":     false,
		"dedup_entries": 0,
	}
	if h.Cache != nil {
		body["dedup_entries"] = h.Cache.Len()
	}
	if cred, ok := h.Store.Current(); ok && cred.Usable() {
		body["logged_in"] = true
		body["dede_user_id"] = cred.DedeUserID
		body["credential_saved_at"] = cred.SavedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleLoginStart begins a QR login session and returns the challenge URL to
// render as a QR code.
func (h *Handlers) HandleLoginStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	url, err := h.Login.Begin(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// HandleLoginPoll reports the state of the outstanding QR session.
func (h *Handlers) HandleLoginPoll(w http.ResponseWriter, r *http.Request) {
	status, err := h.Login.Poll(r.Context())
	if err != nil {
		if errors.Is(err, login.ErrNoSession) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"state": status.String(), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": status.String()})
}

// HandleLogout clears the stored credential.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.Store.Clear(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// HandleRefreshNow forces one cookie rotation attempt outside the schedule.
func (h *Handlers) HandleRefreshNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.Refresher.RefreshOnce(r.Context()); err != nil {
		if errors.Is(err, refresh.ErrNotDue) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "not due"})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
