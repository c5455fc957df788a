package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
	"github.com/nonatech-uk/hash-calendar-email/internal/bulk"
	"github.com/nonatech-uk/hash-calendar-email/internal/db"
	"github.com/nonatech-uk/hash-calendar-email/internal/model"
	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

type TokenRequest struct {
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// IssueToken exchanges the admin password for an admin token.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	s, err := settings.Load(r.Context(), h.db)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings", nil)
		return
	}
	if !auth.CheckPassword(req.Password, s.AdminPassword) {
		h.logger.Warn("admin login failed", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}

	token, err := h.tokens.GenerateAdminToken("admin")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.cfg.AdminTokenTTL.Seconds()),
	})
}

type RunsResponse struct {
	Runs  []*model.Run `json:"runs"`
	Count int          `json:"count"`
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.db.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

// ExportRuns returns the same CSV that the export command mails out.
func (h *Handler) ExportRuns(w http.ResponseWriter, r *http.Request) {
	data, count, err := h.bulk.Export(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to export runs", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+bulk.ExportFilename+`"`)
	w.Header().Set("X-Run-Count", strconv.Itoa(count))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.db.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit entries", err)
		return
	}
	if entries == nil {
		entries = []*model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	values, err := settings.Redacted(r.Context(), h.db)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// UpdateSettings stores the given settings. Every key is validated before
// any of them is written.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no settings given", nil)
		return
	}

	keys := settings.SortedKeys(req)
	normalized := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := settings.Normalize(k, req[k])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid setting", err)
			return
		}
		normalized[k] = v
	}
	for _, k := range keys {
		if err := h.db.SetSetting(r.Context(), k, normalized[k]); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store setting", err)
			return
		}
	}

	var actor string
	if c := ClaimsFromContext(r.Context()); c != nil {
		actor = c.Subject
	}
	if err := h.db.WriteAudit(r.Context(), actor, "settings.update", "", map[string]string{
		"keys": strings.Join(keys, ","),
	}); err != nil {
		h.logger.Error("failed to write audit entry", zap.Error(err))
	}
	h.logger.Info("settings updated", zap.Strings("keys", keys))

	h.GetSettings(w, r)
}

// RunPage renders the permalink of a run as plain text.
func (h *Handler) RunPage(w http.ResponseWriter, r *http.Request) {
	run, err := h.db.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	var b strings.Builder
	b.WriteString(run.Title + "\n")
	if run.RunNumber != nil {
		fmt.Fprintf(&b, "Run #%d\n", *run.RunNumber)
	}
	b.WriteString("\n")
	for _, l := range model.Labels {
		if v := run.Attr(l.Key); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", l.Label, v)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}
