package api

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
	"github.com/nonatech-uk/hash-calendar-email/internal/inbound"
	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

// maxPayloadSize bounds an inbound webhook body, attachments included.
const maxPayloadSize = 25 << 20

// Incoming accepts a parsed email from the mail forwarder. Once the token
// checks out the request is acknowledged with 200 whatever happens to the
// message, unreadable payloads included, so the forwarder never retries.
// Problems are reported to the sender by email instead.
func (h *Handler) Incoming(w http.ResponseWriter, r *http.Request) {
	s, err := settings.Load(r.Context(), h.db)
	if err != nil {
		h.logger.Error("failed to load settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settings", nil)
		return
	}

	if !auth.SecretsEqual(s.WebhookSecret, r.URL.Query().Get("token")) {
		h.metrics.WebhookRejected()
		h.logger.Warn("webhook rejected: bad token", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		h.drop(w, "unreadable webhook payload", err)
		return
	}

	msg, err := inbound.Decode(body)
	if err != nil {
		h.drop(w, "undecodable webhook payload", err)
		return
	}

	// The forwarder may hang up while the extraction runs; the message is
	// still processed to the end.
	ctx := context.WithoutCancel(r.Context())
	res := h.dispatcher.Handle(ctx, msg, s)
	h.logger.Debug("webhook handled",
		zap.String("command", string(res.Command)),
		zap.Bool("dropped", res.Dropped),
		zap.Bool("replied", res.Sent),
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// drop acknowledges a payload that cannot be processed.
func (h *Handler) drop(w http.ResponseWriter, reason string, err error) {
	h.metrics.Message("none", "dropped")
	h.logger.Warn(reason, zap.Error(err))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
