package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"mimiry/internal/apperrors"
	"mimiry/internal/job"
	"mimiry/internal/token"
	"mimiry/pkg/cloudevent"
)

// AgentEvent handles POST /v1/agent/events - instance agents phoning
// home with CloudEvents, authenticated by the job's callback token.
//
// The job id is taken from the token, never from the event body, so a
// leaked or guessed token cannot touch another job. Rejections carry a
// deliberately uniform message: a caller probing with bad tokens learns
// nothing about which job ids exist.
func (h *Handler) AgentEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	secret, ok := bearerToken(r)
	if !ok {
		h.rejectToken(w, r, "missing bearer token")
		return
	}

	jobID, err := h.tokens.Validate(secret)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, token.ErrExpired) {
			reason = "expired"
		}
		h.rejectToken(w, r, reason)
		return
	}

	var event cloudevent.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid CloudEvent: "+err.Error())
		return
	}
	if !job.KnownEvent(event.Type) {
		h.writeError(w, http.StatusBadRequest, "unknown event type: "+event.Type)
		return
	}

	switch event.Type {
	case job.EventStarted:
		err = h.manager.MarkStarted(r.Context(), jobID)
	case job.EventHeartbeat:
		err = h.manager.Heartbeat(r.Context(), jobID)
	case job.EventCompleted:
		err = h.manager.Complete(r.Context(), jobID)
	case job.EventFailed:
		err = h.manager.Fail(r.Context(), jobID, eventErrorMessage(&event))
	}

	if err != nil {
		// A conflict means the job was finalized concurrently; the
		// winner's outcome stands and the agent gets a plain ack.
		if errors.Is(err, apperrors.ErrConflict) {
			slog.Info("Agent event arrived after finalization, acknowledged",
				"jobId", jobID, "type", event.Type)
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// rejectToken answers a failed token check. The response body never
// distinguishes unknown, consumed, and expired tokens; the audit log
// does, because an expired token usually means an orphaned instance is
// still alive and phoning home.
func (h *Handler) rejectToken(w http.ResponseWriter, r *http.Request, auditReason string) {
	if h.metrics != nil {
		h.metrics.RecordTokenRejected(r.Context())
	}
	slog.Warn("Agent callback rejected",
		"reason", auditReason,
		"remoteAddr", r.RemoteAddr,
	)
	h.writeError(w, http.StatusUnauthorized, "invalid callback token")
}

// bearerToken extracts the Bearer credential from the request.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// eventErrorMessage pulls the agent-reported error text out of a failed
// event, recorded verbatim on the job.
func eventErrorMessage(event *cloudevent.CloudEvent) string {
	if event.Data == nil {
		return "agent reported failure"
	}
	if msg, ok := event.Data["error_message"].(string); ok && msg != "" {
		return msg
	}
	return "agent reported failure"
}
