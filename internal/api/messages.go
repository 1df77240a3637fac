package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conduit-hub/conduit-core/internal/message"
)

// handleSubmitMessage accepts a message for routing.
//
// The message is validated and persisted before the request returns; the
// response carries the assigned id for later status queries. Delivery is
// asynchronous.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var sub message.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	msg, err := s.router.Submit(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrUnknownDestination):
			writeNotFound(w, "unknown destination device")
		case errors.Is(err, message.ErrInvalidQoS),
			errors.Is(err, message.ErrInvalidPriority),
			errors.Is(err, message.ErrInvalidSource):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, message.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "router is shutting down")
		default:
			writeInternalError(w, "failed to submit message")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":       msg.ID,
		"status":   msg.Status,
		"qos":      msg.QoS,
		"priority": msg.Priority,
	})
}

// handleGetMessage returns the current state of a message by ID.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.router.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeNotFound(w, "message not found")
			return
		}
		writeInternalError(w, "failed to get message")
		return
	}

	writeJSON(w, http.StatusOK, msg)
}
