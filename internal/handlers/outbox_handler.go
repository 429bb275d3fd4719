package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/outbox"
	"github.com/orderpay/backend/internal/services"
	"github.com/sirupsen/logrus"
)

// DeadLetterStore exposes the outbox rows the relay gave up on.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context) ([]models.OutboxEvent, error)
	Requeue(ctx context.Context, id string) error
}

type deadLetter struct {
	ID           string          `json:"id"`
	EventType    string          `json:"eventType"`
	EventData    json.RawMessage `json:"eventData"`
	CreatedAt    time.Time       `json:"createdAt"`
	RetryCount   int             `json:"retryCount"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

type deadLettersResponse struct {
	services.Result
	Events []deadLetter `json:"events"`
}

type OutboxHandler struct {
	store DeadLetterStore
	log   *logrus.Logger
}

func NewOutboxHandler(store DeadLetterStore, log *logrus.Logger) *OutboxHandler {
	return &OutboxHandler{store: store, log: log}
}

func (h *OutboxHandler) Routes(r chi.Router) {
	r.Get("/outbox/dead-letters", h.DeadLetters)
	r.Post("/outbox/{id}/requeue", h.Requeue)
}

// DeadLetters lists events that exhausted their publish retries
// @Summary Dead-lettered outbox events
// @Tags Outbox
// @Produce json
// @Security BearerAuth
// @Success 200 {object} deadLettersResponse
// @Router /outbox/dead-letters [get]
func (h *OutboxHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.DeadLetters(r.Context())
	if err != nil {
		respond(w, r, h.log, "DeadLetters", nil, err)
		return
	}

	resp := deadLettersResponse{
		Result: services.Result{Success: true, Message: "dead letters retrieved"},
		Events: make([]deadLetter, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, deadLetter{
			ID:           e.ID,
			EventType:    e.EventType,
			EventData:    json.RawMessage(e.EventData),
			CreatedAt:    e.CreatedAt,
			RetryCount:   e.RetryCount,
			ErrorMessage: e.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Requeue resets the retry count of a dead-lettered event
// @Summary Requeue outbox event
// @Tags Outbox
// @Produce json
// @Security BearerAuth
// @Param id path string true "Event ID"
// @Success 200 {object} services.Result
// @Failure 400 {object} services.ErrorResponse
// @Router /outbox/{id}/requeue [post]
func (h *OutboxHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest,
			&services.FieldError{Field: "id", Reason: "must be a UUID"})
		return
	}

	err := h.store.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrEventNotFound):
		writeJSON(w, http.StatusOK, services.Result{Message: "event not found"})
	case err != nil:
		respond(w, r, h.log, "Requeue", nil, err)
	default:
		writeJSON(w, http.StatusOK, services.Result{Success: true, Message: "event requeued"})
	}
}
