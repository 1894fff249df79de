package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/storage"
)

// retrier is implemented by outboxes that can requeue failed messages.
type retrier interface {
	Retry(ctx context.Context, id string) error
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Stats    *queue.QueueStats `json:"stats"`
	Messages []*MessageSummary `json:"messages,omitempty"`
}

// MessageSummary is a summary of an outbox message
type MessageSummary struct {
	ID         string    `json:"id"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Source     string    `json:"source,omitempty"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusResponse is the response for GET /queue/{id}
type StatusResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Mint        string    `json:"mint,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
}

// SubscriberRequest is the request body for POST /subscribers
type SubscriberRequest struct {
	Email      string `json:"email"`
	Collection string `json:"collection,omitempty"`
}

func summarize(msg *queue.Message) *MessageSummary {
	return &MessageSummary{
		ID:         msg.ID,
		To:         msg.Mailing.To,
		Subject:    msg.Mailing.Subject,
		Source:     string(msg.Source),
		Status:     string(msg.Status),
		RetryCount: msg.RetryCount,
		CreatedAt:  msg.CreatedAt,
	}
}

// handleQueue handles GET /api/v1/queue?status=&limit=
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	filter := queue.ListFilter{
		Status: queue.MessageStatus(r.URL.Query().Get("status")),
		Limit:  100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	stats, err := s.deps.Outbox.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	messages, err := s.deps.Outbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	summaries := make([]*MessageSummary, len(messages))
	for i, msg := range messages {
		summaries[i] = summarize(msg)
	}

	sendJSON(w, http.StatusOK, QueueResponse{
		Stats:    stats,
		Messages: summaries,
	})
}

// handleStatus handles GET /api/v1/queue/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.deps.Outbox.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get message", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return
	}

	sendJSON(w, http.StatusOK, StatusResponse{
		ID:          msg.ID,
		Status:      string(msg.Status),
		From:        msg.Mailing.From,
		To:          msg.Mailing.To,
		Subject:     msg.Mailing.Subject,
		Mint:        msg.Mint,
		MessageID:   msg.MessageID,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
		NextRetryAt: msg.NextRetryAt,
		RetryCount:  msg.RetryCount,
		LastError:   msg.LastError,
		ErrorKind:   string(msg.ErrorKind),
	})
}

// handleRetry handles POST /api/v1/queue/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rq, ok := s.deps.Outbox.(retrier)
	if !ok {
		sendError(w, http.StatusNotImplemented, "Retry not supported")
		return
	}

	if err := rq.Retry(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			sendError(w, http.StatusNotFound, "Message not found")
			return
		}
		s.logger.Warn("failed to retry message", "id", id, "error", err)
		sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("message requeued", "id", id)
	s.deps.Wake()
	sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Message moved to pending queue",
	})
}

// handleDeleteMessage handles DELETE /api/v1/queue/{id}
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Outbox.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete message", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribersList handles GET /api/v1/subscribers
func (s *Server) handleSubscribersList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Subscribers.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list subscribers", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list subscribers")
		return
	}
	if subs == nil {
		subs = []*storage.Subscriber{}
	}

	sendJSON(w, http.StatusOK, subs)
}

// handleSubscribersCreate handles POST /api/v1/subscribers
func (s *Server) handleSubscribersCreate(w http.ResponseWriter, r *http.Request) {
	var req SubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub := &storage.Subscriber{Email: req.Email, Collection: req.Collection}
	err := s.deps.Subscribers.Add(r.Context(), sub)
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		sendError(w, http.StatusBadRequest, "Invalid email address")
		return
	case errors.Is(err, storage.ErrDuplicateKey):
		sendError(w, http.StatusConflict, "Subscriber already exists")
		return
	case err != nil:
		s.logger.Error("failed to add subscriber", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to add subscriber")
		return
	}

	s.logger.Info("subscriber added", "email", sub.Email, "collection", sub.Collection)
	sendJSON(w, http.StatusCreated, sub)
}

// handleSubscribersDelete handles DELETE /api/v1/subscribers/{email}
func (s *Server) handleSubscribersDelete(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	err := s.deps.Subscribers.Remove(r.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Subscriber not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to remove subscriber", "email", email, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to remove subscriber")
		return
	}

	s.logger.Info("subscriber removed", "email", email)
	w.WriteHeader(http.StatusNoContent)
}
