package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/solana"
)

const maxNotifyRecipients = 500

// NotifyRequest is the request body for POST /notify. Without To the
// mailing goes to every subscriber interested in the listing's collection,
// or to all subscribers when no mint is given.
type NotifyRequest struct {
	To       []string `json:"to,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Title    string   `json:"title"`
	Headline string   `json:"headline,omitempty"`
	Message  string   `json:"message,omitempty"`
	Mint     string   `json:"mint,omitempty"`
	// SendNow delivers synchronously instead of queueing.
	SendNow bool `json:"send_now,omitempty"`
}

// NotifyResult reports one recipient.
type NotifyResult struct {
	To        string `json:"to"`
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NotifyResponse is the response for POST /notify
type NotifyResponse struct {
	Results []NotifyResult `json:"results"`
}

var errNotifyInput = errors.New("invalid notify request")

// handleNotify handles POST /api/v1/notify
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SendNow && s.deps.Sender == nil {
		sendError(w, http.StatusNotImplemented, "Immediate delivery is not configured")
		return
	}

	notice, detail, ok := s.buildNotice(w, r, &req)
	if !ok {
		return
	}

	recipients, err := s.recipients(r.Context(), req.To, detail)
	if err != nil {
		if errors.Is(err, errNotifyInput) {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to resolve recipients", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to resolve recipients")
		return
	}

	// compose everything before delivering anything
	mailings := make([]*mailer.Mailing, 0, len(recipients))
	for _, to := range recipients {
		m, err := s.deps.Composer.Compose(s.deps.From, to, notice)
		if err != nil {
			sendError(w, http.StatusBadRequest, "Invalid recipient: "+to)
			return
		}
		mailings = append(mailings, m)
	}

	var resp NotifyResponse
	if req.SendNow {
		resp.Results = s.sendNow(r.Context(), mailings)
		status := http.StatusOK
		for _, res := range resp.Results {
			if res.Error != "" {
				status = http.StatusBadGateway
			}
		}
		sendJSON(w, status, resp)
		return
	}

	for _, m := range mailings {
		msg := queue.NewMessage(m, queue.SourceAPI)
		if detail != nil {
			msg.Mint = detail.Mint.String()
		}
		if err := s.deps.Outbox.Enqueue(r.Context(), msg); err != nil {
			s.logger.Error("failed to enqueue message", "to", m.To, "error", err)
			sendError(w, http.StatusInternalServerError, "Failed to queue message")
			return
		}
		resp.Results = append(resp.Results, NotifyResult{To: m.To, ID: msg.ID, Status: string(msg.Status)})
	}

	s.logger.Info("notification queued via API", "recipients", len(resp.Results), "mint", req.Mint)
	s.deps.Wake()
	sendJSON(w, http.StatusAccepted, resp)
}

func (s *Server) sendNow(ctx context.Context, mailings []*mailer.Mailing) []NotifyResult {
	results := make([]NotifyResult, 0, len(mailings))
	for _, m := range mailings {
		res := NotifyResult{To: m.To, Status: string(queue.StatusSent)}
		sent, err := s.deps.Sender.Send(ctx, m)
		if err != nil {
			res.Status = string(queue.StatusFailed)
			res.Error = err.Error()
		} else {
			res.MessageID = sent.MessageID
		}
		results = append(results, res)
	}
	return results
}

// handlePreview handles POST /api/v1/notify/preview and returns the HTML
// document of the first recipient.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	notice, _, ok := s.buildNotice(w, r, &req)
	if !ok {
		return
	}

	to := s.deps.From
	if len(req.To) > 0 {
		to = req.To[0]
	}

	m, err := s.deps.Composer.Compose(s.deps.From, to, notice)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid recipient: "+to)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Mail-Subject", m.Subject)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m.HTML))
}

// buildNotice validates req and resolves the listing card. It writes the
// error response itself and reports whether the caller should continue.
func (s *Server) buildNotice(w http.ResponseWriter, r *http.Request, req *NotifyRequest) (mailer.Notice, *market.NFTDetail, bool) {
	n := mailer.Notice{
		Subject:  strings.TrimSpace(req.Subject),
		Title:    strings.TrimSpace(req.Title),
		Headline: strings.TrimSpace(req.Headline),
		Message:  strings.TrimSpace(req.Message),
	}
	if n.Title == "" && n.Subject == "" {
		sendError(w, http.StatusBadRequest, "title or subject is required")
		return n, nil, false
	}

	if req.Mint == "" {
		return n, nil, true
	}

	mint, err := solana.ParsePublicKey(req.Mint)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid mint address")
		return n, nil, false
	}

	d, err := s.deps.Market.Get(r.Context(), mint)
	if errors.Is(err, market.ErrNotFound) {
		sendError(w, http.StatusNotFound, "Listing not found")
		return n, nil, false
	}
	if err != nil {
		sendError(w, http.StatusBadGateway, fetchFailed)
		return n, nil, false
	}

	n.Card = mailer.CardFromDetail(*d, s.deps.SiteURL)
	if n.Headline == "" {
		n.Headline = d.DisplayName()
	}
	return n, d, true
}

// recipients returns explicit addresses, or the interested subscribers.
func (s *Server) recipients(ctx context.Context, to []string, detail *market.NFTDetail) ([]string, error) {
	if len(to) > maxNotifyRecipients {
		return nil, fmt.Errorf("%w: too many recipients", errNotifyInput)
	}
	if len(to) > 0 {
		return to, nil
	}

	subs, err := s.deps.Subscribers.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, sub := range subs {
		if detail == nil || sub.Wants(detail.Collection) {
			out = append(out, sub.Email)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no recipients", errNotifyInput)
	}
	return out, nil
}
