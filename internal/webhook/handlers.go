// Package webhook exposes the bot over HTTP for transports that push events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"group_ledger/internal/bot"

	"go.uber.org/zap"
)

// SignatureHeader carries base64(HMAC-SHA256(secret, body)) when a secret is configured.
const SignatureHeader = "X-Ledger-Signature"

const maxBody = 64 << 10

// Responder is the part of the bot the webhook needs.
type Responder interface {
	HandleReply(ctx context.Context, req bot.Request) bot.Reply
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	bot    Responder
	secret []byte
	log    *zap.Logger
}

// NewHandler creates a new Handler. An empty secret disables signature checks.
func NewHandler(b Responder, secret string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{bot: b, log: log}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

// MessageRequest is one inbound chat event.
type MessageRequest struct {
	UserID      string `json:"user_id"`
	GroupID     string `json:"group_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	Private     bool   `json:"private"`
	MemberCount int    `json:"member_count"`
}

// MessageResponse is the reply to send back. An empty Text means stay silent.
type MessageResponse struct {
	Text   string `json:"text"`
	VoteID string `json:"vote_id,omitempty"`
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "🤖 股票管理機器人運行正常！")
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Message handles POST /api/webhook
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature mismatch", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var req MessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.GroupID == "" {
		http.Error(w, "user_id and group_id are required", http.StatusBadRequest)
		return
	}

	reply := h.bot.HandleReply(r.Context(), bot.Request{
		UserID:      req.UserID,
		GroupID:     req.GroupID,
		DisplayName: req.DisplayName,
		Text:        req.Text,
		Private:     req.Private,
		MemberCount: req.MemberCount,
	})
	respondJSON(w, http.StatusOK, MessageResponse{Text: reply.Text, VoteID: reply.VoteID})
}

func (h *Handler) verify(body []byte, signature string) bool {
	if h.secret == nil {
		return true
	}
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, Sign(h.secret, body))
}

// Sign computes the signature a sender must put in SignatureHeader, before encoding.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
