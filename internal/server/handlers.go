package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vmnotify/relay/internal/telegram"
	"github.com/vmnotify/relay/internal/template"
	"github.com/vmnotify/relay/internal/version"
)

// flexID accepts a chat ID as a JSON string or number, preserving the
// exact digits of numeric IDs (Telegram chat IDs exceed what a float64
// round-trip can be trusted with).
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	*f = flexID(data)
	return nil
}

// handleIndex serves the unauthenticated service identity.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "message-relay",
		"status":  "ok",
		"version": version.Short(),
	})
}

// handleTemplates lists the merged template map.
func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": s.templates.Names(),
		"details":   s.templates.All(),
	})
}

type sendRequest struct {
	Template  string         `json:"template"`
	ChatID    flexID         `json:"chat_id"`
	Variables map[string]any `json:"variables"`
}

// handleSend renders a template and delivers it to one recipient.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Request body required")
		return
	}
	if req.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	message, ok := s.renderTemplate(w, req.Template, req.Variables)
	if !ok {
		return
	}

	chatID := string(req.ChatID)
	relay := s.cfg.Load()
	err := s.messenger.SendMessage(r.Context(), relay.BotToken, chatID, message)
	s.recordDelivery(r, chatID, req.Template, err)

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Message sent",
		"chat_id":  chatID,
		"template": req.Template,
	})
}

type batchRequest struct {
	Template  string         `json:"template"`
	ChatIDs   []flexID       `json:"chat_ids"`
	Variables map[string]any `json:"variables"`
}

// handleSendBatch delivers one rendered message to many recipients,
// sequentially and in order. Always 200: partial failure is reported in
// the per-recipient results, not as an HTTP error.
func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Request body required")
		return
	}
	if req.Template == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}
	if len(req.ChatIDs) == 0 {
		writeError(w, http.StatusBadRequest, "chat_ids is required")
		return
	}

	message, ok := s.renderTemplate(w, req.Template, req.Variables)
	if !ok {
		return
	}

	chatIDs := make([]string, len(req.ChatIDs))
	for i, id := range req.ChatIDs {
		chatIDs[i] = string(id)
	}

	relay := s.cfg.Load()
	batch := s.messenger.SendBatch(r.Context(), relay.BotToken, chatIDs, message)
	for _, res := range batch.Results {
		var err error
		if !res.OK {
			err = errors.New(res.Error)
		}
		s.recordDelivery(r, res.ChatID, req.Template, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": batch.Sent > 0,
		"sent":    batch.Sent,
		"total":   batch.Total,
		"results": batch.Results,
	})
}

// renderTemplate resolves and renders a template, writing the 400
// response itself when it fails. The second return is false once a
// response has been written.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, vars map[string]any) (string, bool) {
	format, err := s.templates.Resolve(name)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "Unknown template: " + name,
			"available": s.templates.Names(),
		})
		return "", false
	}

	message, err := template.Render(format, vars)
	if err != nil {
		var missing *template.MissingVariableError
		if errors.As(err, &missing) {
			provided := make([]string, 0, len(vars))
			for k := range vars {
				provided = append(provided, k)
			}
			sort.Strings(provided)
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":    "Missing variable: " + missing.Key,
				"template": format,
				"provided": provided,
			})
			return "", false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return message, true
}

// handleWebhook receives bot platform updates. It always answers
// {ok:true}: the platform retries on anything else, and command failures
// are already surfaced as textual replies.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.logger.Warn("malformed webhook payload", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	msg := update.Message
	if msg != nil && strings.HasPrefix(msg.Text, "/") {
		s.commands.HandleCommand(r.Context(), msg.ChatID(), msg.Text, msg.SenderName())
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type webhookSetupRequest struct {
	WebhookURL string `json:"webhook_url"`
}

// handleWebhookSetup registers the webhook URL with the bot platform.
func (s *Server) handleWebhookSetup(w http.ResponseWriter, r *http.Request) {
	var req webhookSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Request body required")
		return
	}
	if req.WebhookURL == "" {
		writeError(w, http.StatusBadRequest, "webhook_url is required")
		return
	}

	relay := s.cfg.Load()
	if err := s.messenger.SetWebhook(r.Context(), relay.BotToken, req.WebhookURL); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Webhook registered",
		"webhook_url": req.WebhookURL,
	})
}

// handleWebhookDelete removes the webhook registration (the bot then
// falls back to the platform's pull-based polling, which this service
// does not implement).
func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	relay := s.cfg.Load()
	if err := s.messenger.DeleteWebhook(r.Context(), relay.BotToken); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Webhook removed",
	})
}

// handleHistory returns recent delivery records, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deliveries == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	records, err := s.deliveries.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"history": records,
	})
}

// recordDelivery appends a delivery outcome to the audit log, best
// effort.
func (s *Server) recordDelivery(r *http.Request, chatID, tmpl string, sendErr error) {
	if s.deliveries == nil {
		return
	}
	detail := ""
	if sendErr != nil {
		detail = sendErr.Error()
	}
	if err := s.deliveries.Record(r.Context(), chatID, tmpl, sendErr == nil, detail); err != nil {
		s.logger.Warn("history record failed", zap.Error(err))
	}
}
