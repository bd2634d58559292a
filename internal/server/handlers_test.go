package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/vmnotify/relay/internal/config"
	"github.com/vmnotify/relay/internal/history"
	"github.com/vmnotify/relay/internal/telegram"
	"github.com/vmnotify/relay/internal/template"
)

type sentMessage struct {
	ChatID string
	Text   string
}

type fakeMessenger struct {
	failChats  map[string]bool
	sent       []sentMessage
	webhookURL string
	deleted    bool
	opErr      error
}

func (f *fakeMessenger) SendMessage(_ context.Context, _, chatID, text string) error {
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	if f.failChats[chatID] {
		return errors.New("telegram sendMessage: blocked")
	}
	return nil
}

func (f *fakeMessenger) SendBatch(ctx context.Context, token string, chatIDs []string, text string) telegram.BatchResult {
	res := telegram.BatchResult{Total: len(chatIDs)}
	for _, id := range chatIDs {
		sr := telegram.SendResult{ChatID: id}
		if err := f.SendMessage(ctx, token, id, text); err != nil {
			sr.Error = err.Error()
		} else {
			sr.OK = true
			res.Sent++
		}
		res.Results = append(res.Results, sr)
	}
	return res
}

func (f *fakeMessenger) SetWebhook(_ context.Context, _, url string) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.webhookURL = url
	return nil
}

func (f *fakeMessenger) DeleteWebhook(context.Context, string) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.deleted = true
	return nil
}

type dispatchedCommand struct {
	ChatID, Text, FirstName string
}

type fakeCommands struct {
	dispatched []dispatchedCommand
}

func (f *fakeCommands) HandleCommand(_ context.Context, chatID, text, firstName string) {
	f.dispatched = append(f.dispatched, dispatchedCommand{chatID, text, firstName})
}

type fakeDeliveryLog struct {
	records []history.Record
}

func (f *fakeDeliveryLog) Record(_ context.Context, chatID, tmpl string, ok bool, detail string) error {
	f.records = append(f.records, history.Record{ChatID: chatID, Template: tmpl, OK: ok, Detail: detail})
	return nil
}

func (f *fakeDeliveryLog) Recent(_ context.Context, limit int) ([]history.Record, error) {
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

type testEnv struct {
	srv       *Server
	messenger *fakeMessenger
	commands  *fakeCommands
	log       *fakeDeliveryLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	relay := config.Relay{
		BotToken: "test-token",
		APIKeys:  []string{"valid-key"},
	}
	data, err := json.Marshal(relay)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	env := &testEnv{
		messenger: &fakeMessenger{failChats: map[string]bool{}},
		commands:  &fakeCommands{},
		log:       &fakeDeliveryLog{},
	}
	env.srv = New("127.0.0.1:0",
		config.NewStore(cfgPath, logger),
		template.NewStore("", logger),
		env.messenger, env.commands, env.log, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
	return m
}

func TestIndex_NoAuth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/", "", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["service"] != "message-relay" || body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAPIKeyGate(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing key is 401", func(t *testing.T) {
		w := env.do(t, "GET", "/templates", "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != "Missing API key" {
			t.Errorf("error = %v", got)
		}
	})

	t.Run("invalid key is 403, distinct from missing", func(t *testing.T) {
		w := env.do(t, "GET", "/templates", "wrong-key", "")
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != "Invalid API key" {
			t.Errorf("error = %v", got)
		}
	})

	t.Run("query parameter accepted", func(t *testing.T) {
		w := env.do(t, "GET", "/templates?api_key=valid-key", "", "")
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("header takes precedence over query", func(t *testing.T) {
		w := env.do(t, "GET", "/templates?api_key=valid-key", "wrong-key", "")
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want header to win", w.Code)
		}
	})
}

func TestTemplatesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/templates", "valid-key", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	names, _ := body["templates"].([]any)
	if len(names) != len(template.Defaults) {
		t.Errorf("templates = %v, want all builtins", names)
	}
	details, _ := body["details"].(map[string]any)
	if details["custom"] != "{message}" {
		t.Errorf("details missing raw format strings: %v", details)
	}
}

func TestSend(t *testing.T) {
	env := newTestEnv(t)
	body := `{"template": "vm_alert", "chat_id": "8243412741", "variables": {"hostname": "web-01", "resource": "CPU", "value": "95"}}`
	w := env.do(t, "POST", "/send", "valid-key", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["success"] != true || resp["chat_id"] != "8243412741" || resp["template"] != "vm_alert" {
		t.Errorf("response = %v", resp)
	}

	if len(env.messenger.sent) != 1 {
		t.Fatalf("sent = %v, want one message", env.messenger.sent)
	}
	want := sentMessage{ChatID: "8243412741", Text: "🔴 *web-01* - CPU at 95%"}
	if diff := cmp.Diff(want, env.messenger.sent[0]); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	if len(env.log.records) != 1 || !env.log.records[0].OK {
		t.Errorf("history = %+v, want one successful record", env.log.records)
	}
}

func TestSend_NumericChatIDPreserved(t *testing.T) {
	env := newTestEnv(t)
	body := `{"template": "custom", "chat_id": 8243412741, "variables": {"message": "hi"}}`
	w := env.do(t, "POST", "/send", "valid-key", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if env.messenger.sent[0].ChatID != "8243412741" {
		t.Errorf("chat_id = %q, want exact digits preserved", env.messenger.sent[0].ChatID)
	}
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{"no body", "not json", "Request body required"},
		{"missing template", `{"chat_id": "1"}`, "template is required"},
		{"missing chat_id", `{"template": "test"}`, "chat_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/send", "valid-key", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if got := decodeBody(t, w)["error"]; got != tt.wantError {
				t.Errorf("error = %v, want %q", got, tt.wantError)
			}
		})
	}
}

func TestSend_UnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/send", "valid-key", `{"template": "nope", "chat_id": "1"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "Unknown template: nope" {
		t.Errorf("error = %v", body["error"])
	}
	available, _ := body["available"].([]any)
	if len(available) != len(template.Defaults) {
		t.Errorf("available = %v, want current template names", available)
	}
}

func TestSend_MissingVariable(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/send", "valid-key",
		`{"template": "vm_alert", "chat_id": "1", "variables": {"hostname": "web-01", "resource": "CPU"}}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "Missing variable: value" {
		t.Errorf("error = %v, want the missing key named", body["error"])
	}
	provided, _ := body["provided"].([]any)
	if len(provided) != 2 {
		t.Errorf("provided = %v", provided)
	}
	if len(env.messenger.sent) != 0 {
		t.Errorf("nothing should be sent on render failure, got %v", env.messenger.sent)
	}
}

func TestSend_DeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.messenger.failChats["1"] = true

	w := env.do(t, "POST", "/send", "valid-key",
		`{"template": "custom", "chat_id": "1", "variables": {"message": "hi"}}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeBody(t, w)
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if len(env.log.records) != 1 || env.log.records[0].OK {
		t.Errorf("history = %+v, want one failed record", env.log.records)
	}
}

func TestSendBatch(t *testing.T) {
	env := newTestEnv(t)
	env.messenger.failChats["b"] = true

	w := env.do(t, "POST", "/send/batch", "valid-key",
		`{"template": "custom", "chat_ids": ["a", "b", "c"], "variables": {"message": "hi"}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with partial failure", w.Code)
	}
	body := decodeBody(t, w)
	if body["sent"] != float64(2) || body["total"] != float64(3) || body["success"] != true {
		t.Errorf("body = %v, want sent 2 / total 3", body)
	}

	results, _ := body["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("results = %v, want length 3", results)
	}
	for i, want := range []struct {
		chat string
		ok   bool
	}{{"a", true}, {"b", false}, {"c", true}} {
		r, _ := results[i].(map[string]any)
		if r["chat_id"] != want.chat || r["ok"] != want.ok {
			t.Errorf("results[%d] = %v, want %s ok=%v (input order preserved)", i, r, want.chat, want.ok)
		}
	}
	if len(env.log.records) != 3 {
		t.Errorf("history records = %d, want one per recipient", len(env.log.records))
	}
}

func TestSendBatch_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/send/batch", "valid-key", `{"template": "custom"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := decodeBody(t, w)["error"]; got != "chat_ids is required" {
		t.Errorf("error = %v", got)
	}
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t)

	t.Run("command dispatched", func(t *testing.T) {
		update := `{"update_id": 1, "message": {"text": "/summary", "chat": {"id": 100}, "from": {"first_name": "Ada"}}}`
		w := env.do(t, "POST", "/webhook", "", update)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if decodeBody(t, w)["ok"] != true {
			t.Errorf("body = %s, want ok:true", w.Body.String())
		}
		want := []dispatchedCommand{{ChatID: "100", Text: "/summary", FirstName: "Ada"}}
		if diff := cmp.Diff(want, env.commands.dispatched); diff != "" {
			t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("non-command text ignored", func(t *testing.T) {
		before := len(env.commands.dispatched)
		w := env.do(t, "POST", "/webhook", "", `{"message": {"text": "hello", "chat": {"id": 100}}}`)
		if w.Code != http.StatusOK || len(env.commands.dispatched) != before {
			t.Errorf("non-command text must not dispatch")
		}
	})

	t.Run("malformed payload still ok", func(t *testing.T) {
		w := env.do(t, "POST", "/webhook", "", `garbage`)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		if decodeBody(t, w)["ok"] != true {
			t.Errorf("body = %s, want ok:true", w.Body.String())
		}
	})
}

func TestWebhookSetup(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/webhook/setup", "valid-key", `{"webhook_url": "https://relay.example/webhook"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if env.messenger.webhookURL != "https://relay.example/webhook" {
		t.Errorf("webhookURL = %q", env.messenger.webhookURL)
	}

	w = env.do(t, "POST", "/webhook/setup", "valid-key", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without webhook_url", w.Code)
	}
}

func TestWebhookDelete(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/webhook/delete", "valid-key", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !env.messenger.deleted {
		t.Error("DeleteWebhook not called")
	}

	env.messenger.opErr = errors.New("telegram deleteWebhook: unauthorized")
	w = env.do(t, "POST", "/webhook/delete", "valid-key", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 on upstream failure", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		_ = env.log.Record(context.Background(), fmt.Sprintf("%d", i), "test", true, "")
	}

	w := env.do(t, "GET", "/history?limit=2", "valid-key", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}

	w = env.do(t, "GET", "/history?limit=bogus", "valid-key", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 on bad limit", w.Code)
	}
}

func TestHistoryEndpoint_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.srv.deliveries = nil

	w := env.do(t, "GET", "/history", "valid-key", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when history is disabled", w.Code)
	}
}
