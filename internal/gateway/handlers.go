package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/karibu-labs/karibu/internal/channel/whatsapp"
)

// handleVerify services the Cloud API webhook subscription handshake.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := g.wa.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// handleWebhook processes inbound WhatsApp messages. It always returns 200:
// a non-2xx makes the platform retry and eventually disable the webhook, so
// failures are logged, never surfaced.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("webhook handler panicked", "panic", rec)
		}
		w.WriteHeader(http.StatusOK)
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Warn("webhook body read failed", "error", err)
		return
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		slog.Warn("webhook parse failed", "error", err)
		return
	}

	for _, msg := range msgs {
		ctx, cancel := newTimeoutContext(r, turnTimeout)
		if err := g.agent.HandleInbound(ctx, msg); err != nil {
			slog.Error("turn failed", "address", msg.Address, "error", err)
		}
		cancel()
	}
}

type scheduleDripRequest struct {
	Address    string `json:"address"`
	DelayHours int    `json:"delay_hours"`
	Context    string `json:"context"`
}

func (g *Gateway) handleScheduleDrip(w http.ResponseWriter, r *http.Request) {
	var req scheduleDripRequest
	if err := decodeJSON(r, &req); err != nil || req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	id, err := g.drips.Schedule(r.Context(), req.Address, req.DelayHours, req.Context)
	if err != nil {
		slog.Error("schedule drip failed", "address", req.Address, "error", err)
		http.Error(w, "could not schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleProcessDrips runs one sweep on demand, for external cron setups
// where the in-process schedule is disabled.
func (g *Gateway) handleProcessDrips(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := newTimeoutContext(r, sweepTimeout)
	defer cancel()

	report, err := g.drips.ProcessDue(ctx)
	if err != nil {
		slog.Error("drip sweep failed", "error", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type templateMessageRequest struct {
	Address  string   `json:"address"`
	Template string   `json:"template"`
	Params   []string `json:"params"`
	Lang     string   `json:"lang,omitempty"`
}

// handleTemplateMessage sends a pre-approved template, used to open a
// conversation outside the free-form messaging window.
func (g *Gateway) handleTemplateMessage(w http.ResponseWriter, r *http.Request) {
	var req templateMessageRequest
	if err := decodeJSON(r, &req); err != nil || req.Address == "" || req.Template == "" {
		http.Error(w, "address and template are required", http.StatusBadRequest)
		return
	}
	sender := g.agent.Sender("whatsapp")
	if sender == nil {
		http.Error(w, "whatsapp channel not configured", http.StatusServiceUnavailable)
		return
	}

	lang := req.Lang
	if lang == "" {
		lang = g.tmplLang
	}
	params := make([]string, len(req.Params))
	for i, p := range req.Params {
		params[i] = sanitizeParam(p)
	}

	ctx, cancel := newTimeoutContext(r, 30*time.Second)
	defer cancel()
	if err := sender.SendTemplate(ctx, req.Address, req.Template, params, lang); err != nil {
		slog.Error("template send failed", "address", req.Address, "template", req.Template, "error", err)
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type memoryImportRequest struct {
	Address string   `json:"address"`
	Summary string   `json:"summary"`
	Facts   []string `json:"facts,omitempty"`
}

// handleMemoryImport records an out-of-band conversation (typically a
// voice call summary) into the user's history and profile.
func (g *Gateway) handleMemoryImport(w http.ResponseWriter, r *http.Request) {
	var req memoryImportRequest
	if err := decodeJSON(r, &req); err != nil || req.Address == "" || req.Summary == "" {
		http.Error(w, "address and summary are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := newTimeoutContext(r, 30*time.Second)
	defer cancel()
	if err := g.agent.ImportCallSummary(ctx, req.Address, sanitizeParam(req.Summary), req.Facts); err != nil {
		slog.Error("memory import failed", "address", req.Address, "error", err)
		http.Error(w, "import failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.started).Round(time.Second).String(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

// sanitizeParam makes text safe for template parameters: template bodies
// reject newlines, and very long values fail validation.
func sanitizeParam(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if len(s) > maxParamBytes {
		s = s[:maxParamBytes]
	}
	return s
}

// newTimeoutContext bounds request work independently of the client
// connection: the webhook responds 200 immediately even when a turn is
// slow, so the client context alone is not enough.
func newTimeoutContext(r *http.Request, d time.Duration) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), d)
}
