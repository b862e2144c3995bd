// Package agent implements the conversation core: each inbound message
// becomes one model turn with memory, at most one round of tool calls, and
// exactly one outbound reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karibu-labs/karibu/internal/llm"
	"github.com/karibu-labs/karibu/internal/tickets"
	"github.com/karibu-labs/karibu/pkg/channel"
	"github.com/karibu-labs/karibu/pkg/reply"
	"github.com/karibu-labs/karibu/pkg/store"
)

// TicketAPI is the helpdesk surface the support tools need.
type TicketAPI interface {
	CreateTicket(ctx context.Context, phone, subject, details, email, name string) (int, error)
	TicketsByPhone(ctx context.Context, phone string) ([]tickets.Ticket, error)
	Escalate(ctx context.Context, ticketID int, note string, urgent bool) error
}

// Agent orchestrates turns across the store, the model, and the channels.
type Agent struct {
	cfg      *Config
	store    store.Store
	provider llm.Provider
	tickets  TicketAPI
	senders  map[string]channel.Sender
}

// New creates an agent. ticketsAPI may be nil; the support tools are then
// not offered to the model.
func New(cfg *Config, st store.Store, provider llm.Provider, ticketsAPI TicketAPI) *Agent {
	return &Agent{
		cfg:      cfg,
		store:    st,
		provider: provider,
		tickets:  ticketsAPI,
		senders:  make(map[string]channel.Sender),
	}
}

// RegisterSender wires an outbound channel. Inbound messages are answered
// on the channel they arrived on.
func (a *Agent) RegisterSender(s channel.Sender) {
	a.senders[s.Name()] = s
}

// Sender returns the outbound channel with the given name, or nil.
func (a *Agent) Sender(name string) channel.Sender {
	return a.senders[name]
}

// HandleInbound runs one full turn for an inbound message. The reply is
// always attempted: memory failures degrade to defaults and model failures
// degrade to a canned line. The returned error reports dispatch failure
// only, after state has already been updated.
func (a *Agent) HandleInbound(ctx context.Context, msg channel.Inbound) error {
	start := time.Now()

	// A reply always voids scheduled follow-ups, whatever else this turn does.
	if n, err := a.store.CancelPendingDrips(ctx, msg.Address); err != nil {
		slog.Warn("cancel drips failed", "address", msg.Address, "error", err)
	} else if n > 0 {
		slog.Info("drips cancelled on reply", "address", msg.Address, "count", n)
	}

	profile := a.loadProfile(ctx, msg)
	history := a.loadHistory(ctx, msg.Address)

	// Log the user message before the model call so a crash mid-turn still
	// leaves the conversation on record.
	if err := a.store.AppendMessage(ctx, msg.Address, "user", msg.Text); err != nil {
		slog.Warn("append user message failed", "address", msg.Address, "error", err)
	}

	req := llm.CompletionRequest{
		System:      buildSystemPrompt(a.cfg.Persona, time.Now(), profile),
		Messages:    append(history, llm.Message{Role: "user", Content: msg.Text}),
		MaxTokens:   a.cfg.LLM.MaxOutput,
		Temperature: a.cfg.LLM.Temperature,
	}

	raw := a.complete(ctx, req, msg.Address)
	r, memory := reply.Resolve(raw)
	r = reply.Clamp(r, reply.DefaultLimits())

	sender := a.senders[msg.Source]
	if sender == nil {
		return fmt.Errorf("no sender for channel %q", msg.Source)
	}
	sendErr := sender.Send(ctx, msg.Address, r)

	// Post-turn bookkeeping is best effort; the reply already went out (or
	// failed on its own terms).
	if err := a.store.AppendMessage(ctx, msg.Address, "assistant", assistantLog(r)); err != nil {
		slog.Warn("append assistant message failed", "address", msg.Address, "error", err)
	}
	if err := a.store.TouchProfile(ctx, msg.Address, msg.Timestamp); err != nil {
		slog.Warn("touch profile failed", "address", msg.Address, "error", err)
	}
	if memory != "" {
		if err := a.store.AppendSummary(ctx, msg.Address, memory, a.cfg.SummaryCap); err != nil {
			slog.Warn("append summary failed", "address", msg.Address, "error", err)
		}
	}

	slog.Info("turn complete",
		"address", msg.Address,
		"channel", msg.Source,
		"kind", r.Kind,
		"duration", time.Since(start).Round(time.Millisecond),
		"send_error", sendErr != nil,
	)
	if sendErr != nil {
		return fmt.Errorf("dispatch reply: %w", sendErr)
	}
	return nil
}

// complete runs the model with at most one round of tool calls. Any
// provider failure returns empty output; the resolver turns that into the
// canned fallback so the user always hears back.
func (a *Agent) complete(ctx context.Context, req llm.CompletionRequest, address string) string {
	executors := a.toolExecutors()
	tp, hasTools := a.provider.(llm.ToolProvider)
	if len(executors) == 0 || !hasTools {
		resp, err := a.provider.Complete(ctx, req)
		if err != nil {
			slog.Error("completion failed", "provider", a.provider.Name(), "error", err)
			return ""
		}
		return resp.Content
	}

	tools := make([]llm.ToolDefinition, 0, len(executors))
	byName := make(map[string]ToolExecutor, len(executors))
	for _, exec := range executors {
		def := exec.Definition()
		tools = append(tools, def)
		byName[def.Name] = exec
	}

	resp, err := tp.CompleteWithTools(ctx, req, tools, nil)
	if err != nil {
		slog.Error("completion failed", "provider", a.provider.Name(), "error", err)
		return ""
	}
	if resp.StopReason != "tool_use" || len(resp.ToolCalls) == 0 {
		return resp.Content
	}

	assistantBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls)+1)
	if resp.Content != "" {
		assistantBlocks = append(assistantBlocks, llm.ContentBlock{Type: "text", Text: resp.Content})
	}
	userBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		call := tc
		assistantBlocks = append(assistantBlocks, llm.ContentBlock{Type: "tool_use", ToolCall: &call})
		result := a.executeToolCall(ctx, byName, tc, address)
		userBlocks = append(userBlocks, llm.ContentBlock{Type: "tool_result", ToolResult: &result})
	}
	toolMessages := []llm.ToolMessage{
		{Role: "assistant", Content: assistantBlocks},
		{Role: "user", Content: userBlocks},
	}

	final, err := tp.CompleteWithTools(ctx, req, tools, toolMessages)
	if err != nil {
		slog.Error("post-tool completion failed", "provider", a.provider.Name(), "error", err)
		return ""
	}
	// A second round of tool calls is not serviced; whatever text came
	// with it is the final answer.
	if len(final.ToolCalls) > 0 {
		slog.Warn("model requested tools past the round limit", "count", len(final.ToolCalls))
	}
	return final.Content
}

// loadProfile fetches or lazily creates the profile. Returns nil when the
// store is unreachable; the turn continues without a dossier.
func (a *Agent) loadProfile(ctx context.Context, msg channel.Inbound) *store.Profile {
	profile, err := a.store.GetProfile(ctx, msg.Address)
	if err == nil {
		return profile
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("profile read failed", "address", msg.Address, "error", err)
		return nil
	}

	fresh := store.Profile{Address: msg.Address, Name: msg.Name, LastSeen: msg.Timestamp}
	if err := a.store.CreateProfile(ctx, fresh); err != nil {
		slog.Warn("profile create failed", "address", msg.Address, "error", err)
	}
	return &fresh
}

func (a *Agent) loadHistory(ctx context.Context, address string) []llm.Message {
	msgs, err := a.store.RecentMessages(ctx, address, a.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("history read failed", "address", address, "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// assistantLog is the history entry for an outbound reply. Non-text kinds
// log a marker plus the visible text so later turns know what was sent
// without replaying payloads.
func assistantLog(r reply.Reply) string {
	switch r.Kind {
	case reply.KindChoice:
		return fmt.Sprintf("[sent buttons] %s", r.Body)
	case reply.KindMedia:
		kind := r.MediaType
		if kind == "" {
			kind = "media"
		}
		if r.Caption != "" {
			return fmt.Sprintf("[sent %s] %s", kind, r.Caption)
		}
		return fmt.Sprintf("[sent %s] %s", kind, r.Link)
	default:
		return r.Body
	}
}

// ImportCallSummary records the outcome of an out-of-band voice call: the
// transcript summary joins the history and each fact joins the profile.
func (a *Agent) ImportCallSummary(ctx context.Context, address, summary string, facts []string) error {
	if _, err := a.store.GetProfile(ctx, address); errors.Is(err, store.ErrNotFound) {
		if err := a.store.CreateProfile(ctx, store.Profile{Address: address, LastSeen: time.Now().UTC()}); err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}

	entry := fmt.Sprintf("[VOICE CALL SUMMARY]: %s", summary)
	if err := a.store.AppendMessage(ctx, address, "assistant", entry); err != nil {
		return fmt.Errorf("log call summary: %w", err)
	}
	for _, fact := range facts {
		if err := a.store.AppendSummary(ctx, address, fact, a.cfg.SummaryCap); err != nil {
			slog.Warn("append call fact failed", "address", address, "error", err)
		}
	}
	return nil
}

// GenerateDrip produces the body for a scheduled follow-up message.
func (a *Agent) GenerateDrip(ctx context.Context, task store.DripTask) (string, error) {
	profile, err := a.store.GetProfile(ctx, task.Address)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("drip profile read failed", "address", task.Address, "error", err)
	}

	req := llm.CompletionRequest{
		System:      buildDripPrompt(a.cfg.Persona, profile, task.Context),
		Messages:    []llm.Message{{Role: "user", Content: "Write the follow-up message now."}},
		MaxTokens:   a.cfg.LLM.MaxOutput,
		Temperature: a.cfg.LLM.Temperature,
	}
	resp, err := a.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	r, _ := reply.Resolve(resp.Content)
	if r.Body == reply.Fallback {
		return "", nil
	}
	return r.Body, nil
}
