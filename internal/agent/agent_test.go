package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/karibu-labs/karibu/internal/llm"
	"github.com/karibu-labs/karibu/internal/tickets"
	"github.com/karibu-labs/karibu/pkg/channel"
	"github.com/karibu-labs/karibu/pkg/reply"
	"github.com/karibu-labs/karibu/pkg/store"
)

// fakeStore is an in-memory Store that can be poisoned per method.
type fakeStore struct {
	profiles  map[string]*store.Profile
	messages  []store.Message
	cancelled []string
	summaries []string
	failReads bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: make(map[string]*store.Profile)}
}

func (f *fakeStore) GetProfile(_ context.Context, address string) (*store.Profile, error) {
	if f.failReads {
		return nil, errors.New("store down")
	}
	p, ok := f.profiles[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) CreateProfile(_ context.Context, p store.Profile) error {
	f.profiles[p.Address] = &p
	return nil
}

func (f *fakeStore) TouchProfile(_ context.Context, address string, t time.Time) error {
	if p, ok := f.profiles[address]; ok {
		p.LastSeen = t
	}
	return nil
}

func (f *fakeStore) AppendSummary(_ context.Context, address, fact string, cap int) error {
	f.summaries = append(f.summaries, fact)
	if p, ok := f.profiles[address]; ok {
		p.Summary = store.JoinSummary(p.Summary, fact, cap)
	}
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, address, role, content string) error {
	f.messages = append(f.messages, store.Message{Address: address, Role: role, Content: content})
	return nil
}

func (f *fakeStore) RecentMessages(_ context.Context, address string, limit int) ([]store.Message, error) {
	if f.failReads {
		return nil, errors.New("store down")
	}
	var out []store.Message
	for _, m := range f.messages {
		if m.Address == address {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateDrip(_ context.Context, task store.DripTask) error { return nil }

func (f *fakeStore) DueDrips(_ context.Context, now time.Time, batch int) ([]store.DripTask, error) {
	return nil, nil
}

func (f *fakeStore) TransitionDrip(_ context.Context, id, from, to string) (bool, error) {
	return true, nil
}

func (f *fakeStore) CancelPendingDrips(_ context.Context, address string) (int, error) {
	f.cancelled = append(f.cancelled, address)
	return 1, nil
}

func (f *fakeStore) Close() error { return nil }

// fakeProvider replays scripted responses in order.
type fakeProvider struct {
	responses []*llm.CompletionResponse
	requests  []llm.CompletionRequest
	err       error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return f.CompleteWithTools(ctx, req, nil, nil)
}

func (f *fakeProvider) CompleteWithTools(_ context.Context, req llm.CompletionRequest, _ []llm.ToolDefinition, _ []llm.ToolMessage) (*llm.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type fakeSender struct {
	sent      []reply.Reply
	addresses []string
	err       error
}

func (f *fakeSender) Name() string { return "whatsapp" }

func (f *fakeSender) Send(_ context.Context, address string, r reply.Reply) error {
	f.sent = append(f.sent, r)
	f.addresses = append(f.addresses, address)
	return f.err
}

func (f *fakeSender) SendTemplate(_ context.Context, address, template string, params []string, lang string) error {
	return nil
}

type fakeTickets struct {
	created   int
	escalated int
}

func (f *fakeTickets) CreateTicket(_ context.Context, phone, subject, details, email, name string) (int, error) {
	f.created++
	return 42, nil
}

func (f *fakeTickets) TicketsByPhone(_ context.Context, phone string) ([]tickets.Ticket, error) {
	return []tickets.Ticket{{ID: 42, Subject: "Broken pump", Status: 2}}, nil
}

func (f *fakeTickets) Escalate(_ context.Context, ticketID int, note string, urgent bool) error {
	f.escalated++
	return nil
}

func testAgent(provider llm.Provider, st store.Store, tk TicketAPI) (*Agent, *fakeSender) {
	cfg := &Config{}
	cfg.applyDefaults()
	a := New(cfg, st, provider, tk)
	sender := &fakeSender{}
	a.RegisterSender(sender)
	return a, sender
}

func inbound(text string) channel.Inbound {
	return channel.Inbound{
		Source:    "whatsapp",
		Address:   "254700000001",
		Name:      "Asha",
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func TestHandleInboundText(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{Content: `{"response": {"type": "text", "body": "Hi Asha!"}, "memory_update": "asked about delivery"}`},
	}}
	a, sender := testAgent(provider, st, nil)

	if err := a.HandleInbound(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if len(sender.sent) != 1 || sender.sent[0].Body != "Hi Asha!" {
		t.Fatalf("sent = %+v", sender.sent)
	}
	if len(st.cancelled) != 1 {
		t.Error("pending drips not cancelled on reply")
	}
	if len(st.messages) != 2 || st.messages[0].Role != "user" || st.messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", st.messages)
	}
	if len(st.summaries) != 1 || st.summaries[0] != "asked about delivery" {
		t.Errorf("summaries = %v", st.summaries)
	}
	if _, ok := st.profiles["254700000001"]; !ok {
		t.Error("profile not created on first contact")
	}
}

func TestHandleInboundToolRound(t *testing.T) {
	st := newFakeStore()
	tk := &fakeTickets{}
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:    "call_1",
				Name:  "log_complaint",
				Input: []byte(`{"subject": "Broken pump", "details": "stopped working"}`),
			}},
		},
		{Content: `{"response": {"type": "text", "body": "Done, ticket #42 is filed."}}`},
	}}
	a, sender := testAgent(provider, st, tk)

	if err := a.HandleInbound(context.Background(), inbound("my pump broke")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if tk.created != 1 {
		t.Errorf("tickets created = %d", tk.created)
	}
	if len(provider.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(provider.requests))
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Body, "#42") {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestHandleInboundSecondToolRoundNotServiced(t *testing.T) {
	st := newFakeStore()
	tk := &fakeTickets{}
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:    "call_1",
				Name:  "check_ticket_status",
				Input: []byte(`{}`),
			}},
		},
		{
			Content:    `{"response": {"type": "text", "body": "Your ticket is open."}}`,
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:    "call_2",
				Name:  "log_complaint",
				Input: []byte(`{"subject": "x", "details": "y"}`),
			}},
		},
	}}
	a, sender := testAgent(provider, st, tk)

	if err := a.HandleInbound(context.Background(), inbound("status?")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if tk.created != 0 {
		t.Errorf("second-round tool serviced: %d tickets created", tk.created)
	}
	if len(provider.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(provider.requests))
	}
	if len(sender.sent) != 1 || sender.sent[0].Body != "Your ticket is open." {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestHandleInboundProviderFailure(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{err: errors.New("upstream 500")}
	a, sender := testAgent(provider, st, nil)

	if err := a.HandleInbound(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Body != reply.Fallback {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestHandleInboundStoreReadFailureDegrades(t *testing.T) {
	st := newFakeStore()
	st.failReads = true
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{Content: `{"response": {"type": "text", "body": "Still here."}}`},
	}}
	a, sender := testAgent(provider, st, nil)

	if err := a.HandleInbound(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Body != "Still here." {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestHandleInboundClampsOptions(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{Content: `{"response": {"type": "button", "body": "Pick", "options": ["a", "b", "c", "d", "e"]}}`},
	}}
	a, sender := testAgent(provider, st, nil)

	if err := a.HandleInbound(context.Background(), inbound("menu")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(sender.sent) != 1 || len(sender.sent[0].Options) != 3 {
		t.Errorf("sent = %+v", sender.sent)
	}
}

func TestHandleInboundDispatchFailure(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{Content: `{"response": {"type": "text", "body": "hi"}}`},
	}}
	a, sender := testAgent(provider, st, nil)
	sender.err = errors.New("channel down")

	if err := a.HandleInbound(context.Background(), inbound("hello")); err == nil {
		t.Fatal("expected dispatch error")
	}
	// Bookkeeping still ran.
	if len(st.messages) != 2 {
		t.Errorf("messages = %+v", st.messages)
	}
}

func TestImportCallSummary(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{}
	a, _ := testAgent(provider, st, nil)

	err := a.ImportCallSummary(context.Background(), "254700000001",
		"User called about a delayed order.", []string{"order #88 delayed"})
	if err != nil {
		t.Fatalf("ImportCallSummary: %v", err)
	}
	if len(st.messages) != 1 || !strings.HasPrefix(st.messages[0].Content, "[VOICE CALL SUMMARY]:") {
		t.Errorf("messages = %+v", st.messages)
	}
	if len(st.summaries) != 1 {
		t.Errorf("summaries = %v", st.summaries)
	}
}

func TestGenerateDrip(t *testing.T) {
	st := newFakeStore()
	st.profiles["254700000001"] = &store.Profile{Address: "254700000001", Name: "Asha"}
	provider := &fakeProvider{responses: []*llm.CompletionResponse{
		{Content: `{"response": {"type": "text", "body": "Hi Asha, just checking in!"}}`},
	}}
	a, _ := testAgent(provider, st, nil)

	body, err := a.GenerateDrip(context.Background(), store.DripTask{Address: "254700000001", Context: "follow up on pump"})
	if err != nil {
		t.Fatalf("GenerateDrip: %v", err)
	}
	if body != "Hi Asha, just checking in!" {
		t.Errorf("body = %q", body)
	}
}

func TestLogComplaintAskFirstPolicy(t *testing.T) {
	prompt := buildSystemPrompt("", time.Now(), nil)
	if !strings.Contains(prompt, "Before calling log_complaint") {
		t.Error("default persona does not tell the model to collect details before filing")
	}

	a, _ := testAgent(&fakeProvider{}, newFakeStore(), &fakeTickets{})
	var def llm.ToolDefinition
	for _, exec := range a.toolExecutors() {
		if d := exec.Definition(); d.Name == "log_complaint" {
			def = d
		}
	}
	if def.Name == "" {
		t.Fatal("log_complaint not offered")
	}
	if !strings.Contains(def.Description, "name and email before calling") {
		t.Errorf("description = %q", def.Description)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	p := &store.Profile{Address: "254700000001", Name: "Asha", Summary: "- likes tea"}
	prompt := buildSystemPrompt("", now, p)

	for _, want := range []string{"Monday, 2 March 2026", "Asha", "- likes tea", "memory_update"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
