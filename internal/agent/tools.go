package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/karibu-labs/karibu/internal/llm"
	"github.com/karibu-labs/karibu/internal/tickets"
)

const maxSingleToolTimeout = 10 * time.Second

// ToolExecutor is one tool the model can invoke mid-turn. address is the
// user the turn belongs to; tools use it instead of trusting model input
// for identity.
type ToolExecutor interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, input json.RawMessage, address string) (string, error)
}

type agentToolExecutor struct {
	definition llm.ToolDefinition
	run        func(ctx context.Context, input map[string]any, address string) (string, error)
}

func (e agentToolExecutor) Definition() llm.ToolDefinition {
	return e.definition
}

func (e agentToolExecutor) Execute(ctx context.Context, input json.RawMessage, address string) (string, error) {
	parsed := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return "", fmt.Errorf("parse tool input: %w", err)
		}
	}
	return e.run(ctx, parsed, address)
}

func (a *Agent) toolExecutors() []ToolExecutor {
	if a.tickets == nil {
		return nil
	}
	return []ToolExecutor{
		agentToolExecutor{
			definition: llm.ToolDefinition{
				Name:        "log_complaint",
				Description: "File a support ticket for the user's complaint. Ask the user for their name and email before calling if they are not already known; subject and details are required.",
				InputSchema: map[string]interface{}{
					"subject": map[string]interface{}{
						"type":        "string",
						"description": "Short complaint title",
					},
					"details": map[string]interface{}{
						"type":        "string",
						"description": "Full description of the problem",
					},
					"user_email": map[string]interface{}{
						"type":        "string",
						"description": "User's email, if they shared one",
					},
					"user_name": map[string]interface{}{
						"type":        "string",
						"description": "User's name, if known",
					},
				},
			},
			run: a.toolLogComplaint,
		},
		agentToolExecutor{
			definition: llm.ToolDefinition{
				Name:        "check_ticket_status",
				Description: "Look up the status of the user's existing support tickets.",
				InputSchema: map[string]interface{}{},
			},
			run: a.toolCheckTicketStatus,
		},
		agentToolExecutor{
			definition: llm.ToolDefinition{
				Name:        "escalate_ticket",
				Description: "Add an update to an existing ticket and optionally mark it urgent.",
				InputSchema: map[string]interface{}{
					"ticket_id": map[string]interface{}{
						"type":        "number",
						"description": "Ticket ID to update",
					},
					"update_text": map[string]interface{}{
						"type":        "string",
						"description": "The user's new information",
					},
					"is_urgent": map[string]interface{}{
						"type":        "boolean",
						"description": "Raise priority to urgent",
					},
				},
			},
			run: a.toolEscalateTicket,
		},
	}
}

// executeToolCall runs one call and folds failures into an error result
// the model can read; tool errors never abort the turn.
func (a *Agent) executeToolCall(ctx context.Context, byName map[string]ToolExecutor, call llm.ToolCall, address string) llm.ToolResult {
	start := time.Now()
	result := llm.ToolResult{ToolCallID: call.ID}
	executor, ok := byName[call.Name]
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		slog.Info("tool call", "tool", call.Name, "duration", time.Since(start).Round(time.Millisecond), "is_error", true)
		return result
	}

	toolCtx, cancel := context.WithTimeout(ctx, maxSingleToolTimeout)
	defer cancel()

	content, err := executor.Execute(toolCtx, call.Input, address)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
	} else {
		result.Content = content
	}

	slog.Info("tool call",
		"tool", call.Name,
		"duration", time.Since(start).Round(time.Millisecond),
		"is_error", result.IsError,
	)
	return result
}

func (a *Agent) toolLogComplaint(ctx context.Context, input map[string]any, address string) (string, error) {
	subject, _ := input["subject"].(string)
	details, _ := input["details"].(string)
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(details) == "" {
		return "", fmt.Errorf("missing required parameters: subject and details")
	}
	email, _ := input["user_email"].(string)
	name, _ := input["user_name"].(string)

	id, err := a.tickets.CreateTicket(ctx, address, subject, details, email, name)
	if err != nil {
		return "", fmt.Errorf("could not file the ticket: %w", err)
	}
	return fmt.Sprintf("Ticket #%d created for %q. Tell the user their ticket number.", id, subject), nil
}

func (a *Agent) toolCheckTicketStatus(ctx context.Context, _ map[string]any, address string) (string, error) {
	found, err := a.tickets.TicketsByPhone(ctx, address)
	if err != nil {
		return "", fmt.Errorf("could not look up tickets: %w", err)
	}
	if len(found) == 0 {
		return "No tickets found for this user.", nil
	}

	var b strings.Builder
	b.WriteString("Tickets:\n")
	for _, t := range found {
		fmt.Fprintf(&b, "#%d %q: %s\n", t.ID, t.Subject, tickets.StatusName(t.Status))
	}
	return b.String(), nil
}

func (a *Agent) toolEscalateTicket(ctx context.Context, input map[string]any, _ string) (string, error) {
	idNum, _ := input["ticket_id"].(float64)
	if idNum <= 0 {
		return "", fmt.Errorf("missing required parameter: ticket_id")
	}
	updateText, _ := input["update_text"].(string)
	if strings.TrimSpace(updateText) == "" {
		return "", fmt.Errorf("missing required parameter: update_text")
	}
	urgent, _ := input["is_urgent"].(bool)

	if err := a.tickets.Escalate(ctx, int(idNum), updateText, urgent); err != nil {
		return "", fmt.Errorf("could not update ticket: %w", err)
	}
	if urgent {
		return fmt.Sprintf("Ticket #%d updated and marked urgent.", int(idNum)), nil
	}
	return fmt.Sprintf("Ticket #%d updated.", int(idNum)), nil
}
