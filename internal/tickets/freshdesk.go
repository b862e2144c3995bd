// Package tickets wraps the Freshdesk API behind the operations the
// support tools need: create, look up by phone, and escalate.
package tickets

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Freshdesk API client for one helpdesk domain.
type Client struct {
	baseURL string
	authHdr string
	http    *http.Client
}

// New creates a client. domain is the helpdesk subdomain, e.g. "acme" for
// acme.freshdesk.com.
func New(domain, apiKey string) *Client {
	// Freshdesk auth is basic with the API key as username and a literal
	// "X" password.
	token := base64.StdEncoding.EncodeToString([]byte(apiKey + ":X"))
	return &Client{
		baseURL: fmt.Sprintf("https://%s.freshdesk.com/api/v2", domain),
		authHdr: "Basic " + token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Ticket is the subset of a Freshdesk ticket the agent reports on.
type Ticket struct {
	ID        int    `json:"id"`
	Subject   string `json:"subject"`
	Status    int    `json:"status"`
	Priority  int    `json:"priority"`
	CreatedAt string `json:"created_at"`
}

// statusNames maps Freshdesk status codes to the words users see.
var statusNames = map[int]string{
	2: "Open",
	3: "Pending",
	4: "Resolved",
	5: "Closed",
}

// StatusName returns a readable label for a status code.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Status %d", code)
}

// CreateTicket files a new ticket and returns its ID. email may be empty;
// a synthetic address derived from the phone keeps Freshdesk's required
// field satisfied.
func (c *Client) CreateTicket(ctx context.Context, phone, subject, details, email, name string) (int, error) {
	if email == "" {
		email = syntheticEmail(phone)
	}
	if name == "" {
		name = "WhatsApp user " + phone
	}
	body := map[string]any{
		"subject":     subject,
		"description": details,
		"email":       email,
		"name":        name,
		"priority":    1,
		"status":      2,
		"custom_fields": map[string]string{
			"cf_whatsapp_number": phone,
		},
	}

	var ticket Ticket
	if err := c.do(ctx, http.MethodPost, "/tickets", body, &ticket); err != nil {
		return 0, err
	}
	slog.Info("ticket created", "id", ticket.ID, "phone", phone)
	return ticket.ID, nil
}

// TicketsByPhone returns the user's tickets, newest first.
func (c *Client) TicketsByPhone(ctx context.Context, phone string) ([]Ticket, error) {
	query := url.QueryEscape(fmt.Sprintf(`"cf_whatsapp_number:'%s'"`, phone))
	var result struct {
		Results []Ticket `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/search/tickets?query="+query, nil, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// Escalate adds a note to a ticket and, when urgent, raises its priority.
func (c *Client) Escalate(ctx context.Context, ticketID int, note string, urgent bool) error {
	noteBody := map[string]any{
		"body":    note,
		"private": false,
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tickets/%d/notes", ticketID), noteBody, nil); err != nil {
		return err
	}
	if !urgent {
		return nil
	}
	update := map[string]any{"priority": 4}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tickets/%d", ticketID), update, nil); err != nil {
		return fmt.Errorf("raise priority: %w", err)
	}
	slog.Info("ticket escalated", "id", ticketID)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal freshdesk request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create freshdesk request: %w", err)
	}
	req.Header.Set("Authorization", c.authHdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("freshdesk request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read freshdesk response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("freshdesk %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode freshdesk response: %w", err)
		}
	}
	return nil
}

// syntheticEmail builds a deterministic placeholder address from a phone
// number for contacts that never shared an email.
func syntheticEmail(phone string) string {
	clean := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return fmt.Sprintf("whatsapp_%s@example.com", clean)
}
