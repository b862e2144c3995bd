package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// REST implements Store against a PostgREST-style API (Supabase). Every
// table is a resource under the base URL; filters and ordering travel as
// query parameters. Used when the daemon runs next to a hosted database it
// cannot reach over the wire protocol.
type REST struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewREST builds a REST store. baseURL is the API root without a trailing
// slash, e.g. https://xyz.supabase.co/rest/v1.
func NewREST(baseURL, apiKey string) *REST {
	return &REST{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *REST) Close() error { return nil }

type restProfile struct {
	Address  string    `json:"address"`
	Name     string    `json:"name"`
	Summary  string    `json:"summary"`
	LastSeen time.Time `json:"last_seen"`
}

type restMessage struct {
	ID        int64     `json:"id,omitempty"`
	Address   string    `json:"address"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type restDrip struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Context   string    `json:"context"`
	DueAt     time.Time `json:"due_at"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// do sends one request with the auth headers the API expects. The key goes
// in both apikey and Authorization; prefer selects between a bare 204 and a
// JSON echo of the affected rows.
func (r *REST) do(ctx context.Context, method, path string, query url.Values, body any, prefer string) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read store response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("store %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

func (r *REST) GetProfile(ctx context.Context, address string) (*Profile, error) {
	q := url.Values{}
	q.Set("address", "eq."+address)
	q.Set("limit", "1")
	data, err := r.do(ctx, http.MethodGet, "/profiles", q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []restProfile
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	p := rows[0]
	return &Profile{Address: p.Address, Name: p.Name, Summary: p.Summary, LastSeen: p.LastSeen}, nil
}

func (r *REST) CreateProfile(ctx context.Context, p Profile) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	row := restProfile{Address: p.Address, Name: p.Name, Summary: p.Summary, LastSeen: p.LastSeen}
	_, err := r.do(ctx, http.MethodPost, "/profiles", nil, row, "return=minimal,resolution=ignore-duplicates")
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (r *REST) TouchProfile(ctx context.Context, address string, t time.Time) error {
	q := url.Values{}
	q.Set("address", "eq."+address)
	patch := map[string]any{"last_seen": t.UTC()}
	_, err := r.do(ctx, http.MethodPatch, "/profiles", q, patch, "return=minimal")
	if err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

// AppendSummary is read-join-write over two requests. The API has no
// server-side concatenation, so a concurrent append can be lost; the
// summary is lossy by design and this is accepted.
func (r *REST) AppendSummary(ctx context.Context, address, fact string, cap int) error {
	p, err := r.GetProfile(ctx, address)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("address", "eq."+address)
	patch := map[string]any{"summary": JoinSummary(p.Summary, fact, cap)}
	if _, err := r.do(ctx, http.MethodPatch, "/profiles", q, patch, "return=minimal"); err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	return nil
}

func (r *REST) AppendMessage(ctx context.Context, address, role, content string) error {
	row := restMessage{Address: address, Role: role, Content: content}
	_, err := r.do(ctx, http.MethodPost, "/messages", nil, row, "return=minimal")
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *REST) RecentMessages(ctx context.Context, address string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 15
	}
	q := url.Values{}
	q.Set("address", "eq."+address)
	q.Set("order", "id.desc")
	q.Set("limit", strconv.Itoa(limit))
	data, err := r.do(ctx, http.MethodGet, "/messages", q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []restMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for _, m := range rows {
		msgs = append(msgs, Message{ID: m.ID, Address: m.Address, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (r *REST) CreateDrip(ctx context.Context, task DripTask) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	row := restDrip{ID: task.ID, Address: task.Address, Context: task.Context, DueAt: task.DueAt.UTC(), Status: task.Status}
	_, err := r.do(ctx, http.MethodPost, "/drip_tasks", nil, row, "return=minimal")
	if err != nil {
		return fmt.Errorf("create drip: %w", err)
	}
	return nil
}

func (r *REST) DueDrips(ctx context.Context, now time.Time, batch int) ([]DripTask, error) {
	if batch <= 0 {
		batch = 10
	}
	q := url.Values{}
	q.Set("status", "eq."+StatusPending)
	q.Set("due_at", "lte."+now.UTC().Format(time.RFC3339))
	q.Set("order", "due_at.asc")
	q.Set("limit", strconv.Itoa(batch))
	data, err := r.do(ctx, http.MethodGet, "/drip_tasks", q, nil, "")
	if err != nil {
		return nil, err
	}
	var rows []restDrip
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode drips: %w", err)
	}
	tasks := make([]DripTask, 0, len(rows))
	for _, d := range rows {
		tasks = append(tasks, DripTask{ID: d.ID, Address: d.Address, Context: d.Context, DueAt: d.DueAt, Status: d.Status, CreatedAt: d.CreatedAt})
	}
	return tasks, nil
}

// TransitionDrip patches with a status filter and asks for the rows back;
// an empty array means another writer got there first.
func (r *REST) TransitionDrip(ctx context.Context, id, from, to string) (bool, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("status", "eq."+from)
	patch := map[string]any{"status": to}
	data, err := r.do(ctx, http.MethodPatch, "/drip_tasks", q, patch, "return=representation")
	if err != nil {
		return false, fmt.Errorf("transition drip: %w", err)
	}
	var rows []restDrip
	if err := json.Unmarshal(data, &rows); err != nil {
		return false, fmt.Errorf("decode transition: %w", err)
	}
	return len(rows) == 1, nil
}

func (r *REST) CancelPendingDrips(ctx context.Context, address string) (int, error) {
	q := url.Values{}
	q.Set("address", "eq."+address)
	q.Set("status", "eq."+StatusPending)
	patch := map[string]any{"status": StatusCancelled}
	data, err := r.do(ctx, http.MethodPatch, "/drip_tasks", q, patch, "return=representation")
	if err != nil {
		return 0, fmt.Errorf("cancel drips: %w", err)
	}
	if data == nil {
		return 0, nil
	}
	var rows []restDrip
	if err := json.Unmarshal(data, &rows); err != nil {
		slog.Warn("cancel drips: undecodable response", "error", err)
		return 0, nil
	}
	return len(rows), nil
}
