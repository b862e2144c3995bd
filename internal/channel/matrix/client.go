// Package matrix implements a Matrix channel using mautrix-go. It exists
// for operator-facing deployments where the agent answers in direct rooms
// instead of (or alongside) WhatsApp.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/karibu-labs/karibu/pkg/channel"
	"github.com/karibu-labs/karibu/pkg/reply"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "karibu"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Handler receives each normalized inbound message.
type Handler func(ctx context.Context, msg channel.Inbound) error

// Channel listens for direct messages and delivers replies. The user's
// Matrix ID is the address; direct rooms are tracked per user so the
// dispatcher can reach someone who has not spoken this session.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   Handler
	startTime int64

	mu    sync.Mutex
	rooms map[string]string // address -> room ID

	credFile  string
	stateFile string
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{
		config:    cfg,
		rooms:     make(map[string]string),
		credFile:  filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		stateFile: filepath.Join(cfg.DataDir, "matrix_rooms.json"),
	}
}

func (c *Channel) Name() string { return "matrix" }

// Start connects to Matrix and begins listening for messages.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context, handler Handler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	os.MkdirAll(c.config.DataDir, 0o755)
	c.loadRooms()

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)

	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client

	// In-memory sync store; resync on restart is fine.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)

	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})

	// Auto-join invites from allowed users.
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync")

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil // graceful shutdown
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry handles Matrix login with exponential backoff.
// Tries saved credentials first, then password login with retry.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})

		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// Send renders a reply as Matrix text. Choices become a numbered list,
// media becomes a captioned link; Matrix has no native equivalents worth
// the complexity here.
func (c *Channel) Send(ctx context.Context, address string, r reply.Reply) error {
	roomID, err := c.roomFor(ctx, address)
	if err != nil {
		return err
	}
	return c.sendText(ctx, roomID, renderReply(r))
}

// SendTemplate has no pre-approval concept on Matrix; the template name
// and parameters render as a plain line.
func (c *Channel) SendTemplate(ctx context.Context, address, template string, params []string, lang string) error {
	roomID, err := c.roomFor(ctx, address)
	if err != nil {
		return err
	}
	return c.sendText(ctx, roomID, strings.Join(params, " — "))
}

func renderReply(r reply.Reply) string {
	switch r.Kind {
	case reply.KindChoice:
		var b strings.Builder
		b.WriteString(r.Body)
		for i, opt := range r.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
		return b.String()
	case reply.KindMedia:
		if r.Caption != "" {
			return r.Caption + "\n" + r.Link
		}
		return r.Link
	default:
		return r.Body
	}
}

// sendText delivers to a room, splitting long messages.
func (c *Channel) sendText(ctx context.Context, roomID id.RoomID, content string) error {
	const maxLen = 4000

	if len(content) <= maxLen {
		_, err := c.client.SendText(ctx, roomID, content)
		if err != nil {
			slog.Error("matrix send failed", "room", roomID, "len", len(content), "error", err)
		}
		return err
	}

	chunks := splitMessage(content, maxLen)
	for i, chunk := range chunks {
		prefix := fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		_, err := c.client.SendText(ctx, roomID, prefix+chunk)
		if err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	return nil
}

// roomFor resolves the direct room for an address, creating one when the
// agent initiates contact (drip delivery to a user who never wrote first).
func (c *Channel) roomFor(ctx context.Context, address string) (id.RoomID, error) {
	c.mu.Lock()
	room, ok := c.rooms[address]
	c.mu.Unlock()
	if ok {
		return id.RoomID(room), nil
	}

	resp, err := c.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{id.UserID(address)},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("create direct room for %s: %w", address, err)
	}
	c.rememberRoom(address, string(resp.RoomID))
	return resp.RoomID, nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	// Skip messages from before we started
	if evt.Timestamp < c.startTime {
		return
	}
	if !c.isAllowed(evt.Sender) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" {
		return
	}

	c.rememberRoom(string(evt.Sender), string(evt.RoomID))

	slog.Info("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msgContent.Body, 100),
	)

	msg := channel.Inbound{
		Source:    "matrix",
		Address:   string(evt.Sender),
		Text:      msgContent.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("message handler error", "error", err)
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}

	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}

	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	c.rememberRoom(string(evt.Sender), string(evt.RoomID))
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	os.WriteFile(c.credFile, data, 0o600)
}

func (c *Channel) rememberRoom(address, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[address] == roomID {
		return
	}
	c.rooms[address] = roomID
	data, _ := json.MarshalIndent(c.rooms, "", "  ")
	os.WriteFile(c.stateFile, data, 0o600)
}

func (c *Channel) loadRooms() {
	data, err := os.ReadFile(c.stateFile)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	json.Unmarshal(data, &c.rooms)
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true // no restriction
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		chunks = append(chunks, s[:maxLen])
		s = s[maxLen:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
