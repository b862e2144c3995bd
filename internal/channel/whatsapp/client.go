// Package whatsapp implements the WhatsApp Cloud API channel: webhook
// parsing for inbound messages and the Graph API client for outbound.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/karibu-labs/karibu/pkg/reply"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Client talks to the WhatsApp Cloud API for one business phone number.
type Client struct {
	token       string
	phoneID     string
	verifyToken string
	baseURL     string
	http        *http.Client
}

// New creates a WhatsApp client. token is the Graph API access token,
// phoneID the business phone number ID, verifyToken the shared secret for
// the webhook subscription handshake.
func New(token, phoneID, verifyToken string) *Client {
	return &Client{
		token:       token,
		phoneID:     phoneID,
		verifyToken: verifyToken,
		baseURL:     defaultBaseURL,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Name() string { return "whatsapp" }

// VerifyChallenge services the webhook subscription handshake. Returns the
// challenge to echo back and whether the verify token matched.
func (c *Client) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == c.verifyToken && c.verifyToken != "" {
		return challenge, true
	}
	return "", false
}

// Send renders a reply with the closest Cloud API message type: text,
// interactive buttons, or a media attachment.
func (c *Client) Send(ctx context.Context, address string, r reply.Reply) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                address,
	}

	switch r.Kind {
	case reply.KindChoice:
		buttons := make([]map[string]any, 0, len(r.Options))
		for i, opt := range r.Options {
			buttons = append(buttons, map[string]any{
				"type": "reply",
				"reply": map[string]string{
					"id":    fmt.Sprintf("btn_%d", i),
					"title": opt,
				},
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": r.Body},
			"action": map[string]any{"buttons": buttons},
		}

	case reply.KindMedia:
		mediaType := r.MediaType
		if mediaType != "video" {
			mediaType = "image"
		}
		media := map[string]string{"link": r.Link}
		if r.Caption != "" {
			media["caption"] = r.Caption
		}
		payload["type"] = mediaType
		payload[mediaType] = media

	default:
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": r.Body, "preview_url": false}
	}

	return c.post(ctx, payload)
}

// SendTemplate delivers a pre-approved template. params fill the body
// placeholders {{1}}..{{n}} in order.
func (c *Client) SendTemplate(ctx context.Context, address, template string, params []string, lang string) error {
	if lang == "" {
		lang = "en"
	}
	parameters := make([]map[string]string, 0, len(params))
	for _, p := range params {
		parameters = append(parameters, map[string]string{"type": "text", "text": p})
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                address,
		"type":              "template",
		"template": map[string]any{
			"name":     template,
			"language": map[string]string{"code": lang},
			"components": []map[string]any{
				{"type": "body", "parameters": parameters},
			},
		},
	}
	return c.post(ctx, payload)
}

func (c *Client) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Warn("whatsapp send failed", "status", resp.StatusCode, "body", string(data))
		return fmt.Errorf("whatsapp send: status %d", resp.StatusCode)
	}
	return nil
}
