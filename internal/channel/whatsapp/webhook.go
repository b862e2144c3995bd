package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/karibu-labs/karibu/pkg/channel"
)

// Webhook payload shapes, trimmed to the fields the agent reads.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []contact        `json:"contacts"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string `json:"from"`
	Timestamp string `json:"timestamp"` // unix seconds, as a string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
		Phones []struct {
			Phone string `json:"phone"`
		} `json:"phones"`
	} `json:"contacts"`
}

// ParseWebhook normalizes a webhook POST body into inbound messages.
// Status updates and unsupported message types are skipped, not errors:
// the webhook must always be acknowledged.
func ParseWebhook(body []byte) ([]channel.Inbound, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	var msgs []channel.Inbound
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				text := normalizeText(m)
				if text == "" {
					continue
				}
				msgs = append(msgs, channel.Inbound{
					Source:    "whatsapp",
					Address:   m.From,
					Name:      names[m.From],
					Text:      text,
					Timestamp: parseTimestamp(m.Timestamp),
				})
			}
		}
	}
	return msgs, nil
}

// normalizeText collapses each supported message type to plain text. The
// model sees what the user chose, not how the channel encoded it.
func normalizeText(m webhookMessage) string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "button":
		if m.Button != nil {
			return m.Button.Text
		}
	case "interactive":
		if m.Interactive == nil {
			return ""
		}
		if m.Interactive.ButtonReply != nil {
			return m.Interactive.ButtonReply.Title
		}
		if m.Interactive.ListReply != nil {
			return m.Interactive.ListReply.Title
		}
	case "location":
		if m.Location != nil {
			if m.Location.Name != "" {
				return fmt.Sprintf("[Shared location: %s]", m.Location.Name)
			}
			return fmt.Sprintf("[Shared location: %.5f, %.5f]", m.Location.Latitude, m.Location.Longitude)
		}
	case "audio":
		return "[Voice message received - transcript unavailable]"
	case "contacts":
		if len(m.Contacts) > 0 {
			c := m.Contacts[0]
			phone := ""
			if len(c.Phones) > 0 {
				phone = c.Phones[0].Phone
			}
			return fmt.Sprintf("[Shared Contact: %s, Phone: %s]", c.Name.FormattedName, phone)
		}
	}
	return ""
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
