// Package channel defines the interface for messaging channels.
// Channels are how the agent talks to users: WhatsApp, Matrix, future SMS.
package channel

import (
	"context"
	"time"

	"github.com/karibu-labs/karibu/pkg/reply"
)

// Inbound is one normalized incoming message from any channel. Adapters
// collapse channel-specific payloads (button taps, locations, voice notes)
// into Text before it reaches the core.
type Inbound struct {
	// Source identifies the channel (e.g., "whatsapp", "matrix").
	Source string

	// Address is the channel-native user identifier: a phone number on
	// WhatsApp, a user ID on Matrix. It keys the user's profile.
	Address string

	// Name is the sender's display name, when the channel carries one.
	Name string

	// Text is the normalized message content. Never empty for messages
	// the core should handle; adapters drop what they cannot normalize.
	Text string

	// Timestamp is when the channel says the message was sent.
	Timestamp time.Time
}

// Sender delivers replies to one channel.
type Sender interface {
	// Name returns the channel identifier.
	Name() string

	// Send delivers a reply to an address. Adapters render the reply's
	// kind with the closest native representation they have.
	Send(ctx context.Context, address string, r reply.Reply) error

	// SendTemplate delivers a pre-approved template message, used for
	// outreach outside the channel's free-form messaging window.
	// params fill the template body placeholders in order.
	SendTemplate(ctx context.Context, address, template string, params []string, lang string) error
}
