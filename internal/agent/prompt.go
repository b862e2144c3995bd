package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/karibu-labs/karibu/pkg/store"
)

const defaultPersona = `You are Karibu, a warm and efficient customer support agent chatting with users over WhatsApp. Keep replies short and conversational. Offer buttons when the user faces a clear choice. Never invent order or ticket details; use your tools to look them up. Before calling log_complaint, check the dossier for the user's name and email: if either is missing, ask the user for it first and only file the ticket once you have both.`

// responseContract tells the model how to shape its output. The resolver
// tolerates deviations, but a clear contract keeps them rare.
const responseContract = `Always answer with a single JSON object, no markdown fences:
{
  "response": {
    "type": "text" | "button" | "image" | "video",
    "body": "message text (required for text and button)",
    "options": ["up to 3 button labels, 20 chars max each"],
    "link": "media URL (image/video only)",
    "caption": "media caption (optional)"
  },
  "memory_update": "one short new fact about the user worth remembering, or omit"
}`

// buildSystemPrompt assembles the persona, the current time context, and
// the user dossier into one system prompt.
func buildSystemPrompt(persona string, now time.Time, profile *store.Profile) string {
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n## SYSTEM CONTEXT\n")
	fmt.Fprintf(&b, "Current date: %s\n", now.Format("Monday, 2 January 2006"))
	fmt.Fprintf(&b, "Current time: %s\n", now.Format("15:04 MST"))

	b.WriteString("\n## USER DOSSIER\n")
	if profile != nil {
		if profile.Name != "" {
			fmt.Fprintf(&b, "Name: %s\n", profile.Name)
		}
		fmt.Fprintf(&b, "Contact: %s\n", profile.Address)
		if profile.Summary != "" {
			b.WriteString("Known facts:\n")
			b.WriteString(profile.Summary)
			b.WriteString("\n")
		} else {
			b.WriteString("No stored facts yet; this may be a first conversation.\n")
		}
	} else {
		b.WriteString("Profile unavailable this turn.\n")
	}

	b.WriteString("\n## RESPONSE FORMAT\n")
	b.WriteString(responseContract)
	return b.String()
}

// buildDripPrompt asks for a single re-engagement message in the same
// response format.
func buildDripPrompt(persona string, profile *store.Profile, context string) string {
	if persona == "" {
		persona = defaultPersona
	}
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nWrite one short, friendly follow-up message to re-engage this user. ")
	b.WriteString("Do not pressure them; reference the earlier conversation naturally.\n")
	if context != "" {
		fmt.Fprintf(&b, "\nFollow-up goal: %s\n", context)
	}
	if profile != nil {
		if profile.Name != "" {
			fmt.Fprintf(&b, "User name: %s\n", profile.Name)
		}
		if profile.Summary != "" {
			fmt.Fprintf(&b, "Known facts:\n%s\n", profile.Summary)
		}
	}
	b.WriteString("\n## RESPONSE FORMAT\n")
	b.WriteString(responseContract)
	return b.String()
}
