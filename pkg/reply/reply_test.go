package reply

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestResolveText(t *testing.T) {
	raw := `{"response": {"type": "text", "body": "Hello there!"}, "memory_update": "prefers mornings"}`
	r, memory := Resolve(raw)
	if r.Kind != KindText || r.Body != "Hello there!" {
		t.Errorf("reply = %+v", r)
	}
	if memory != "prefers mornings" {
		t.Errorf("memory = %q", memory)
	}
}

func TestResolveButton(t *testing.T) {
	raw := `{"response": {"type": "button", "body": "Pick one", "options": ["Order status", "Refund", "Agent"]}}`
	r, _ := Resolve(raw)
	if r.Kind != KindChoice {
		t.Fatalf("kind = %q", r.Kind)
	}
	if r.Body != "Pick one" {
		t.Errorf("body = %q", r.Body)
	}
	want := []string{"Order status", "Refund", "Agent"}
	if !reflect.DeepEqual(r.Options, want) {
		t.Errorf("options = %v", r.Options)
	}
}

func TestResolveMedia(t *testing.T) {
	raw := `{"response": {"type": "image", "link": "https://x/y.png", "caption": "receipt"}}`
	r, _ := Resolve(raw)
	if r.Kind != KindMedia || r.MediaType != "image" {
		t.Fatalf("reply = %+v", r)
	}
	if r.Link != "https://x/y.png" || r.Caption != "receipt" {
		t.Errorf("reply = %+v", r)
	}

	raw = `{"response": {"type": "video", "link": "https://x/clip.mp4"}}`
	r, _ = Resolve(raw)
	if r.Kind != KindMedia || r.MediaType != "video" {
		t.Errorf("reply = %+v", r)
	}
}

func TestResolveFencedJSON(t *testing.T) {
	raw := "```json\n{\"response\": {\"type\": \"text\", \"body\": \"fenced\"}}\n```"
	r, _ := Resolve(raw)
	if r.Kind != KindText || r.Body != "fenced" {
		t.Errorf("reply = %+v", r)
	}
}

func TestResolveWrappedJSON(t *testing.T) {
	raw := `Sure, here is the reply: {"response": {"type": "text", "body": "inner"}} hope that helps`
	r, _ := Resolve(raw)
	if r.Body != "inner" {
		t.Errorf("body = %q", r.Body)
	}
}

func TestResolveStringResponse(t *testing.T) {
	r, memory := Resolve(`{"response": "just text", "memory_update": "x"}`)
	if r.Kind != KindText || r.Body != "just text" {
		t.Errorf("reply = %+v", r)
	}
	if memory != "x" {
		t.Errorf("memory = %q", memory)
	}
}

func TestResolvePlainProse(t *testing.T) {
	r, memory := Resolve("I could not format that as JSON, sorry.")
	if r.Kind != KindText || !strings.Contains(r.Body, "could not format") {
		t.Errorf("reply = %+v", r)
	}
	if memory != "" {
		t.Errorf("memory = %q", memory)
	}
}

func TestResolveUnknownTypeFallsBackToText(t *testing.T) {
	r, _ := Resolve(`{"response": {"type": "carousel", "body": "pick"}}`)
	if r.Kind != KindText || r.Body != "pick" {
		t.Errorf("reply = %+v", r)
	}
}

func TestResolveDegenerate(t *testing.T) {
	for _, raw := range []string{"", "   ", "```json\n```", `{"response": {"type": "button", "body": ""}}`} {
		r, _ := Resolve(raw)
		if r.Kind != KindText || r.Body == "" {
			t.Errorf("raw %q produced unsendable reply %+v", raw, r)
		}
	}
}

func TestResolveMemoryOnlyEnvelope(t *testing.T) {
	r, memory := Resolve(`{"memory_update": "user email is asha@example.com"}`)
	if memory != "user email is asha@example.com" {
		t.Errorf("memory = %q", memory)
	}
	if r.Kind != KindText || r.Body != Acknowledged {
		t.Errorf("reply = %+v", r)
	}
	if strings.Contains(r.Body, "{") {
		t.Errorf("raw envelope leaked: %q", r.Body)
	}
}

func TestResolveMediaWithoutLink(t *testing.T) {
	r, _ := Resolve(`{"response": {"type": "image", "caption": "here"}}`)
	if r.Kind != KindText || r.Body != "here" {
		t.Errorf("reply = %+v", r)
	}
}

func TestClamp(t *testing.T) {
	r := Reply{
		Kind:    KindChoice,
		Body:    "choose",
		Options: []string{"averyveryverylongbuttonlabel", "b", "c", "d", "e"},
	}
	r = Clamp(r, DefaultLimits())
	if len(r.Options) != 3 {
		t.Fatalf("options = %v", r.Options)
	}
	if len(r.Options[0]) != 20 {
		t.Errorf("label not clamped: %q", r.Options[0])
	}
	if r.Options[1] != "b" || r.Options[2] != "c" {
		t.Errorf("options = %v", r.Options)
	}
}

func TestClampMultibyteLabel(t *testing.T) {
	r := Reply{
		Kind:    KindChoice,
		Body:    "choose",
		Options: []string{strings.Repeat("a", 19) + "📅extra"},
	}
	r = Clamp(r, DefaultLimits())
	got := r.Options[0]
	if !utf8.ValidString(got) {
		t.Fatalf("label is invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("a", 19) + "📅"; got != want {
		t.Errorf("label = %q, want %q", got, want)
	}
}

func TestClampEmptiedChoice(t *testing.T) {
	r := Clamp(Reply{Kind: KindChoice, Body: "choose"}, DefaultLimits())
	if r.Kind != KindText {
		t.Errorf("kind = %q, want text", r.Kind)
	}
}
