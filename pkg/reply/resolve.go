package reply

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Fallback is sent when the model produced nothing usable at all.
const Fallback = "Sorry, I'm having a little trouble right now. Please try again in a moment."

// Acknowledged is sent when the model recorded a memory fact but wrote no
// reply. The fact must not be lost, and the raw envelope must never reach
// the user.
const Acknowledged = "Got it, noted!"

// Resolve turns raw model output into a Reply plus an optional memory fact.
// It never fails: malformed output degrades step by step until something
// sendable remains.
//
// The ladder: strip code fences, slice out the outermost JSON object, probe
// it for the structured envelope, and fall back to treating the raw text as
// a plain message. Only fully empty output produces the canned Fallback.
func Resolve(raw string) (Reply, string) {
	trimmed := stripFences(raw)

	if obj := sliceObject(trimmed); obj != "" && gjson.Valid(obj) {
		if r, memory, ok := fromEnvelope(obj); ok {
			return r, memory
		}
		// A memory-only envelope still carries the fact; acknowledge
		// rather than echo the JSON back at the user.
		if memory := gjson.Get(obj, "memory_update").String(); memory != "" {
			return Reply{Kind: KindText, Body: Acknowledged}, memory
		}
	}

	if trimmed != "" {
		return Reply{Kind: KindText, Body: trimmed}, ""
	}
	return Reply{Kind: KindText, Body: Fallback}, ""
}

// fromEnvelope extracts the structured response envelope. ok is false when
// the object carries no response field the caller can use.
func fromEnvelope(obj string) (Reply, string, bool) {
	resp := gjson.Get(obj, "response")
	if !resp.Exists() {
		return Reply{}, "", false
	}
	memory := gjson.Get(obj, "memory_update").String()

	// A bare string response is valid shorthand for a text reply.
	if resp.Type == gjson.String {
		body := resp.String()
		if body == "" {
			return Reply{Kind: KindText, Body: Fallback}, memory, true
		}
		return Reply{Kind: KindText, Body: body}, memory, true
	}
	if !resp.IsObject() {
		return Reply{}, "", false
	}

	r := Reply{
		Kind:    KindText,
		Body:    resp.Get("body").String(),
		Link:    resp.Get("link").String(),
		Caption: resp.Get("caption").String(),
	}
	switch resp.Get("type").String() {
	case "button":
		r.Kind = KindChoice
		for _, opt := range resp.Get("options").Array() {
			r.Options = append(r.Options, opt.String())
		}
	case "image":
		r.Kind = KindMedia
		r.MediaType = "image"
	case "video":
		r.Kind = KindMedia
		r.MediaType = "video"
	}
	// Unknown types fall through as text.

	switch r.Kind {
	case KindChoice:
		if r.Body == "" || len(r.Options) == 0 {
			r = Reply{Kind: KindText, Body: r.Body}
		}
	case KindMedia:
		if r.Link == "" {
			r = Reply{Kind: KindText, Body: firstNonEmpty(r.Caption, r.Body)}
		}
	}
	if r.Kind == KindText && r.Body == "" {
		r.Body = Fallback
	}
	return r, memory, true
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// sliceObject returns the substring from the first '{' to the last '}',
// tolerating prose the model wrapped around its JSON.
func sliceObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
