// Package reply defines the channel-neutral outbound message and the
// resolver that extracts one from raw model output.
package reply

// Reply kinds. Every model response collapses to one of these three;
// channel adapters decide how each renders on the wire.
const (
	KindText   = "text"
	KindChoice = "choice"
	KindMedia  = "media"
)

// Reply is one outbound message, already normalized: options are clamped,
// the kind is one of the Kind constants, and Body is always safe to send.
type Reply struct {
	Kind      string
	Body      string
	Options   []string // choice only
	Link      string   // media only
	Caption   string   // media only
	MediaType string   // media sub-kind hint: "image" or "video"
}

// Limits bounds interactive replies. WhatsApp allows at most three buttons
// of twenty characters each; other channels inherit the same clamp so a
// reply renders consistently everywhere.
type Limits struct {
	MaxOptions   int
	MaxOptionLen int
}

// DefaultLimits returns the platform clamp.
func DefaultLimits() Limits {
	return Limits{MaxOptions: 3, MaxOptionLen: 20}
}

// Clamp enforces the option limits in place and returns the reply. Excess
// options are dropped from the tail; long labels are cut, not rejected.
func Clamp(r Reply, lim Limits) Reply {
	if r.Kind != KindChoice {
		return r
	}
	if lim.MaxOptions > 0 && len(r.Options) > lim.MaxOptions {
		r.Options = r.Options[:lim.MaxOptions]
	}
	if lim.MaxOptionLen > 0 {
		for i, opt := range r.Options {
			// Character limit, not bytes: a byte cut could split a rune
			// and the platform rejects invalid UTF-8 labels.
			if runes := []rune(opt); len(runes) > lim.MaxOptionLen {
				r.Options[i] = string(runes[:lim.MaxOptionLen])
			}
		}
	}
	// A choice with no options left renders as plain text.
	if len(r.Options) == 0 {
		r.Kind = KindText
		r.Options = nil
	}
	return r
}
