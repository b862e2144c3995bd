package matrix

import (
	"testing"

	"github.com/karibu-labs/karibu/pkg/reply"
)

func TestRenderReply(t *testing.T) {
	r := reply.Reply{Kind: reply.KindChoice, Body: "Pick one", Options: []string{"A", "B"}}
	if got := renderReply(r); got != "Pick one\n1. A\n2. B" {
		t.Errorf("choice render = %q", got)
	}

	r = reply.Reply{Kind: reply.KindMedia, Link: "https://x/y.png", Caption: "receipt"}
	if got := renderReply(r); got != "receipt\nhttps://x/y.png" {
		t.Errorf("media render = %q", got)
	}

	r = reply.Reply{Kind: reply.KindText, Body: "hello"}
	if got := renderReply(r); got != "hello" {
		t.Errorf("text render = %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	chunks := splitMessage("abcdef", 4)
	if len(chunks) != 2 || chunks[0] != "abcd" || chunks[1] != "ef" {
		t.Errorf("chunks = %v", chunks)
	}
	if got := splitMessage("ab", 4); len(got) != 1 {
		t.Errorf("chunks = %v", got)
	}
}
