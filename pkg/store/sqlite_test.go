package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProfileLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "+100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.CreateProfile(ctx, Profile{Address: "+100", Name: "Asha"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	// Second create for the same address must be a no-op, not an error.
	if err := s.CreateProfile(ctx, Profile{Address: "+100", Name: "Other"}); err != nil {
		t.Fatalf("duplicate CreateProfile: %v", err)
	}

	p, err := s.GetProfile(ctx, "+100")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Name != "Asha" {
		t.Errorf("name = %q, want Asha", p.Name)
	}

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchProfile(ctx, "+100", seen); err != nil {
		t.Fatalf("TouchProfile: %v", err)
	}
	p, _ = s.GetProfile(ctx, "+100")
	if !p.LastSeen.Equal(seen) {
		t.Errorf("last seen = %v, want %v", p.LastSeen, seen)
	}
}

func TestAppendSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateProfile(ctx, Profile{Address: "+100"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	if err := s.AppendSummary(ctx, "+100", "likes tea", 3000); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}
	if err := s.AppendSummary(ctx, "+100", "order #42 delayed", 3000); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}

	p, err := s.GetProfile(ctx, "+100")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	want := "- likes tea\n- order #42 delayed"
	if p.Summary != want {
		t.Errorf("summary = %q, want %q", p.Summary, want)
	}

	if err := s.AppendSummary(ctx, "+missing", "x", 3000); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown address, got %v", err)
	}
}

func TestAppendSummaryCap(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateProfile(ctx, Profile{Address: "+100"}); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := s.AppendSummary(ctx, "+100", strings.Repeat("x", 10), 100); err != nil {
			t.Fatalf("AppendSummary: %v", err)
		}
	}
	p, err := s.GetProfile(ctx, "+100")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(p.Summary) > 100 {
		t.Errorf("summary length %d exceeds cap", len(p.Summary))
	}
	// Newest fact survives compaction.
	if !strings.HasSuffix(p.Summary, strings.Repeat("x", 10)) {
		t.Errorf("summary lost the newest fact: %q", p.Summary)
	}
}

func TestRecentMessagesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		if err := s.AppendMessage(ctx, "+100", "user", content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	// Another address must not leak in.
	if err := s.AppendMessage(ctx, "+200", "user", "other"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.RecentMessages(ctx, "+100", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Window holds the newest 3, oldest first.
	for i, want := range []string{"two", "three", "four"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestDripLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := DripTask{ID: "d1", Address: "+100", Context: "follow up", DueAt: now.Add(-time.Hour)}
	future := DripTask{ID: "d2", Address: "+100", Context: "later", DueAt: now.Add(time.Hour)}
	for _, task := range []DripTask{past, future} {
		if err := s.CreateDrip(ctx, task); err != nil {
			t.Fatalf("CreateDrip: %v", err)
		}
	}

	due, err := s.DueDrips(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueDrips: %v", err)
	}
	if len(due) != 1 || due[0].ID != "d1" {
		t.Fatalf("due = %+v, want only d1", due)
	}

	ok, err := s.TransitionDrip(ctx, "d1", StatusPending, StatusSent)
	if err != nil || !ok {
		t.Fatalf("TransitionDrip = %v, %v; want true", ok, err)
	}
	// Already sent: a second claim must lose.
	ok, err = s.TransitionDrip(ctx, "d1", StatusPending, StatusFailed)
	if err != nil {
		t.Fatalf("TransitionDrip: %v", err)
	}
	if ok {
		t.Error("transition out of a terminal state succeeded")
	}

	due, err = s.DueDrips(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueDrips: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("sent task still reported due: %+v", due)
	}
}

func TestCancelPendingDrips(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"d1", "d2"} {
		if err := s.CreateDrip(ctx, DripTask{ID: id, Address: "+100", DueAt: now.Add(time.Hour)}); err != nil {
			t.Fatalf("CreateDrip: %v", err)
		}
	}
	if _, err := s.TransitionDrip(ctx, "d1", StatusPending, StatusSent); err != nil {
		t.Fatalf("TransitionDrip: %v", err)
	}

	n, err := s.CancelPendingDrips(ctx, "+100")
	if err != nil {
		t.Fatalf("CancelPendingDrips: %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled %d tasks, want 1 (sent task untouched)", n)
	}

	// Repeat is a clean no-op.
	n, err = s.CancelPendingDrips(ctx, "+100")
	if err != nil {
		t.Fatalf("CancelPendingDrips: %v", err)
	}
	if n != 0 {
		t.Errorf("second cancel transitioned %d tasks, want 0", n)
	}
}

func TestDueDripsBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 15; i++ {
		task := DripTask{
			ID:      "d" + string(rune('a'+i)),
			Address: "+100",
			DueAt:   now.Add(-time.Duration(i+1) * time.Minute),
		}
		if err := s.CreateDrip(ctx, task); err != nil {
			t.Fatalf("CreateDrip: %v", err)
		}
	}
	due, err := s.DueDrips(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueDrips: %v", err)
	}
	if len(due) != 10 {
		t.Errorf("batch = %d tasks, want 10", len(due))
	}
}

func TestJoinSummary(t *testing.T) {
	if got := JoinSummary("", "fact", 100); got != "- fact" {
		t.Errorf("empty join = %q", got)
	}
	if got := JoinSummary("- a", "b", 100); got != "- a\n- b" {
		t.Errorf("join = %q", got)
	}
	if got := JoinSummary("- a", "", 100); got != "- a" {
		t.Errorf("empty fact join = %q", got)
	}
	long := strings.Repeat("y", 200)
	if got := JoinSummary(long, "tail", 50); len(got) != 50 {
		t.Errorf("capped join length = %d, want 50", len(got))
	}
}
