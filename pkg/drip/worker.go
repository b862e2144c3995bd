// Package drip implements the re-engagement scheduler.
//
// A drip task is a promise to message a user later. The worker sweeps the
// queue on a cron schedule, claims each due task with a conditional status
// update, generates a message, and delivers it. Tasks a user already
// answered are cancelled elsewhere and never claimed here; a task leaves
// pending exactly once.
package drip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/karibu-labs/karibu/pkg/channel"
	"github.com/karibu-labs/karibu/pkg/reply"
	"github.com/karibu-labs/karibu/pkg/store"
)

// fallbackBody is sent when message generation came back empty; a flat
// check-in beats a silently dropped follow-up.
const fallbackBody = "Hello! Just checking in to see how things are going. Let me know if I can help with anything."

// GenerateFunc produces the follow-up body for one task. An empty string
// (or an error) falls back to the canned line.
type GenerateFunc func(ctx context.Context, task store.DripTask) (string, error)

// Report holds the results of one sweep.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Due       int       `json:"due"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"` // claimed by a concurrent sweep or cancelled mid-flight
}

// Config holds scheduler settings.
type Config struct {
	Spec       string // cron spec for the sweep
	Batch      int    // tasks per sweep
	DelayHours int    // default delay for Schedule
}

// DefaultConfig returns the standard sweep cadence.
func DefaultConfig() Config {
	return Config{
		Spec:       "@every 1m",
		Batch:      10,
		DelayHours: 23,
	}
}

// Worker sweeps the drip queue and delivers follow-ups.
type Worker struct {
	store    store.Store
	sender   channel.Sender
	generate GenerateFunc
	cfg      Config

	mu         sync.RWMutex
	lastReport *Report
}

// NewWorker creates a worker. sender delivers the generated messages.
func NewWorker(st store.Store, sender channel.Sender, generate GenerateFunc, cfg Config) *Worker {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1m"
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.DelayHours <= 0 {
		cfg.DelayHours = 23
	}
	return &Worker{
		store:    st,
		sender:   sender,
		generate: generate,
		cfg:      cfg,
	}
}

// Run sweeps on the configured cron schedule until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(w.cfg.Spec, func() {
		if _, err := w.ProcessDue(ctx); err != nil {
			slog.Error("drip sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule drip sweep: %w", err)
	}

	slog.Info("drip worker started", "spec", w.cfg.Spec, "batch", w.cfg.Batch)
	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	slog.Info("drip worker stopped")
	return nil
}

// Schedule enqueues a follow-up for an address. delayHours <= 0 uses the
// configured default. Returns the task ID.
func (w *Worker) Schedule(ctx context.Context, address string, delayHours int, goal string) (string, error) {
	if delayHours <= 0 {
		delayHours = w.cfg.DelayHours
	}
	task := store.DripTask{
		ID:      uuid.NewString(),
		Address: address,
		Context: goal,
		DueAt:   time.Now().UTC().Add(time.Duration(delayHours) * time.Hour),
		Status:  store.StatusPending,
	}
	if err := w.store.CreateDrip(ctx, task); err != nil {
		return "", fmt.Errorf("schedule drip: %w", err)
	}
	slog.Info("drip scheduled", "id", task.ID, "address", address, "due", task.DueAt)
	return task.ID, nil
}

// ProcessDue runs one sweep: claim, generate, deliver. Every claimed task
// ends terminal; nothing is ever put back to pending.
func (w *Worker) ProcessDue(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start.UTC()}

	due, err := w.store.DueDrips(ctx, start, w.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("list due drips: %w", err)
	}
	report.Due = len(due)

	for _, task := range due {
		// The claim: losing the race (a reply cancelled the task, or a
		// concurrent sweep took it) just skips.
		claimed, err := w.store.TransitionDrip(ctx, task.ID, store.StatusPending, store.StatusSent)
		if err != nil {
			slog.Warn("drip claim failed", "id", task.ID, "error", err)
			report.Skipped++
			continue
		}
		if !claimed {
			report.Skipped++
			continue
		}

		if err := w.deliver(ctx, task); err != nil {
			slog.Warn("drip delivery failed", "id", task.ID, "address", task.Address, "error", err)
			// The sent row is our claim; a failed delivery demotes it to
			// failed, never back to pending.
			if _, terr := w.store.TransitionDrip(ctx, task.ID, store.StatusSent, store.StatusFailed); terr != nil {
				slog.Warn("drip mark failed", "id", task.ID, "error", terr)
			}
			report.Failed++
			continue
		}
		report.Sent++
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	if report.Due > 0 {
		slog.Info("drip sweep complete",
			"due", report.Due,
			"sent", report.Sent,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"duration", report.Duration,
		)
	}
	return report, nil
}

func (w *Worker) deliver(ctx context.Context, task store.DripTask) error {
	body, err := w.generate(ctx, task)
	if err != nil {
		slog.Warn("drip generation failed, using fallback", "id", task.ID, "error", err)
		body = ""
	}
	if body == "" {
		body = fallbackBody
	}
	return w.sender.Send(ctx, task.Address, reply.Reply{Kind: reply.KindText, Body: body})
}

// LastReport returns the most recent sweep report, or nil before the
// first sweep.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}
