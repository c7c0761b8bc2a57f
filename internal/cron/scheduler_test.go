package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

func testScheduler(t *testing.T, jobs ...config.CronJob) (*Scheduler, *bus.MessageBus) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Cron.Enabled = true
	cfg.Cron.Store = filepath.Join(cfg.DataDir, "cron.json")
	cfg.Cron.Jobs = jobs

	b := bus.New()
	return New(cfg, b), b
}

func expectInbound(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	return msg
}

func expectNoInbound(t *testing.T, b *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if msg, ok := b.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected inbound: %+v", msg)
	}
}

func TestTickFiresDueJob(t *testing.T) {
	s, b := testScheduler(t, config.CronJob{
		ID:       "standup",
		Schedule: "* * * * *",
		Message:  "morning summary please",
		Channel:  "telegram",
		To:       "42",
		AgentID:  "main",
	})

	at := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.tick(at)

	msg := expectInbound(t, b)
	if msg.Channel != "telegram" || msg.SenderID != "42" || msg.Content != "morning summary please" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.Metadata[channels.MetaInjected] != "true" {
		t.Error("cron message must be marked injected")
	}
	if msg.Metadata["session_key"] != "agent:main:cron:standup" {
		t.Errorf("session key = %q", msg.Metadata["session_key"])
	}
}

func TestTickFiresOncePerMinute(t *testing.T) {
	s, b := testScheduler(t, config.CronJob{
		ID:       "every",
		Schedule: "* * * * *",
		Message:  "tick",
		Channel:  "telegram",
		To:       "42",
	})

	at := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.tick(at)
	expectInbound(t, b)

	s.tick(at)
	expectNoInbound(t, b)

	s.tick(at.Add(time.Minute))
	expectInbound(t, b)
}

func TestLastRunSurvivesRestart(t *testing.T) {
	job := config.CronJob{
		ID:       "persist",
		Schedule: "* * * * *",
		Message:  "tick",
		Channel:  "telegram",
		To:       "42",
	}
	s, b := testScheduler(t, job)

	at := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.tick(at)
	expectInbound(t, b)

	// A new scheduler over the same store must not re-fire the minute.
	s2 := New(s.cfg, b)
	s2.tick(at)
	expectNoInbound(t, b)
}

func TestRunJobUnknown(t *testing.T) {
	s, _ := testScheduler(t)
	if err := s.RunJob("missing"); err == nil {
		t.Error("RunJob(missing) should fail")
	}
}

func TestRunJobFiresImmediately(t *testing.T) {
	s, b := testScheduler(t, config.CronJob{
		ID:       "manual",
		Schedule: "0 0 1 1 *",
		Message:  "run now",
		Channel:  "telegram",
		To:       "42",
	})

	if err := s.RunJob("manual"); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	msg := expectInbound(t, b)
	if msg.Content != "run now" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestSkippedWithoutTarget(t *testing.T) {
	s, b := testScheduler(t, config.CronJob{
		ID:       "orphan",
		Schedule: "* * * * *",
		Message:  "nowhere to go",
	})

	s.tick(time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC))
	expectNoInbound(t, b)
}
