// Package cron injects scheduled messages into the inbound pipeline.
// Jobs are config-defined; the last fire per job is persisted so a
// restart within the same minute does not double-fire.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// Scheduler evaluates the configured jobs once per minute.
type Scheduler struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	storePath string
	gron      *gronx.Gronx
	now       func() time.Time

	mu      sync.Mutex
	lastRun map[string]int64 // job id -> ms of the minute last fired
}

// JobStatus is the ops view of one job.
type JobStatus struct {
	Job       config.CronJob `json:"job"`
	LastRunAt int64          `json:"lastRunAt,omitempty"`
	NextDueAt int64          `json:"nextDueAt,omitempty"`
}

func New(cfg *config.Config, msgBus *bus.MessageBus) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		bus:       msgBus,
		storePath: cfg.CronStorePath(),
		gron:      gronx.New(),
		now:       time.Now,
		lastRun:   map[string]int64{},
	}
	s.loadState()
	return s
}

// Run ticks on minute boundaries until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Cron.Enabled {
		return
	}
	slog.Info("cron scheduler started", "jobs", len(s.cfg.Cron.Jobs))

	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			s.tick(next)
		}
	}
}

func (s *Scheduler) tick(at time.Time) {
	for _, job := range s.jobs() {
		due, err := s.gron.IsDue(job.Schedule, at)
		if err != nil {
			slog.Warn("cron schedule invalid", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		minute := at.Truncate(time.Minute).UnixMilli()
		s.mu.Lock()
		fired := s.lastRun[job.ID] == minute
		if !fired {
			s.lastRun[job.ID] = minute
			s.saveStateLocked()
		}
		s.mu.Unlock()
		if fired {
			continue
		}
		s.fire(job)
	}
}

// RunJob fires one job immediately, outside its schedule.
func (s *Scheduler) RunJob(id string) error {
	for _, job := range s.jobs() {
		if job.ID == id {
			s.mu.Lock()
			s.lastRun[job.ID] = s.now().UnixMilli()
			s.saveStateLocked()
			s.mu.Unlock()
			s.fire(job)
			return nil
		}
	}
	return fmt.Errorf("unknown cron job %q", id)
}

// Jobs lists every configured job with its run state.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []JobStatus
	for _, job := range s.jobs() {
		status := JobStatus{Job: job, LastRunAt: s.lastRun[job.ID]}
		if next, err := gronx.NextTick(job.Schedule, false); err == nil {
			status.NextDueAt = next.UnixMilli()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out
}

func (s *Scheduler) jobs() []config.CronJob {
	jobs := make([]config.CronJob, len(s.cfg.Cron.Jobs))
	copy(jobs, s.cfg.Cron.Jobs)
	return jobs
}

// fire injects the job's message. The envelope is marked injected so
// the pipeline skips the policy gate, and carries its own session key
// so scheduled runs never share a conversation with a real peer.
func (s *Scheduler) fire(job config.CronJob) {
	if job.Channel == "" || job.To == "" {
		slog.Warn("cron job has no delivery target", "job", job.ID)
		return
	}
	agentID := job.AgentID
	if agentID == "" {
		agentID = s.cfg.ResolveAgent("").ID
	}

	slog.Info("cron job fired", "job", job.ID, "channel", job.Channel, "to", job.To)
	s.bus.PublishInbound(bus.InboundMessage{
		Channel:    job.Channel,
		SenderID:   job.To,
		SenderName: "cron:" + job.ID,
		ChatType:   bus.ChatTypeDirect,
		Timestamp:  s.now().UnixMilli(),
		Content:    job.Message,
		AgentID:    agentID,
		Metadata: map[string]string{
			channels.MetaInjected: "true",
			"session_key":         sessions.BuildCronSessionKey(agentID, job.ID),
		},
	})
	s.bus.Broadcast(bus.Event{Name: protocol.EventCron, Payload: map[string]string{
		"job":     job.ID,
		"channel": job.Channel,
		"to":      job.To,
	}})
}

func (s *Scheduler) loadState() {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		return
	}
	var state map[string]int64
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("cron state unreadable, starting fresh", "path", s.storePath, "error", err)
		return
	}
	s.lastRun = state
}

func (s *Scheduler) saveStateLocked() {
	data, err := json.MarshalIndent(s.lastRun, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		slog.Warn("cron state dir", "error", err)
		return
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("cron state write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.storePath); err != nil {
		slog.Warn("cron state rename failed", "error", err)
	}
}
