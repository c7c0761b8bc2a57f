package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// tracer emits one span per agent run. No-op unless a trace provider is
// installed at startup.
var tracer = otel.Tracer("omniclaw/agent")

// scanner line limit; agent programs may emit large single-line payloads.
const maxPayloadLine = 4 * 1024 * 1024

// SessionRecorder is the slice of the session store the dispatcher
// touches after a run.
type SessionRecorder interface {
	Update(agentID string, mutate func(entries map[string]sessions.Entry) map[string]sessions.Entry) (sessions.Snapshot, error)
}

var _ SessionRecorder = store.SessionStore(nil)

// Dispatcher runs the external agent program for inbound messages and
// streams its reply payloads back through a callback.
type Dispatcher struct {
	cfg      *config.Config
	sessions SessionRecorder
	dedupe   *bus.DedupeCache

	// runCommand is swapped in tests to avoid spawning real processes.
	runCommand func(ctx context.Context, argv []string, dir string, stdin []byte, onLine func([]byte)) error
}

// NewDispatcher creates a dispatcher. The dedup window follows
// agents.defaults.idempotencyWindowMs (default 10 minutes).
func NewDispatcher(cfg *config.Config, sess SessionRecorder) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		sessions: sess,
		dedupe:   bus.NewDedupeCache(time.Duration(cfg.IdempotencyWindowMs())*time.Millisecond, 5000),
	}
	d.runCommand = runAgentProcess
	return d
}

// Dispatch invokes the agent for dctx and emits reply payloads through
// onPayload. With blockStreaming, partials go out per paragraph block
// and the residue becomes the final; otherwise one final carries the
// whole reply. Exactly one final is emitted per dispatch unless the
// request was deduplicated, in which case nothing is emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, dctx DeliveryContext, blockStreaming bool, onPayload func(ReplyPayload)) (RunMeta, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(
		attribute.String("agent.id", dctx.AgentID),
		attribute.String("session.key", dctx.SessionKey),
	))
	defer span.End()

	if dctx.IdempotencyKey == "" {
		return RunMeta{}, WithKind(KindPermanentValidation, errors.New("dispatch without idempotency key"))
	}
	if d.dedupe.IsDuplicate(dctx.IdempotencyKey) {
		slog.Debug("dispatch deduplicated", "key", dctx.IdempotencyKey, "session", dctx.SessionKey)
		return RunMeta{DurationMs: time.Since(start).Milliseconds(), Deduped: true}, nil
	}

	spec := d.cfg.ResolveAgent(dctx.AgentID)
	if len(spec.Command) == 0 {
		return RunMeta{}, WithKind(KindFatal, fmt.Errorf("agent %q has no command configured", dctx.AgentID))
	}

	req := request{
		Message:        dctx.Message,
		AgentID:        dctx.AgentID,
		SessionKey:     dctx.SessionKey,
		IdempotencyKey: dctx.IdempotencyKey,
		Label:          dctx.ConversationLabel,
		SpawnedBy:      dctx.SpawnedBy,
	}
	stdin, err := json.Marshal(req)
	if err != nil {
		return RunMeta{}, WithKind(KindPermanentValidation, fmt.Errorf("encode agent request: %w", err))
	}

	run := &runState{blockStreaming: blockStreaming, onPayload: onPayload}
	run.buffer = NewBlockBuffer(run.emitPartial)

	err = d.runCommand(ctx, spec.Command, config.ExpandHome(spec.Workspace), stdin, run.consumeLine)
	meta := RunMeta{DurationMs: time.Since(start).Milliseconds()}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		run.emitErrorFinal(err)
		d.markAborted(dctx.AgentID, dctx.SessionKey)
		return meta, WithKind(KindUserSurface, err)
	}

	run.emitFinal()
	return meta, nil
}

// runState tracks one dispatch: buffered text, collected media, and
// whether the final payload went out.
type runState struct {
	blockStreaming bool
	onPayload      func(ReplyPayload)
	buffer         *BlockBuffer

	full      strings.Builder // entire reply text, for non-streaming finals
	media     []string        // media urls not yet emitted (non-streaming)
	finalSent bool
	badLines  int
}

func (r *runState) consumeLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var p ReplyPayload
	if err := json.Unmarshal(line, &p); err != nil {
		// Non-JSON output is treated as plain streamed text so simple
		// agent programs can just print their reply.
		r.badLines++
		p = ReplyPayload{Text: string(line) + "\n"}
	}
	if p.Text != "" {
		if r.full.Len() > 0 && !strings.HasSuffix(r.full.String(), "\n") && p.Marker != "" {
			// Marked payloads are discrete units; keep them separated.
			r.full.WriteString("\n")
		}
		r.full.WriteString(p.Text)
		if r.blockStreaming {
			r.buffer.Write(p.Text)
		}
	}
	if len(p.MediaURLs) > 0 {
		if r.blockStreaming {
			r.buffer.AddMedia(p.MediaURLs)
		} else {
			r.media = append(r.media, p.MediaURLs...)
		}
	}
}

func (r *runState) emitPartial(b Block) {
	r.onPayload(ReplyPayload{Text: b.Text, MediaURLs: b.MediaURLs, Marker: MarkerPartial})
}

// emitFinal closes the stream: residual buffered text for streaming
// surfaces, the whole reply otherwise.
func (r *runState) emitFinal() {
	if r.finalSent {
		return
	}
	r.finalSent = true

	if r.blockStreaming {
		text := strings.TrimRight(r.buffer.Pending(), "\n")
		var media []string
		r.buffer.emit = func(b Block) { media = append(media, b.MediaURLs...) }
		r.buffer.Flush()
		r.onPayload(ReplyPayload{Text: text, MediaURLs: media, Marker: MarkerFinal})
		return
	}
	r.onPayload(ReplyPayload{
		Text:      strings.TrimRight(r.full.String(), "\n"),
		MediaURLs: r.media,
		Marker:    MarkerFinal,
	})
}

// emitErrorFinal closes the stream after a run failure: the last
// buffered text plus a short human message rides on the final. Text
// already delivered as partial blocks is not repeated.
func (r *runState) emitErrorFinal(cause error) {
	if r.finalSent {
		return
	}
	r.finalSent = true

	if r.blockStreaming {
		text := strings.TrimRight(r.buffer.Pending(), "\n")
		var media []string
		r.buffer.emit = func(b Block) { media = append(media, b.MediaURLs...) }
		r.buffer.Flush()
		r.onPayload(ReplyPayload{Text: text, MediaURLs: media, Marker: MarkerFinal, Error: humanError(cause)})
		return
	}
	r.onPayload(ReplyPayload{
		Text:   strings.TrimRight(r.full.String(), "\n"),
		Marker: MarkerFinal,
		Error:  humanError(cause),
	})
}

func humanError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The agent took too long to respond."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, exec.ErrNotFound):
		return "The agent program is not installed."
	default:
		return "The agent failed to produce a reply."
	}
}

// markAborted records abortedLastRun on the session entry so the next
// run knows the previous one did not finish cleanly.
func (d *Dispatcher) markAborted(agentID, sessionKey string) {
	if d.sessions == nil || sessionKey == "" {
		return
	}
	_, err := d.sessions.Update(agentID, func(entries map[string]sessions.Entry) map[string]sessions.Entry {
		e := entries[sessionKey]
		e.SessionKey = sessionKey
		e.AbortedLastRun = true
		entries[sessionKey] = e
		return entries
	})
	if err != nil {
		slog.Warn("failed to record aborted run", "session", sessionKey, "error", err)
	}
}

// runAgentProcess spawns argv, writes stdin, and feeds each stdout line
// to onLine. The process is killed when ctx is cancelled. Stderr is
// captured (bounded) and folded into the error on non-zero exit.
func runAgentProcess(ctx context.Context, argv []string, dir string, stdin []byte, onLine func([]byte)) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 8 * 1024}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxPayloadLine)
	for scanner.Scan() {
		onLine(scanner.Bytes())
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("agent exited: %w: %s", err, firstLine(msg))
		}
		return fmt.Errorf("agent exited: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("agent stream: %w", scanErr)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if remaining := l.n - l.w.Len(); remaining > 0 {
		if len(p) > remaining {
			l.w.Write(p[:remaining])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
