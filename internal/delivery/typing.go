package delivery

import (
	"context"
	"log/slog"
	"time"
)

// Typing indicator cadence. Surfaces clear their indicator after a few
// seconds, so the keepalive re-sends well inside that window; the TTL
// bounds how long a stuck run can keep a conversation "typing".
const (
	typingInterval = 7 * time.Second
	typingTTL      = 2 * time.Minute
)

// TypingFunc shows the typing indicator for one conversation once.
type TypingFunc func(ctx context.Context, accountID, chatID string) error

// TypingController keeps a surface's typing indicator alive while an
// agent run is in flight. Stop is idempotent and safe to defer.
type TypingController struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartTyping fires the indicator immediately and then on an interval
// until Stop is called or the TTL elapses. A nil fn (surface without
// typing support) returns a no-op controller.
func StartTyping(ctx context.Context, fn TypingFunc, accountID, chatID string) *TypingController {
	if fn == nil {
		return &TypingController{done: closedChan()}
	}

	runCtx, cancel := context.WithTimeout(ctx, typingTTL)
	tc := &TypingController{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(tc.done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()

		if err := fn(runCtx, accountID, chatID); err != nil {
			slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
		}
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := fn(runCtx, accountID, chatID); err != nil {
					slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
				}
			}
		}
	}()
	return tc
}

// Stop halts the keepalive and waits for the goroutine to exit.
func (tc *TypingController) Stop() {
	if tc.cancel != nil {
		tc.cancel()
	}
	<-tc.done
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
