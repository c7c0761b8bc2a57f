// Package delivery sends rendered reply chunks to a surface in order,
// with a single bounded retry per chunk, and runs the typing keepalive
// while an agent works on a reply.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

// SendFunc delivers one outbound message on its surface.
type SendFunc func(ctx context.Context, msg bus.OutboundMessage) error

// retryBackoff caps how long a failed chunk waits before its one retry.
const retryBackoff = 2 * time.Second

// Deliverer sends reply chunks strictly in order. A chunk that fails
// gets one retry; if that fails too the remaining chunks are abandoned
// so the conversation never sees text out of order.
type Deliverer struct {
	send    SendFunc
	backoff time.Duration
}

func New(send SendFunc) *Deliverer {
	return &Deliverer{send: send, backoff: retryBackoff}
}

// Target names one conversation on one surface.
type Target struct {
	Channel   string
	AccountID string
	ChatID    string
	// Metadata rides on every outbound message (thread ids, reply refs).
	Metadata map[string]string
}

// Text sends the chunks in order. Returns the number delivered and the
// error that stopped delivery, if any.
func (d *Deliverer) Text(ctx context.Context, target Target, chunks []string) (int, error) {
	for i, chunk := range chunks {
		if chunk == "" {
			continue
		}
		msg := bus.OutboundMessage{
			Channel:   target.Channel,
			AccountID: target.AccountID,
			ChatID:    target.ChatID,
			Content:   chunk,
			Metadata:  target.Metadata,
		}
		if err := d.sendWithRetry(ctx, msg); err != nil {
			return i, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}

// Media sends a trailing media-only message after the text chunks.
func (d *Deliverer) Media(ctx context.Context, target Target, media []bus.MediaAttachment) error {
	if len(media) == 0 {
		return nil
	}
	msg := bus.OutboundMessage{
		Channel:   target.Channel,
		AccountID: target.AccountID,
		ChatID:    target.ChatID,
		Media:     media,
		Metadata:  target.Metadata,
	}
	return d.sendWithRetry(ctx, msg)
}

func (d *Deliverer) sendWithRetry(ctx context.Context, msg bus.OutboundMessage) error {
	err := d.send(ctx, msg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Debug("send failed, retrying once",
		"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.backoff):
	}
	return d.send(ctx, msg)
}
