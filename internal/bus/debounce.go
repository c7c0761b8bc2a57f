package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DelayFunc resolves the debounce window for a message; <= 0 disables
// debouncing for that message.
type DelayFunc func(InboundMessage) time.Duration

// FlushFunc receives the coalesced message once a buffer fires.
type FlushFunc func(InboundMessage)

// InboundDebouncer coalesces rapid consecutive messages from the same
// conversation+sender into a single dispatch, preserving enqueue order.
// Messages carrying media, a control command, or no text bypass the buffer.
type InboundDebouncer struct {
	mu       sync.Mutex
	buffers  map[string]*debounceBuffer
	delayFor DelayFunc
	flush    FlushFunc
	stopped  bool
}

type debounceBuffer struct {
	items []InboundMessage
	timer *time.Timer
	delay time.Duration
	// after holds bypass messages that arrived while a flush for this
	// key was in flight; they dispatch right behind it, individually.
	after    []InboundMessage
	flushing bool
}

// NewInboundDebouncer creates a debouncer dispatching through flush.
func NewInboundDebouncer(delayFor DelayFunc, flush FlushFunc) *InboundDebouncer {
	return &InboundDebouncer{
		buffers:  make(map[string]*debounceBuffer),
		delayFor: delayFor,
		flush:    flush,
	}
}

// DebounceKey scopes coalescing to one sender within one conversation.
func DebounceKey(msg InboundMessage) string {
	return fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.AccountID, msg.ConversationID(), msg.SenderID)
}

func canDebounce(msg InboundMessage) bool {
	if len(msg.Media) > 0 {
		return false
	}
	if msg.CommandAuthorized != nil { // control command, set by the policy gate
		return false
	}
	return strings.TrimSpace(msg.Content) != ""
}

// Push enqueues a message. Non-debounceable messages first drain any
// pending buffer for the same key (keeping conversation order), then
// dispatch synchronously. When a flush for the key is already in
// flight, the message is handed to it instead, so it cannot overtake
// text enqueued before it.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := DebounceKey(msg)
	delay := d.delayFor(msg)

	if delay <= 0 || !canDebounce(msg) {
		items, adopted := d.detachOrAdopt(key, msg)
		if adopted {
			return
		}
		if len(items) > 0 {
			d.flush(mergeInbound(items))
		}
		d.flush(msg)
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}
	buf, ok := d.buffers[key]
	if !ok {
		buf = &debounceBuffer{delay: delay}
		d.buffers[key] = buf
	}
	buf.items = append(buf.items, msg)
	buf.delay = delay
	if buf.timer != nil {
		buf.timer.Stop()
	}
	if !buf.flushing {
		buf.timer = time.AfterFunc(delay, func() { d.fire(key) })
	}
	d.mu.Unlock()
}

// fire flushes the buffer for key. The buffer is detached under the lock
// before the handler runs, so a late enqueue opens a fresh window instead
// of racing the in-flight flush. At most one flush runs per key.
func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	buf, ok := d.buffers[key]
	if !ok || buf.flushing {
		d.mu.Unlock()
		return
	}
	items := buf.items
	buf.items = nil
	buf.flushing = true
	d.mu.Unlock()

	if len(items) > 0 {
		d.flush(mergeInbound(items))
	}

	d.mu.Lock()
	for len(buf.after) > 0 {
		next := buf.after[0]
		buf.after = buf.after[1:]
		d.mu.Unlock()
		d.flush(next)
		d.mu.Lock()
	}
	buf.flushing = false
	if len(buf.items) == 0 {
		delete(d.buffers, key)
	} else {
		// arrivals during the flush re-arm the window
		buf.timer = time.AfterFunc(buf.delay, func() { d.fire(key) })
	}
	d.mu.Unlock()
}

// detachOrAdopt prepares a bypass dispatch for key under one lock
// acquisition: a flush in flight adopts the message and dispatches it
// right after the coalesced one; otherwise any pending buffer is
// detached for the caller to dispatch first.
func (d *InboundDebouncer) detachOrAdopt(key string, msg InboundMessage) ([]InboundMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[key]
	if !ok {
		return nil, false
	}
	if buf.flushing {
		buf.after = append(buf.after, msg)
		return nil, true
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	items := buf.items
	delete(d.buffers, key)
	return items, false
}

// drain synchronously dispatches any pending buffer for key. A buffer
// whose flush is already in flight is left alone.
func (d *InboundDebouncer) drain(key string) {
	d.mu.Lock()
	buf, ok := d.buffers[key]
	if !ok || buf.flushing {
		d.mu.Unlock()
		return
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	items := buf.items
	delete(d.buffers, key)
	d.mu.Unlock()

	if len(items) > 0 {
		d.flush(mergeInbound(items))
	}
}

// DrainPrefix synchronously dispatches every pending buffer whose key
// starts with prefix ("channel|account|" when an account stops with
// flushOnStop enabled).
func (d *InboundDebouncer) DrainPrefix(prefix string) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.buffers))
	for key := range d.buffers {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.drain(key)
	}
}

// PendingCount returns the number of buffered messages across all keys.
func (d *InboundDebouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, buf := range d.buffers {
		n += len(buf.items)
	}
	return n
}

// Stop cancels all timers. With dispatchPending, buffered messages are
// flushed best-effort; otherwise they are dropped with a log.
func (d *InboundDebouncer) Stop(dispatchPending bool) {
	d.mu.Lock()
	d.stopped = true
	pending := make([][]InboundMessage, 0, len(d.buffers))
	dropped := 0
	for key, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		if len(buf.items) > 0 {
			if dispatchPending {
				pending = append(pending, buf.items)
			} else {
				dropped += len(buf.items)
			}
		}
		delete(d.buffers, key)
	}
	d.mu.Unlock()

	if dropped > 0 {
		slog.Debug("debouncer stopped, dropping pending messages", "count", dropped)
	}
	for _, items := range pending {
		d.flush(mergeInbound(items))
	}
}

// mergeInbound concatenates texts with newlines; every non-text field
// (media, message id, timestamp, command authorization) comes from the
// last entry.
func mergeInbound(items []InboundMessage) InboundMessage {
	if len(items) == 1 {
		return items[0]
	}
	texts := make([]string, 0, len(items))
	for _, it := range items {
		if it.Content != "" {
			texts = append(texts, it.Content)
		}
	}
	merged := items[len(items)-1]
	merged.Content = strings.Join(texts, "\n")
	return merged
}
