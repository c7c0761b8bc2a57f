package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

type sendRecorder struct {
	mu    sync.Mutex
	sent  []bus.OutboundMessage
	fails map[int]int // call index -> remaining failures
	calls int
}

func (r *sendRecorder) send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.calls
	r.calls++
	if n, ok := r.fails[idx]; ok && n > 0 {
		r.fails[idx] = n - 1
		return errors.New("surface unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func fastDeliverer(r *sendRecorder) *Deliverer {
	d := New(r.send)
	d.backoff = time.Millisecond
	return d
}

func TestTextSendsChunksInOrder(t *testing.T) {
	r := &sendRecorder{}
	d := fastDeliverer(r)

	target := Target{Channel: "telegram", ChatID: "42"}
	n, err := d.Text(context.Background(), target, []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if n != 3 || len(r.sent) != 3 {
		t.Fatalf("delivered %d, sent %d", n, len(r.sent))
	}
	for i, want := range []string{"one", "two", "three"} {
		if r.sent[i].Content != want {
			t.Errorf("chunk %d = %q, want %q", i, r.sent[i].Content, want)
		}
	}
}

func TestTextRetriesOnceThenAborts(t *testing.T) {
	// Call 1 (second chunk) fails twice: the retry fails too, so the
	// third chunk must never go out.
	r := &sendRecorder{fails: map[int]int{1: 1, 2: 1}}
	d := fastDeliverer(r)

	n, err := d.Text(context.Background(), Target{Channel: "telegram", ChatID: "42"},
		[]string{"one", "two", "three"})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	for _, msg := range r.sent {
		if msg.Content == "three" {
			t.Error("chunk after a failed one was delivered")
		}
	}
}

func TestTextRetrySucceeds(t *testing.T) {
	r := &sendRecorder{fails: map[int]int{0: 1}}
	d := fastDeliverer(r)

	n, err := d.Text(context.Background(), Target{Channel: "telegram", ChatID: "42"},
		[]string{"only"})
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if n != 1 || len(r.sent) != 1 {
		t.Errorf("delivered %d, sent %d", n, len(r.sent))
	}
}

func TestMediaTrailingMessage(t *testing.T) {
	r := &sendRecorder{}
	d := fastDeliverer(r)

	media := []bus.MediaAttachment{{URL: "https://x/img.png"}}
	if err := d.Media(context.Background(), Target{Channel: "telegram", ChatID: "42"}, media); err != nil {
		t.Fatalf("Media: %v", err)
	}
	if len(r.sent) != 1 || len(r.sent[0].Media) != 1 || r.sent[0].Content != "" {
		t.Errorf("sent = %+v", r.sent)
	}

	if err := d.Media(context.Background(), Target{}, nil); err != nil {
		t.Errorf("empty media should be a no-op, got %v", err)
	}
	if len(r.sent) != 1 {
		t.Error("empty media produced a send")
	}
}

func TestTypingControllerStops(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fn := func(ctx context.Context, accountID, chatID string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	tc := StartTyping(context.Background(), fn, "default", "42")
	time.Sleep(20 * time.Millisecond)
	tc.Stop()

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Errorf("calls = %d, want the single immediate fire", got)
	}

	// Stop is idempotent.
	tc.Stop()
}

func TestTypingControllerNilFunc(t *testing.T) {
	tc := StartTyping(context.Background(), nil, "default", "42")
	tc.Stop()
}
