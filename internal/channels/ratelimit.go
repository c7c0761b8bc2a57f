package channels

import (
	"sync"
	"time"
)

// Webhook flood guard bounds. SMS providers retry aggressively on slow
// responses, so the per-key budget stays generous.
const (
	webhookWindow  = time.Minute
	webhookMaxHits = 30
	webhookMaxKeys = 4096
)

type hitWindow struct {
	start time.Time
	hits  int
}

// WebhookRateLimiter caps inbound webhook requests per source key in a
// fixed window. The key table itself is bounded, so rotating source
// addresses cannot grow it without limit. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu   sync.Mutex
	seen map[string]*hitWindow
}

func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{seen: make(map[string]*hitWindow)}
}

// Allow records one hit for key and reports whether it stays within the
// window budget.
func (l *WebhookRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.seen) >= webhookMaxKeys {
		l.evict(now)
	}

	w, ok := l.seen[key]
	if !ok || now.Sub(w.start) >= webhookWindow {
		l.seen[key] = &hitWindow{start: now, hits: 1}
		return true
	}
	w.hits++
	return w.hits <= webhookMaxHits
}

// evict drops expired windows first, then arbitrary entries until the
// table is back under the cap.
func (l *WebhookRateLimiter) evict(now time.Time) {
	for k, w := range l.seen {
		if now.Sub(w.start) >= webhookWindow {
			delete(l.seen, k)
		}
	}
	for k := range l.seen {
		if len(l.seen) < webhookMaxKeys {
			return
		}
		delete(l.seen, k)
	}
}
