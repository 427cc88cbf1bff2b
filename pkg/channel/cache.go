package channel

import (
	"sync"
	"time"

	"github.com/crystal-mush/chanserv/pkg/events"
)

// DefaultMessageRetention is how long a message stays in a channel's cache.
const DefaultMessageRetention = 5 * time.Minute

// CachedMessage is a broadcast message retained for late pull clients.
type CachedMessage struct {
	ID      int64
	Type    events.Type
	Time    time.Time
	Payload map[string]any
}

// messageCache keeps messages for a fixed window after they were written.
// Entries are appended in time order, so expiry only trims the front.
type messageCache struct {
	mu        sync.Mutex
	retention time.Duration
	entries   []CachedMessage
}

func newMessageCache(retention time.Duration) *messageCache {
	if retention <= 0 {
		retention = DefaultMessageRetention
	}
	return &messageCache{retention: retention}
}

func (mc *messageCache) add(m CachedMessage) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.pruneLocked(m.Time)
	mc.entries = append(mc.entries, m)
}

// since returns the live messages with an id greater than afterID.
func (mc *messageCache) since(afterID int64, now time.Time) []CachedMessage {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.pruneLocked(now)
	var out []CachedMessage
	for _, m := range mc.entries {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out
}

func (mc *messageCache) size(now time.Time) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.pruneLocked(now)
	return len(mc.entries)
}

func (mc *messageCache) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(mc.entries) && !now.Before(mc.entries[cut].Time.Add(mc.retention)) {
		cut++
	}
	if cut > 0 {
		mc.entries = append(mc.entries[:0:0], mc.entries[cut:]...)
	}
}
