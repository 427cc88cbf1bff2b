package scrollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crystal-mush/chanserv/pkg/events"
)

// Writer is a global event bus subscriber that stores chat messages. Only
// channel-level CHANNEL_STANDARD records are written, so each message is
// stored once regardless of how many occupants received it.
type Writer struct {
	store   *Store
	tracked func(channelID int) bool
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWriter returns a writer that stores messages for channels accepted by
// tracked. A nil tracked accepts every channel.
func NewWriter(store *Store, tracked func(channelID int) bool) *Writer {
	return &Writer{store: store, tracked: tracked, timeout: 5 * time.Second}
}

// Receive implements events.Subscriber.
func (w *Writer) Receive(ev events.Event) {
	if ev.Type != events.ChannelStandard || ev.User != events.NoUser {
		return
	}
	if w.tracked != nil && !w.tracked(ev.Channel) {
		return
	}
	e := entryFromEvent(ev)
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.Insert(ctx, e); err != nil {
		log.Error().Err(err).Str("module", "scrollback").Int("channel", ev.Channel).Msg("insert failed")
	}
}

// Closed implements events.Subscriber.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close marks the writer closed so the bus drops it.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func entryFromEvent(ev events.Event) Entry {
	e := Entry{ChannelID: ev.Channel, Created: ev.Time}
	if id, ok := ev.Payload["messageID"].(int64); ok {
		e.MessageID = id
	}
	if id, ok := ev.Payload["senderID"].(int); ok {
		e.SenderID = id
	}
	if name, ok := ev.Payload["senderName"].(string); ok {
		e.SenderName = name
	}
	switch msg := ev.Payload["message"].(type) {
	case string:
		e.Message = msg
	case nil:
	default:
		e.Message = fmt.Sprint(msg)
	}
	return e
}
