package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystal-mush/chanserv/pkg/channel"
	"github.com/crystal-mush/chanserv/pkg/clock"
	"github.com/crystal-mush/chanserv/pkg/events"
)

type sink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *sink) Receive(ev events.Event) {
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
}

func (s *sink) Closed() bool { return false }

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestConnectDefaults(t *testing.T) {
	r := NewRegistry(nil, clock.Fake(epoch))
	s := r.Connect(20, "alice")

	assert.Equal(t, 20, s.ID())
	assert.Equal(t, "alice", s.Name())
	assert.Equal(t, channel.NoChannel, s.ChannelID())
	assert.Equal(t, epoch, s.Created())

	s.SetChannelID(7)
	again := r.Connect(20, "alice2")
	assert.Same(t, s, again)
	assert.Equal(t, 7, again.ChannelID())
	assert.Equal(t, "alice2", r.Username(20))
}

func TestOrderIDsAndPending(t *testing.T) {
	fc := clock.Fake(epoch)
	r := NewRegistry(nil, fc)
	s := r.Connect(20, "alice")

	s.SendMessage(events.ChannelStandard, 7, map[string]any{"message": "one"})
	fc.Advance(time.Second)
	s.SendMessage(events.ChannelStandard, 7, map[string]any{"message": "two"})
	s.SendMessage(events.ChannelListAddition, 7, nil)

	all := s.Pending(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].OrderID, all[1].OrderID, all[2].OrderID})
	assert.Equal(t, epoch.Add(time.Second), all[1].Time)
	assert.Equal(t, 20, all[0].User)

	rest := s.Pending(2)
	require.Len(t, rest, 1)
	assert.Equal(t, events.ChannelListAddition, rest[0].Type)
	assert.Len(t, s.Pending(0), 1, "acknowledged events are discarded")
	assert.Equal(t, int64(3), s.LastOrderID())
}

func TestQueueLimitDropsOldest(t *testing.T) {
	r := NewRegistry(nil, clock.Fake(epoch))
	r.SetQueueLimit(2)
	s := r.Connect(20, "alice")

	for i := 0; i < 5; i++ {
		s.SendMessage(events.ChannelStandard, 7, nil)
	}
	got := s.Pending(0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].OrderID)
	assert.Equal(t, int64(3), s.Dropped())
}

func TestLiveDeliveryThroughBus(t *testing.T) {
	bus := events.NewBus()
	global := &sink{}
	bus.SubscribeGlobal(global)
	live := &sink{}
	bus.Subscribe(20, live)

	r := NewRegistry(bus, clock.Fake(epoch))
	r.Connect(20, "alice").SendMessage(events.ChannelStandard, 7, map[string]any{"message": "hi"})

	require.Len(t, live.got, 1)
	assert.Equal(t, int64(1), live.got[0].OrderID)
	assert.Empty(t, global.got, "per-user copies do not reach global subscribers")
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(nil, clock.Fake(epoch))
	r.Connect(30, "bob")
	r.Connect(20, "alice")
	r.Remember(40, "carol")

	u, ok := r.User(20)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Name())
	_, ok = r.User(40)
	assert.False(t, ok)
	assert.Equal(t, "carol", r.Username(40))
	assert.Equal(t, channel.UnknownUsername, r.Username(99))
	assert.Equal(t, []int{20, 30}, r.Online())

	s, ok := r.Disconnect(30)
	require.True(t, ok)
	assert.Equal(t, 30, s.ID())
	_, ok = r.Disconnect(30)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, "bob", r.Username(30), "names outlive the session")
}
