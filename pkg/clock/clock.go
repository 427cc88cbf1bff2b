// Package clock abstracts the time source so that expiry of temporary bans,
// channel locks and cached messages can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by the channel manager and scheduler.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	tk := time.NewTicker(d)
	return &Ticker{C: tk.C, stop: tk.Stop}
}
