// Package typing tracks ephemeral "is typing" state with one expiry timer per
// user.
//
// A Tracker belongs to a single room actor and is not safe for concurrent
// use. Timer callbacks only report the expiry through the ExpireFunc; the
// owner applies it with Expire on its own goroutine.
package typing

import (
	"sort"
	"time"
)

const DefaultWindow = time.Second

// ExpireFunc is invoked from the timer goroutine when key's window elapses.
// gen identifies the timer that fired.
type ExpireFunc func(key string, gen uint64)

type entry struct {
	timer *time.Timer
	gen   uint64
}

type Tracker struct {
	window   time.Duration
	onExpire ExpireFunc
	active   map[string]*entry
	gen      uint64
}

func New(window time.Duration, onExpire ExpireFunc) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		onExpire: onExpire,
		active:   make(map[string]*entry),
	}
}

// Touch records a typing event: any pending timer for key is cancelled and a
// new one started. Returns true on the Idle -> Typing transition.
func (t *Tracker) Touch(key string) bool {
	e, typing := t.active[key]
	if typing {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.active[key] = e
	}

	t.gen++
	gen := t.gen
	e.gen = gen
	e.timer = time.AfterFunc(t.window, func() {
		if t.onExpire != nil {
			t.onExpire(key, gen)
		}
	})
	return !typing
}

// Stop moves key to Idle. Returns false if it already was.
func (t *Tracker) Stop(key string) bool {
	e, ok := t.active[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.active, key)
	return true
}

// Expire applies a fired timer. A generation that no longer matches (the key
// was refreshed or stopped meanwhile) is ignored.
func (t *Tracker) Expire(key string, gen uint64) bool {
	e, ok := t.active[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.active, key)
	return true
}

func (t *Tracker) IsTyping(key string) bool {
	_, ok := t.active[key]
	return ok
}

// Typing lists keys currently in the Typing state, sorted.
func (t *Tracker) Typing() []string {
	out := make([]string, 0, len(t.active))
	for k := range t.active {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) Len() int { return len(t.active) }

func (t *Tracker) Window() time.Duration { return t.window }

// StopAll cancels every pending timer.
func (t *Tracker) StopAll() {
	for k, e := range t.active {
		e.timer.Stop()
		delete(t.active, k)
	}
}
