package checkout

import (
	"sync/atomic"
)

// AttemptToken proves ownership of the single in-flight slot of a Guard.
// The zero token is never current.
type AttemptToken struct {
	seq uint64
}

// Valid reports whether the token was issued by BeginAttempt.
func (t AttemptToken) Valid() bool {
	return t.seq != 0
}

// Guard admits at most one attempt at a time. The slot is taken before any
// remote call and given back only on a terminal state, so rapid duplicate
// submissions cannot create a second hold or a second charge.
type Guard struct {
	current atomic.Uint64
	next    atomic.Uint64
}

// BeginAttempt claims the slot or fails with ErrAttemptInFlight.
func (g *Guard) BeginAttempt() (AttemptToken, error) {
	seq := g.next.Add(1)
	if !g.current.CompareAndSwap(0, seq) {
		return AttemptToken{}, ErrAttemptInFlight
	}
	return AttemptToken{seq: seq}, nil
}

// EndAttempt frees the slot if token still owns it. It reports whether the
// token was current; stale tokens leave the guard untouched.
func (g *Guard) EndAttempt(token AttemptToken) bool {
	if !token.Valid() {
		return false
	}
	return g.current.CompareAndSwap(token.seq, 0)
}

// IsCurrent reports whether token owns the slot. Callbacks check this before
// touching attempt state so a superseded attempt cannot mutate anything.
func (g *Guard) IsCurrent(token AttemptToken) bool {
	return token.Valid() && g.current.Load() == token.seq
}

// Busy reports whether an attempt is in flight.
func (g *Guard) Busy() bool {
	return g.current.Load() != 0
}
