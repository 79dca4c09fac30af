package dice

import (
	"sync"
	"time"
)

// Presentation and lifecycle timing for the roll arena.
const (
	// SettleDelay is how long a roll stays in the rolling state before the
	// initiating client commits the visible result.
	SettleDelay = 1200 * time.Millisecond

	// CloseGrace is the pause after all targeted rolls settle before the
	// arena auto-closes.
	CloseGrace = 3 * time.Second

	// WarnAfter is when a stuck arena surfaces a timeout warning.
	WarnAfter = 15 * time.Second

	// CloseAfter is the unconditional safety timeout.
	CloseAfter = 18 * time.Second
)

// Arena tracks the transient context for one round of concurrent rolls.
// It is active while any targeted participant still owes a settled roll,
// auto-closes CloseGrace after the last one settles, and hard-closes at
// CloseAfter so a participant who never rolls cannot wedge the UI.
type Arena struct {
	mu sync.Mutex

	targets map[string]bool // display name -> has a settled roll
	open    bool

	warnTimer  *time.Timer
	closeTimer *time.Timer
	graceTimer *time.Timer

	// OnWarning fires once at WarnAfter if the arena is still open.
	OnWarning func()
	// OnClosed fires exactly once when the arena closes, with expired=true
	// when the safety timeout forced the close.
	OnClosed func(expired bool)
}

// NewArena opens an arena for the named targets. An empty target list
// still opens (free-form rolls); it closes only on timeout or Close.
func NewArena(targets []string) *Arena {
	a := &Arena{
		targets: make(map[string]bool, len(targets)),
		open:    true,
	}
	for _, name := range targets {
		a.targets[name] = false
	}
	a.warnTimer = time.AfterFunc(WarnAfter, func() {
		a.mu.Lock()
		warn := a.open && a.OnWarning != nil
		fn := a.OnWarning
		a.mu.Unlock()
		if warn {
			fn()
		}
	})
	a.closeTimer = time.AfterFunc(CloseAfter, func() {
		a.close(true)
	})
	return a
}

// Active reports whether the arena is still open.
func (a *Arena) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Pending returns the targets that still owe a settled roll.
func (a *Arena) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name, done := range a.targets {
		if !done {
			out = append(out, name)
		}
	}
	return out
}

// RollSettled records a settled roll for the named participant. A roll
// from someone outside the target set is allowed but does not clear the
// gate of other participants. When the last target settles, the grace
// countdown starts.
func (a *Arena) RollSettled(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return
	}
	if _, targeted := a.targets[name]; targeted {
		a.targets[name] = true
	}
	if len(a.targets) == 0 {
		return
	}
	for _, done := range a.targets {
		if !done {
			return
		}
	}
	if a.graceTimer == nil {
		a.graceTimer = time.AfterFunc(CloseGrace, func() {
			a.close(false)
		})
	}
}

// Close shuts the arena down immediately.
func (a *Arena) Close() {
	a.close(false)
}

func (a *Arena) close(expired bool) {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return
	}
	a.open = false
	stop(a.warnTimer)
	stop(a.closeTimer)
	stop(a.graceTimer)
	fn := a.OnClosed
	a.mu.Unlock()
	if fn != nil {
		fn(expired)
	}
}

func stop(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
