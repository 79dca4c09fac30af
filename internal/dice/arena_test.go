package dice

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArenaTracksPendingTargets(t *testing.T) {
	a := NewArena([]string{"Alice", "Bob"})
	defer a.Close()

	assert.True(t, a.Active())
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, a.Pending())

	a.RollSettled("Alice")
	assert.ElementsMatch(t, []string{"Bob"}, a.Pending())

	// A roll from someone outside the target set clears nothing.
	a.RollSettled("Mallory")
	assert.ElementsMatch(t, []string{"Bob"}, a.Pending())
}

func TestArenaStaysOpenDuringGrace(t *testing.T) {
	a := NewArena([]string{"Alice"})
	defer a.Close()

	a.RollSettled("Alice")
	assert.Empty(t, a.Pending())
	assert.True(t, a.Active(), "arena closes only after the grace period")
}

func TestArenaCloseFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var closes []bool

	a := NewArena([]string{"Alice"})
	a.OnClosed = func(expired bool) {
		mu.Lock()
		closes = append(closes, expired)
		mu.Unlock()
	}

	a.Close()
	a.Close()
	a.RollSettled("Alice")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false}, closes)
	assert.False(t, a.Active())
}

func TestArenaEmptyTargetsStaysOpen(t *testing.T) {
	a := NewArena(nil)
	defer a.Close()

	a.RollSettled("Alice")
	assert.True(t, a.Active(), "free-form arena closes only on timeout or Close")
}
