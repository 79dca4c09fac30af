// Package dice implements the replicated dice-roll protocol: the
// initiating client is the sole authority for the numeric result, and
// every other client replays the same rolling-then-settle presentation
// landing on that result.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a die from the fixed enumerable set.
type Kind string

const (
	D4   Kind = "D4"
	D6   Kind = "D6"
	D8   Kind = "D8"
	D10  Kind = "D10"
	D12  Kind = "D12"
	D20  Kind = "D20"
	D100 Kind = "D100"
)

// ErrUnknownKind indicates a dice kind outside the fixed set.
var ErrUnknownKind = errors.New("unknown dice kind")

// Faces returns the number of faces for the kind, or an error for
// kinds outside the fixed set.
func (k Kind) Faces() (int, error) {
	switch k {
	case D4:
		return 4, nil
	case D6:
		return 6, nil
	case D8:
		return 8, nil
	case D10:
		return 10, nil
	case D12:
		return 12, nil
	case D20:
		return 20, nil
	case D100:
		return 100, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// ParseKind validates a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, err := k.Faces(); err != nil {
		return "", err
	}
	return k, nil
}

// Roll is one roll instance in the active set. Result is fixed at
// creation time on the resolving client and never recomputed by
// receivers; Rolling is a purely presentational flag.
type Roll struct {
	ID      string    `json:"id"`
	OwnerID uuid.UUID `json:"ownerId"`
	Kind    Kind      `json:"kind"`
	Result  int       `json:"result"`
	Rolling bool      `json:"rolling"`
}

// Roller resolves rolls locally. The zero value is not usable; construct
// with NewRoller.
type Roller struct {
	rng *rand.Rand
	now func() time.Time
}

// NewRoller creates a roller seeded from the wall clock.
func NewRoller() *Roller {
	return NewSeededRoller(time.Now().UnixNano())
}

// NewSeededRoller creates a deterministic roller for tests.
func NewSeededRoller(seed int64) *Roller {
	return &Roller{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// NewRoll draws a uniform result in [1, faces] and assigns a roll ID
// unique to (client, timestamp). The roll starts in the rolling state.
func (r *Roller) NewRoll(origin string, owner uuid.UUID, kind Kind) (*Roll, error) {
	faces, err := kind.Faces()
	if err != nil {
		return nil, err
	}
	return &Roll{
		ID:      fmt.Sprintf("%s-%d", origin, r.now().UnixNano()),
		OwnerID: owner,
		Kind:    kind,
		Result:  r.rng.Intn(faces) + 1,
		Rolling: true,
	}, nil
}
