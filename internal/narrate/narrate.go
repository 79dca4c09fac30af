// Package narrate wraps the external narration capability: produce
// narration text for a prompt plus history, or fail. Several quality
// tiers exist; the Ladder tries them in fixed capability-descending
// order because any single tier may be rate-limited or unavailable.
package narrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Role tags a history entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one entry of the ordered conversation history.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is one narration call.
type Request struct {
	Prompt  string    `json:"prompt"`
	History []Message `json:"history"`
}

// Response carries the generated text and which tier produced it.
type Response struct {
	Text      string `json:"text"`
	UsedModel string `json:"usedModel"`
}

// ErrNoTiers indicates a ladder with no configured tiers.
var ErrNoTiers = errors.New("no narration tiers configured")

// Service generates narration text or fails.
type Service interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Tier is one quality level in the fallback ladder.
type Tier struct {
	Name    string
	Service Service
}

// Ladder tries each tier in order and stops at the first success. When
// every tier fails it returns the last error; the caller must keep the
// round open for retry rather than dropping it.
type Ladder struct {
	tiers []Tier
	log   *logrus.Logger
}

// NewLadder builds a ladder from ordered tiers, best first.
func NewLadder(log *logrus.Logger, tiers ...Tier) *Ladder {
	if log == nil {
		log = logrus.New()
	}
	return &Ladder{tiers: tiers, log: log}
}

// Generate walks the ladder.
func (l *Ladder) Generate(ctx context.Context, req Request) (Response, error) {
	if len(l.tiers) == 0 {
		return Response{}, ErrNoTiers
	}

	var lastErr error
	for _, tier := range l.tiers {
		resp, err := tier.Service.Generate(ctx, req)
		if err == nil {
			resp.UsedModel = tier.Name
			return resp, nil
		}
		lastErr = err
		l.log.WithError(err).WithField("tier", tier.Name).Warn("narration tier failed, falling back")
	}
	return Response{}, fmt.Errorf("all narration tiers failed: %w", lastErr)
}
