// Package models defines the shared domain records for a tabletop session.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session room.
type SessionStatus string

const (
	// SessionWaiting indicates the room is in the pre-game lobby.
	SessionWaiting SessionStatus = "waiting"

	// SessionPlaying indicates the host has started the session.
	SessionPlaying SessionStatus = "playing"

	// SessionSaved indicates a quorum exit vote passed and the session was persisted.
	SessionSaved SessionStatus = "saved"
)

// GMKind identifies who narrates the session.
type GMKind string

const (
	// GMAI means an AI model produces the narration turns.
	GMAI GMKind = "ai"

	// GMHuman means a human participant narrates.
	GMHuman GMKind = "human"
)

// Session is one shared game instance (a "room").
type Session struct {
	ID              uuid.UUID     `json:"id"`
	HostID          uuid.UUID     `json:"hostId"`
	Status          SessionStatus `json:"status"`
	GMKind          GMKind        `json:"gmKind"`
	MaxParticipants int           `json:"maxParticipants"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Role identifies a participant's relationship to the session.
type Role string

const (
	RoleHost      Role = "host"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Participant is a human attached to a session.
type Participant struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Ready       bool      `json:"ready"`
	Role        Role      `json:"role"`
}

// IsReady reports effective readiness; the host is implicitly ready.
func (p Participant) IsReady() bool {
	return p.Ready || p.Role == RoleHost
}

// ChatChannel selects which conversation a chat event belongs to.
type ChatChannel string

const (
	// ChannelParty carries free-form player chatter; it never consumes a turn.
	ChannelParty ChatChannel = "party"

	// ChannelGM carries the narrated story exchange.
	ChannelGM ChatChannel = "gm"
)

// ChatKind classifies the author of a chat event.
type ChatKind string

const (
	ChatUser     ChatKind = "user"
	ChatNarrator ChatKind = "narrator"
	ChatSystem   ChatKind = "system"
)

// ChatEvent is an immutable chat message. The ID is assigned client-side
// at creation time and must be unique enough to dedupe across clients.
type ChatEvent struct {
	ID        string      `json:"id"`
	SenderID  uuid.UUID   `json:"senderId"`
	Channel   ChatChannel `json:"channel"`
	Kind      ChatKind    `json:"kind"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewChatEventID composes a chat event identity from the originating
// client tag and a creation timestamp. Nanosecond granularity keeps
// two events authored back to back from sharing an ID, which would
// make the receivers' dedup drop the second one.
func NewChatEventID(origin string, at time.Time) string {
	return fmt.Sprintf("%s-%d", origin, at.UnixNano())
}

// TokenPosition is the board position of a single scene token.
type TokenPosition struct {
	TokenID string  `json:"tokenId"`
	Kind    string  `json:"kind"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}
