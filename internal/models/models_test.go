package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsReadyHostIsImplicit(t *testing.T) {
	host := Participant{Role: RoleHost}
	assert.True(t, host.IsReady())

	player := Participant{Role: RolePlayer}
	assert.False(t, player.IsReady())

	player.Ready = true
	assert.True(t, player.IsReady())
}

func TestNewChatEventID(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)
	assert.Equal(t, "origin-1700000000123456789", NewChatEventID("origin", at))
}

func TestNewChatEventIDDistinctWithinMillisecond(t *testing.T) {
	base := time.Unix(0, 1700000000123000000)
	a := NewChatEventID("origin", base)
	b := NewChatEventID("origin", base.Add(time.Microsecond))
	assert.NotEqual(t, a, b, "events inside the same millisecond keep distinct IDs")
}
