package config

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/game")
	t.Setenv("PARTICIPANT_NAME", "Alice")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:8378", cfg.ListenAddr)
	assert.Equal(t, uuid.Nil, cfg.SessionID, "no SESSION_ID means host a new session")
	assert.Equal(t, "player", cfg.ParticipantRole)
	assert.True(t, cfg.AIGameMaster)
	assert.Equal(t, []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}, cfg.NarrateModels)
	assert.Equal(t, 4, cfg.MaxParticipants)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("PARTICIPANT_NAME", "Alice")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadParsesSessionID(t *testing.T) {
	setRequiredEnv(t)
	id := uuid.New()
	t.Setenv("SESSION_ID", id.String())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, id, cfg.SessionID)
}

func TestLoadRejectsBadSessionID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_ID", "not-a-uuid")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PARTICIPANT_ROLE", "wizard")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadHumanGMNeedsName(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GM_MODE", "human")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("GM_NAME", "Greta")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.AIGameMaster)
	assert.Equal(t, "Greta", cfg.GMName)
}

func TestLoadSplitsNarrateModels(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NARRATE_MODELS", " pro , flash ,, lite ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"pro", "flash", "lite"}, cfg.NarrateModels)
}
