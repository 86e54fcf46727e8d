package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", true)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Debug().Str("component", "driver").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "driver", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetupLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "nonsense", true)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestSetupConsole(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", false)

	log.Info().Str("chain", "Base").Msg("switched")
	assert.Contains(t, buf.String(), "switched")
	assert.Contains(t, buf.String(), "Base")
}
