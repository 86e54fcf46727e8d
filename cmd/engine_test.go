package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txflow/config"
	"txflow/pkg/client"
)

func TestEngineCloseRunsClosersOnceInReverse(t *testing.T) {
	var order []string
	e := &engine{closers: []func(){
		func() { order = append(order, "tracer") },
		func() { order = append(order, "metrics") },
	}}

	e.Close()
	e.Close()

	assert.Equal(t, []string{"metrics", "tracer"}, order)
}

func TestNewBackendHonoursTimeoutsForOneClick(t *testing.T) {
	cfg := &config.Config{
		Backend:       config.BackendOneClick,
		JWTToken:      "jwt",
		QuoteTimeout:  2 * time.Second,
		StatusTimeout: 3 * time.Second,
	}

	backend, err := newBackend(cfg)
	require.NoError(t, err)
	oneClick, ok := backend.(*client.OneClickBackend)
	require.True(t, ok)
	assert.Equal(t, client.Timeouts{Quote: 2 * time.Second, Prepare: 30 * time.Second, Status: 3 * time.Second}, oneClick.Timeouts())
}
