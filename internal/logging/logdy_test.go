package logging

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch-service/internal/config"
)

func TestStartLogdy_InvalidPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		w, url, err := StartLogdy(config.LogConfig{LogdyHost: "127.0.0.1", LogdyPort: port})
		assert.Error(t, err, port)
		assert.Nil(t, w)
		assert.Empty(t, url)
	}
}

func TestStartLogdy_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	_, _, err = StartLogdy(config.LogConfig{LogdyHost: "127.0.0.1", LogdyPort: port})
	assert.ErrorContains(t, err, "unavailable")
}

func TestSetup_LogdyFailureKeepsLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	Setup(config.LogConfig{Level: "debug", LogdyEnabled: true, LogdyHost: "127.0.0.1", LogdyPort: -5})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
