package api

import (
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNewServer(t *testing.T) {
	s := NewServer(zerolog.Nop(), 8080, nil, nil, nil)
	assert.NotNil(t, s.server)
	assert.Equal(t, ":8080", s.server.Addr)
	assert.Equal(t, prometheus.DefaultGatherer, s.gatherer)
}

func TestServerStartStop(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))

	t.Run("serves health", func(t *testing.T) {
		port := freePort(t)
		s := NewServer(logger, port, staticChains{}, staticValidators{7, 4}, prometheus.NewRegistry())
		require.NoError(t, s.Start())
		defer s.Stop()

		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("port in use", func(t *testing.T) {
		ln, err := net.Listen("tcp", ":0")
		require.NoError(t, err)
		defer ln.Close()

		s := NewServer(logger, ln.Addr().(*net.TCPAddr).Port, nil, nil, nil)
		err = s.Start()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to bind")
	})

	t.Run("nil server", func(t *testing.T) {
		s := &Server{logger: logger}
		assert.Error(t, s.Start())
		assert.NoError(t, s.Stop())
	})
}
