package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-core/bridgeCore/api"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	"github.com/pushchain/bridge-core/bridgeCore/validator"
)

func TestNewBridgeNode_Validators(t *testing.T) {
	tn := newTestNode(t, 7)
	assert.Equal(t, 7, tn.Quorum().Registry().Len())
	assert.Equal(t, 7, tn.Quorum().ActiveValidators())
	assert.Equal(t, 4, tn.Quorum().Threshold())

	n, ok := tn.Quorum().Registry().Get("2")
	require.True(t, ok)
	assert.Equal(t, validator.AlgorithmSecp256k1, n.Algorithm())
}

func TestNewBridgeNode_RejectsBadValidatorKey(t *testing.T) {
	cfg := config.Config{
		NodeHome:   t.TempDir(),
		Validators: []config.ValidatorConfig{{ID: "1", Algorithm: validator.AlgorithmSecp256k1, PrivateKeyHex: "zz"}},
	}
	_, err := NewBridgeNode(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validator 1")
}

func TestNewBridgeNode_DuplicateValidator(t *testing.T) {
	s, priv, err := validator.GenerateSigner(validator.AlgorithmECDSAP256)
	require.NoError(t, err)
	cfg := config.Config{
		NodeHome:   t.TempDir(),
		Validators: []config.ValidatorConfig{{ID: "1", PrivateKeyHex: priv}},
	}
	_, err = NewBridgeNode(cfg, zerolog.Nop(), WithSigner("1", s))
	assert.Error(t, err)
}

func TestNewBridgeNode_Database(t *testing.T) {
	t.Run("sqlite file under node home", func(t *testing.T) {
		home := t.TempDir()
		node, err := NewBridgeNode(config.Config{NodeHome: home}, zerolog.Nop())
		require.NoError(t, err)
		assert.FileExists(t, home+"/databases/bridge.db")
		require.NoError(t, node.Stop())
	})

	t.Run("unsupported driver", func(t *testing.T) {
		_, err := NewBridgeNode(config.Config{Database: config.DatabaseConfig{Driver: "mongodb"}}, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database driver")
	})
}

func TestBridgeNode_StartStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tn := newTestNode(t, 7)
	tn.cfg.OpsServerPort = port
	tn.ops = api.NewServer(zerolog.Nop(), port, tn.chains, tn.quorum, tn.registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tn.Start(ctx))
	assert.ElementsMatch(t, []string{sourceChain, targetChain}, tn.Chains().ChainIDs())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, 7, health.Validators.Active)
	assert.True(t, health.Validators.Quorum)

	metricsResp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	require.NoError(t, tn.Stop())
	assert.Empty(t, tn.Chains().ChainIDs())
}
