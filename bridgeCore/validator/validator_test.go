package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

// scriptedSigner fails, stalls or corrupts on demand
type scriptedSigner struct {
	Signer
	fail    bool
	corrupt bool
	stall   chan struct{}
}

func (s *scriptedSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if s.stall != nil {
		<-s.stall
	}
	if s.fail {
		return nil, errors.New("hsm unavailable")
	}
	if s.corrupt {
		return []byte{0xde, 0xad, 0xbe, 0xef}, nil
	}
	return s.Signer.Sign(ctx, data)
}

func newSigner(t *testing.T, alg string) Signer {
	t.Helper()
	s, _, err := GenerateSigner(alg)
	require.NoError(t, err)
	return s
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte("bridge transfer 10.5 0xA1 -> 0xB2")

	for _, alg := range []string{AlgorithmECDSAP256, AlgorithmSecp256k1} {
		t.Run(alg, func(t *testing.T) {
			s := newSigner(t, alg)
			other := newSigner(t, alg)

			sig, err := s.Sign(context.Background(), payload)
			require.NoError(t, err)

			assert.True(t, Verify(alg, payload, sig, s.PublicKey()))
			assert.False(t, Verify(alg, []byte("tampered"), sig, s.PublicKey()))
			assert.False(t, Verify(alg, payload, sig, other.PublicKey()))
			assert.False(t, Verify(alg, payload, sig[:len(sig)-1], s.PublicKey()))
			assert.False(t, Verify(alg, payload, sig, []byte{0x02, 0x01}))
		})
	}

	t.Run("unknown algorithm", func(t *testing.T) {
		s := newSigner(t, AlgorithmECDSAP256)
		sig, err := s.Sign(context.Background(), payload)
		require.NoError(t, err)
		assert.False(t, Verify("ed25519", payload, sig, s.PublicKey()))
	})

	t.Run("cross algorithm", func(t *testing.T) {
		s := newSigner(t, AlgorithmSecp256k1)
		sig, err := s.Sign(context.Background(), payload)
		require.NoError(t, err)
		assert.False(t, Verify(AlgorithmECDSAP256, payload, sig, s.PublicKey()))
	})
}

func TestSignerFromHex(t *testing.T) {
	for _, alg := range []string{AlgorithmECDSAP256, AlgorithmSecp256k1} {
		t.Run(alg, func(t *testing.T) {
			generated, privHex, err := GenerateSigner(alg)
			require.NoError(t, err)

			loaded, err := NewSignerFromHex(alg, "0x"+privHex)
			require.NoError(t, err)
			assert.Equal(t, generated.PublicKey(), loaded.PublicKey())
			assert.Equal(t, alg, loaded.Algorithm())
		})
	}

	_, err := NewSignerFromHex(AlgorithmECDSAP256, "zz")
	assert.Error(t, err)
	_, err = NewSignerFromHex(AlgorithmECDSAP256, "00")
	assert.Error(t, err)
	_, err = NewSignerFromHex("rsa", "01")
	assert.Error(t, err)

	s, err := NewSignerFromHex("", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmECDSAP256, s.Algorithm(), "empty algorithm defaults to p256")
}

func TestSecp256k1Address(t *testing.T) {
	s, err := NewSecp256k1SignerFromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address())
}

func TestNode_SignCountsAttempts(t *testing.T) {
	signer := &scriptedSigner{Signer: newSigner(t, AlgorithmECDSAP256)}
	n := NewNode("1", signer, WithClock(clock.NewMock()))
	payload := []byte("payload")

	sig, err := n.SignTransaction(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, n.VerifySignature(payload, sig, n.PublicKey()))

	signer.fail = true
	_, err = n.SignTransaction(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, bcerrors.IsCode(err, bcerrors.ErrCodeInternal))

	st := n.Stats()
	assert.Equal(t, uint64(1), st.Successful)
	assert.Equal(t, uint64(1), st.Failed)
	assert.InDelta(t, 50.0, n.Reputation(), 0.0001)
}

func TestNode_InvalidSignatureCountsAsFailure(t *testing.T) {
	signer := &scriptedSigner{Signer: newSigner(t, AlgorithmSecp256k1), corrupt: true}
	n := NewNode("7", signer, WithClock(clock.NewMock()))

	sig, err := n.SignTransaction(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Nil(t, sig)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrInvalidSignature))
	assert.True(t, bcerrors.IsSecurityRelevant(err))

	st := n.Stats()
	assert.Zero(t, st.Successful)
	assert.Equal(t, uint64(1), st.Failed)
	assert.Zero(t, n.Reputation())
	assert.False(t, n.Eligible())
}

func TestNode_SignTimeout(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	n := NewNode("2", &scriptedSigner{Signer: newSigner(t, AlgorithmECDSAP256), stall: stall})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := n.SignTransaction(ctx, []byte("payload"))
	require.Error(t, err)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrTimeout))
	assert.Equal(t, uint64(1), n.Stats().Failed)
}

func TestNode_Responsiveness(t *testing.T) {
	clk := clock.NewMock()
	n := NewNode("3", newSigner(t, AlgorithmECDSAP256), WithClock(clk), WithHeartbeatTimeout(5*time.Minute))

	assert.True(t, n.IsResponsive())

	clk.Add(4*time.Minute + 59*time.Second)
	assert.True(t, n.IsResponsive())

	clk.Add(time.Second)
	assert.False(t, n.IsResponsive(), "exactly the timeout is no longer responsive")

	n.SendHeartbeat()
	assert.True(t, n.IsResponsive())
	assert.Equal(t, clk.Now().UTC(), n.LastHeartbeat())
}

func TestNode_Reputation(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		idle      time.Duration
		want      float64
	}{
		{name: "no attempts", want: 100},
		{name: "all good", successes: 10, want: 100},
		{name: "three quarters", successes: 3, failures: 1, want: 75},
		{name: "idle within window", idle: 4 * time.Minute, want: 100},
		{name: "idle at window", idle: 5 * time.Minute, want: 100},
		{name: "idle six and a half minutes", idle: 6*time.Minute + 30*time.Second, want: 70},
		{name: "failures and idle", successes: 1, failures: 1, idle: 6 * time.Minute, want: 20},
		{name: "long idle clamps to zero", idle: 25 * time.Minute, want: 0},
		{name: "all failed", failures: 4, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock()
			signer := &scriptedSigner{Signer: newSigner(t, AlgorithmSecp256k1)}
			n := NewNode("v", signer, WithClock(clk))

			for i := 0; i < tt.successes; i++ {
				_, err := n.SignTransaction(context.Background(), []byte("x"))
				require.NoError(t, err)
			}
			signer.fail = true
			for i := 0; i < tt.failures; i++ {
				_, _ = n.SignTransaction(context.Background(), []byte("x"))
			}

			clk.Add(tt.idle)
			got := n.Reputation()
			assert.InDelta(t, tt.want, got, 0.0001)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		})
	}
}

func TestNode_Eligible(t *testing.T) {
	clk := clock.NewMock()
	n := NewNode("4", newSigner(t, AlgorithmECDSAP256), WithClock(clk))
	assert.True(t, n.Eligible())

	n.SetActive(false)
	assert.False(t, n.Eligible())
	n.SetActive(true)

	clk.Add(6 * time.Minute)
	assert.False(t, n.Eligible(), "unresponsive")
}
