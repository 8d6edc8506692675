package quorum

import (
	"context"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/events"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/store"
	"github.com/pushchain/bridge-core/bridgeCore/validator"
)

// garbageSigner claims success with a malformed signature
type garbageSigner struct{ validator.Signer }

func (garbageSigner) Sign(context.Context, []byte) ([]byte, error) {
	return []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

// stalledSigner never answers
type stalledSigner struct{ validator.Signer }

func (stalledSigner) Sign(ctx context.Context, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	clock    *clock.Mock
	registry *Registry
	service  *Service
	bus      *events.Bus
	nodes    map[string]*validator.Node
}

// newFixture registers n validators with IDs "1".."n". wrap may replace the
// signer of selected IDs.
func newFixture(t *testing.T, n int, wrap map[string]func(validator.Signer) validator.Signer) *fixture {
	t.Helper()
	clk := clock.NewMock()
	f := &fixture{
		clock:    clk,
		registry: NewRegistry(),
		bus:      events.NewBus(zerolog.Nop()),
		nodes:    make(map[string]*validator.Node),
	}
	for i := 1; i <= n; i++ {
		id := strconv.Itoa(i)
		alg := validator.AlgorithmECDSAP256
		if i%2 == 0 {
			alg = validator.AlgorithmSecp256k1
		}
		signer, _, err := validator.GenerateSigner(alg)
		require.NoError(t, err)
		if w, ok := wrap[id]; ok {
			signer = w(signer)
		}
		node := validator.NewNode(id, signer, validator.WithClock(clk))
		require.NoError(t, f.registry.Register(node))
		f.nodes[id] = node
	}
	f.service = NewService(f.registry, Config{
		Threshold:           4,
		SignTimeout:         50 * time.Millisecond,
		HealthCheckInterval: time.Minute,
	}, metrics.New(prometheus.NewRegistry()), f.bus, clk, zerolog.Nop())
	return f
}

func transfer() *store.BridgeTransaction {
	return &store.BridgeTransaction{
		ID:            "5f0c6d8e-6f5b-4d8e-9a51-0e7f3d1c2b10",
		Type:          store.TypeSimpleTransfer,
		SourceChain:   "eip155:1",
		TargetChain:   "solana:mainnet",
		SourceAddress: "0xA1",
		TargetAddress: "0xB2",
		Amount:        decimal.RequireFromString("10.5"),
		BridgeFee:     decimal.Zero,
	}
}

func TestValidateTransaction_QuorumReached(t *testing.T) {
	f := newFixture(t, 7, nil)
	tx := transfer()

	res, err := f.service.ValidateTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, res.Reached)
	assert.Equal(t, []string{"1", "2", "3", "4"}, res.Selected)
	assert.Equal(t, []string{"1", "2", "3", "4"}, res.SignerIDs())
	assert.Empty(t, res.Failures)
	assert.Len(t, res.Evidence(), 4)

	assert.True(t, f.service.VerifyMultiSignature(tx, res.Signatures))

	// validators outside the selection were not asked
	assert.Equal(t, uint64(0), f.nodes["5"].Stats().Successful)
}

func TestValidateTransaction_InsufficientValidators(t *testing.T) {
	f := newFixture(t, 7, nil)
	for _, id := range []string{"4", "5", "6", "7"} {
		f.nodes[id].SetActive(false)
	}

	res, err := f.service.ValidateTransaction(context.Background(), transfer())
	require.Error(t, err)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrInsufficientValidators))
	assert.False(t, bcerrors.Is(err, bcerrors.ErrQuorumFailed))
	assert.False(t, res.Reached)
	assert.Empty(t, res.Signatures)

	for _, id := range []string{"1", "2", "3"} {
		st := f.nodes[id].Stats()
		assert.Zero(t, st.Successful+st.Failed, "no partial quorum is attempted")
	}
}

func TestValidateTransaction_MalformedSignatureDoesNotCount(t *testing.T) {
	f := newFixture(t, 7, map[string]func(validator.Signer) validator.Signer{
		"3": func(s validator.Signer) validator.Signer { return garbageSigner{s} },
	})

	res, err := f.service.ValidateTransaction(context.Background(), transfer())
	require.Error(t, err)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrQuorumFailed))
	assert.False(t, res.Reached)
	assert.Equal(t, []string{"1", "2", "4"}, res.SignerIDs(), "partial set kept for audit")
	assert.Contains(t, res.Failures, "3")

	st := f.nodes["3"].Stats()
	assert.Zero(t, st.Successful)
	assert.Equal(t, uint64(1), st.Failed)
	assert.Zero(t, st.Reputation)

	// the faulty validator drops out and the next round reaches quorum without it
	res, err = f.service.ValidateTransaction(context.Background(), transfer())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "4", "5"}, res.SignerIDs())
	assert.Equal(t, 6, f.service.ActiveValidators())
}

func TestValidateTransaction_TimeoutIsOneRoundFailure(t *testing.T) {
	f := newFixture(t, 7, map[string]func(validator.Signer) validator.Signer{
		"2": func(s validator.Signer) validator.Signer { return stalledSigner{s} },
	})

	res, err := f.service.ValidateTransaction(context.Background(), transfer())
	require.Error(t, err)
	assert.True(t, bcerrors.Is(err, bcerrors.ErrQuorumFailed))
	assert.Len(t, res.Signatures, 3)
	assert.Contains(t, res.Failures, "2")
	assert.Equal(t, uint64(1), f.nodes["2"].Stats().Failed)

	// the next round ranks validator 2 last and succeeds without it
	res, err = f.service.ValidateTransaction(context.Background(), transfer())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3", "4", "5"}, res.SignerIDs())
}

func TestValidateTransaction_ParentCancelled(t *testing.T) {
	f := newFixture(t, 7, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.service.ValidateTransaction(ctx, transfer())
	require.Error(t, err)
	assert.False(t, res.Reached)
}

func TestSelectTop_TieBreak(t *testing.T) {
	clk := clock.NewMock()
	var nodes []*validator.Node
	for _, id := range []string{"10", "9", "b", "a", "2"} {
		s, _, err := validator.GenerateSigner(validator.AlgorithmECDSAP256)
		require.NoError(t, err)
		nodes = append(nodes, validator.NewNode(id, s, validator.WithClock(clk)))
	}

	top := selectTop(nodes, 4)
	ids := make([]string, 0, len(top))
	for _, n := range top {
		ids = append(ids, n.ID())
	}
	assert.Equal(t, []string{"2", "9", "10", "a"}, ids)

	assert.Len(t, selectTop(nodes, 10), 5)
}

func TestLessID(t *testing.T) {
	ids := []string{"9a", "a", "10", "b", "9", "010"}
	sort.SliceStable(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	assert.Equal(t, []string{"9", "010", "10", "9a", "a", "b"}, ids)

	assert.False(t, lessID("9a", "10"), "numeric IDs rank before mixed ones")
	assert.True(t, lessID("10", "9a"))
}

func TestVerifyMultiSignature(t *testing.T) {
	f := newFixture(t, 7, nil)
	tx := transfer()

	res, err := f.service.ValidateTransaction(context.Background(), tx)
	require.NoError(t, err)
	sigs := res.Signatures

	t.Run("duplicates count once", func(t *testing.T) {
		dup := []Signature{sigs[0], sigs[0], sigs[0], sigs[1]}
		assert.False(t, f.service.VerifyMultiSignature(tx, dup))
		assert.Equal(t, 2, f.service.CountValidSignatures(tx.SigningPayload(), dup))
	})

	t.Run("signature by another validator's key", func(t *testing.T) {
		forged := append([]Signature{}, sigs[:3]...)
		forged = append(forged, Signature{ValidatorID: "5", Signature: sigs[0].Signature})
		assert.False(t, f.service.VerifyMultiSignature(tx, forged))
	})

	t.Run("unknown validator", func(t *testing.T) {
		extra := append([]Signature{}, sigs[:3]...)
		extra = append(extra, Signature{ValidatorID: "99", Signature: sigs[3].Signature})
		assert.False(t, f.service.VerifyMultiSignature(tx, extra))
	})

	t.Run("different payload", func(t *testing.T) {
		other := transfer()
		other.Amount = decimal.RequireFromString("10.6")
		assert.False(t, f.service.VerifyMultiSignature(other, sigs))
	})
}

func TestCheckHealth(t *testing.T) {
	f := newFixture(t, 7, nil)
	ch, cancel := f.bus.Subscribe(4)
	defer cancel()

	assert.Equal(t, 7, f.service.CheckHealth())
	assert.Len(t, ch, 0)

	f.clock.Add(6 * time.Minute)
	for _, id := range []string{"1", "2", "3"} {
		f.nodes[id].SendHeartbeat()
	}

	assert.Equal(t, 3, f.service.CheckHealth())
	assert.False(t, f.nodes["7"].IsActive())

	require.Len(t, ch, 1)
	ev := (<-ch).(events.QuorumAtRisk)
	assert.Equal(t, 3, ev.ActiveCount)
	assert.Equal(t, 4, ev.Threshold)
	assert.Equal(t, []string{"4", "5", "6", "7"}, ev.Inactive)

	// heartbeat resumes
	f.nodes["4"].SendHeartbeat()
	assert.Equal(t, 4, f.service.CheckHealth())
	assert.True(t, f.nodes["4"].IsActive())

	// an operator-disabled validator stays disabled
	f.nodes["1"].SetActive(false)
	f.service.CheckHealth()
	assert.False(t, f.nodes["1"].IsActive())
}

func TestHealthLoop(t *testing.T) {
	f := newFixture(t, 4, nil)
	ch, cancel := f.bus.Subscribe(4)
	defer cancel()

	f.service.Start(context.Background())
	f.service.Start(context.Background())
	defer f.service.Stop()

	f.nodes["1"].SetActive(false)
	assert.Eventually(t, func() bool {
		f.clock.Add(time.Minute)
		return len(ch) > 0
	}, time.Second, 10*time.Millisecond)

	f.service.Stop()
	f.service.Stop()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s, _, err := validator.GenerateSigner("")
	require.NoError(t, err)

	n := validator.NewNode("1", s)
	require.NoError(t, r.Register(n))
	assert.True(t, bcerrors.IsCode(r.Register(validator.NewNode("1", s)), bcerrors.ErrCodeInvalidInput))
	assert.Error(t, r.Register(nil))

	got, ok := r.Get("1")
	assert.True(t, ok)
	assert.Same(t, n, got)
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Active(), 1)

	assert.True(t, r.Remove("1"))
	assert.False(t, r.Remove("1"))
	assert.Empty(t, r.List())
}
