// Package validator holds one signing identity and the liveness and trust
// metrics the quorum service ranks it by.
package validator

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-core/bridgeCore/constant"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
)

const (
	// penaltyPerIdleMinute is subtracted from reputation for every whole
	// minute since the last heartbeat once the node is unresponsive
	penaltyPerIdleMinute = 5.0
	maxReputation        = 100.0
)

// Node is a validator identity with atomically maintained counters.
// Reputation is derived on every read and never stored.
type Node struct {
	id               string
	signer           Signer
	publicKey        []byte // pinned at registration
	clock            clock.Clock
	heartbeatTimeout time.Duration
	logger           zerolog.Logger

	active        atomic.Bool
	lastHeartbeat atomic.Int64 // unix nanos
	successful    atomic.Uint64
	failed        atomic.Uint64
}

// Option configures a Node
type Option func(*Node)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithHeartbeatTimeout sets the responsiveness window
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.heartbeatTimeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// NewNode creates an active node whose first heartbeat is now.
func NewNode(id string, signer Signer, opts ...Option) *Node {
	n := &Node{
		id:               id,
		signer:           signer,
		publicKey:        signer.PublicKey(),
		clock:            clock.New(),
		heartbeatTimeout: constant.DefaultHeartbeatTimeout,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With().Str("component", "validator").Str("validator", id).Logger()
	n.active.Store(true)
	n.lastHeartbeat.Store(n.clock.Now().UnixNano())
	return n
}

func (n *Node) ID() string { return n.id }

func (n *Node) PublicKey() []byte { return n.publicKey }

func (n *Node) Algorithm() string { return n.signer.Algorithm() }

// SignTransaction signs data and counts the attempt. A signer that outlives
// ctx is abandoned and the attempt counts as a failure; its late result is
// discarded. A signature that does not verify against the pinned public key
// is a failure too, whatever the signer reported.
func (n *Node) SignTransaction(ctx context.Context, data []byte) ([]byte, error) {
	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := n.signer.Sign(ctx, data)
		done <- result{sig: sig, err: err}
	}()

	select {
	case <-ctx.Done():
		n.failed.Add(1)
		n.logger.Warn().Err(ctx.Err()).Msg("signing abandoned")
		return nil, bcerrors.NewTimeoutError("", "validator "+n.id+" did not sign in time").
			WithContext("validator_id", n.id)
	case r := <-done:
		if r.err != nil {
			n.failed.Add(1)
			n.logger.Warn().Err(r.err).Msg("signing failed")
			return nil, bcerrors.NewInternalError("", "validator "+n.id+" failed to sign", r.err).
				WithContext("validator_id", n.id)
		}
		if !Verify(n.signer.Algorithm(), data, r.sig, n.publicKey) {
			n.failed.Add(1)
			err := bcerrors.NewInvalidSignatureError(n.id, nil)
			n.logger.Error().Err(err).Msg("signer returned a signature that does not verify")
			return nil, err
		}
		n.successful.Add(1)
		return r.sig, nil
	}
}

// VerifySignature checks sig over data against pubKey with this node's algorithm.
func (n *Node) VerifySignature(data, sig, pubKey []byte) bool {
	return Verify(n.signer.Algorithm(), data, sig, pubKey)
}

// SendHeartbeat records that the node is alive.
func (n *Node) SendHeartbeat() {
	n.lastHeartbeat.Store(n.clock.Now().UnixNano())
}

func (n *Node) LastHeartbeat() time.Time {
	return time.Unix(0, n.lastHeartbeat.Load()).UTC()
}

// IsResponsive reports whether the last heartbeat is within the timeout.
func (n *Node) IsResponsive() bool {
	return n.idle() < n.heartbeatTimeout
}

func (n *Node) IsActive() bool { return n.active.Load() }

func (n *Node) SetActive(active bool) {
	if n.active.Swap(active) != active {
		n.logger.Info().Bool("active", active).Msg("validator activity changed")
	}
}

// Eligible reports whether the node may be asked to sign.
func (n *Node) Eligible() bool {
	return n.IsActive() && n.IsResponsive() && n.Reputation() > 0
}

// Reputation scores the node in [0, 100] from its signing success rate less
// an inactivity penalty.
func (n *Node) Reputation() float64 {
	ok := n.successful.Load()
	fail := n.failed.Load()

	rate := 1.0
	if total := ok + fail; total > 0 {
		rate = float64(ok) / float64(total)
	}
	score := rate * maxReputation

	if idle := n.idle(); idle > n.heartbeatTimeout {
		score -= penaltyPerIdleMinute * math.Floor(idle.Minutes())
	}

	if score < 0 {
		return 0
	}
	if score > maxReputation {
		return maxReputation
	}
	return score
}

func (n *Node) idle() time.Duration {
	return n.clock.Now().Sub(time.Unix(0, n.lastHeartbeat.Load()))
}

// Stats is a point-in-time view of a node
type Stats struct {
	ID            string    `json:"id"`
	Algorithm     string    `json:"algorithm"`
	Active        bool      `json:"active"`
	Responsive    bool      `json:"responsive"`
	Reputation    float64   `json:"reputation"`
	Successful    uint64    `json:"successful"`
	Failed        uint64    `json:"failed"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (n *Node) Stats() Stats {
	return Stats{
		ID:            n.id,
		Algorithm:     n.signer.Algorithm(),
		Active:        n.IsActive(),
		Responsive:    n.IsResponsive(),
		Reputation:    n.Reputation(),
		Successful:    n.successful.Load(),
		Failed:        n.failed.Load(),
		LastHeartbeat: n.LastHeartbeat(),
	}
}
