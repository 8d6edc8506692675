// Package quorum turns an unsigned transfer into a quorum-authorized one by
// collecting signatures from the most reputable active validators.
package quorum

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pushchain/bridge-core/bridgeCore/constant"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/events"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/store"
	"github.com/pushchain/bridge-core/bridgeCore/validator"
)

// Quorum outcomes recorded in metrics
const (
	OutcomeReached      = "reached"
	OutcomeFailed       = "failed"
	OutcomeInsufficient = "insufficient"
)

type Config struct {
	Threshold           int
	SignTimeout         time.Duration
	HealthCheckInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = constant.DefaultQuorumThreshold
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = 2 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
}

// Signature is one validator's signature over a signing payload.
type Signature struct {
	ValidatorID string
	Algorithm   string
	Signature   []byte
}

// Result is the outcome of a quorum round. When quorum fails it still holds
// the signatures that were collected.
type Result struct {
	TransactionID string
	Reached       bool
	Threshold     int
	Selected      []string
	Signatures    []Signature
	// Failures maps validator ID to why it did not contribute
	Failures map[string]string
}

// SignerIDs returns the IDs of validators whose signatures verified.
func (r *Result) SignerIDs() []string {
	ids := make([]string, 0, len(r.Signatures))
	for _, s := range r.Signatures {
		ids = append(ids, s.ValidatorID)
	}
	return ids
}

// Evidence renders the signatures as "<validator_id>:<hex>" for the audit log.
func (r *Result) Evidence() []string {
	out := make([]string, 0, len(r.Signatures))
	for _, s := range r.Signatures {
		out = append(out, s.ValidatorID+":"+hex.EncodeToString(s.Signature))
	}
	return out
}

// Service runs quorum rounds and the validator health loop.
type Service struct {
	registry *Registry
	cfg      Config
	metrics  *metrics.Metrics
	emitter  events.Emitter
	clock    clock.Clock
	logger   zerolog.Logger

	// validators this service deactivated for missing heartbeats
	deactivatedMu sync.Mutex
	deactivated   map[string]bool

	muRunning sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewService(registry *Registry, cfg Config, m *metrics.Metrics, emitter events.Emitter, clk clock.Clock, logger zerolog.Logger) *Service {
	cfg.setDefaults()
	if emitter == nil {
		emitter = events.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		registry:    registry,
		cfg:         cfg,
		metrics:     m,
		emitter:     emitter,
		clock:       clk,
		logger:      logger.With().Str("component", "quorum").Logger(),
		deactivated: make(map[string]bool),
	}
}

func (s *Service) Threshold() int { return s.cfg.Threshold }

func (s *Service) Registry() *Registry { return s.registry }

// ActiveValidators counts validators currently eligible to sign.
func (s *Service) ActiveValidators() int { return len(s.registry.Active()) }

// ValidateTransaction asks the top validators by reputation to sign tx and
// succeeds once at least Threshold signatures verify. Fewer eligible
// validators than the threshold fails fast with InsufficientValidators.
func (s *Service) ValidateTransaction(ctx context.Context, tx *store.BridgeTransaction) (*Result, error) {
	result := &Result{
		TransactionID: tx.ID,
		Threshold:     s.cfg.Threshold,
		Failures:      make(map[string]string),
	}

	active := s.registry.Active()
	if len(active) < s.cfg.Threshold {
		s.metrics.RecordQuorumOutcome(OutcomeInsufficient)
		s.logger.Warn().
			Str("tx_id", tx.ID).
			Int("active", len(active)).
			Int("threshold", s.cfg.Threshold).
			Msg("not enough active validators for quorum")
		return result, bcerrors.NewInsufficientValidatorsError(len(active), s.cfg.Threshold).
			WithContext("tx_id", tx.ID)
	}

	selected := selectTop(active, s.cfg.Threshold)
	for _, n := range selected {
		result.Selected = append(result.Selected, n.ID())
	}

	payload := tx.SigningPayload()
	sigs := make([][]byte, len(selected))
	errs := make([]error, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range selected {
		i, n := i, n
		g.Go(func() error {
			signCtx, cancel := context.WithTimeout(gctx, s.cfg.SignTimeout)
			defer cancel()
			// a failed validator only loses this round
			sigs[i], errs[i] = n.SignTransaction(signCtx, payload)
			return nil
		})
	}
	_ = g.Wait()

	for i, n := range selected {
		if errs[i] != nil {
			result.Failures[n.ID()] = errs[i].Error()
			continue
		}
		if !validator.Verify(n.Algorithm(), payload, sigs[i], n.PublicKey()) {
			err := bcerrors.NewInvalidSignatureError(n.ID(), nil)
			result.Failures[n.ID()] = err.Error()
			s.logger.Error().Err(err).Str("tx_id", tx.ID).Str("validator", n.ID()).Msg("discarding invalid signature")
			continue
		}
		result.Signatures = append(result.Signatures, Signature{
			ValidatorID: n.ID(),
			Algorithm:   n.Algorithm(),
			Signature:   sigs[i],
		})
	}

	if len(result.Signatures) < s.cfg.Threshold {
		s.metrics.RecordQuorumOutcome(OutcomeFailed)
		s.logger.Warn().
			Str("tx_id", tx.ID).
			Int("valid", len(result.Signatures)).
			Int("threshold", s.cfg.Threshold).
			Interface("failures", result.Failures).
			Msg("quorum not reached")
		return result, bcerrors.NewQuorumFailedError(len(result.Signatures), s.cfg.Threshold).
			WithContext("tx_id", tx.ID).
			WithContext("signers", result.SignerIDs())
	}

	result.Reached = true
	s.metrics.RecordQuorumOutcome(OutcomeReached)
	s.logger.Info().
		Str("tx_id", tx.ID).
		Strs("signers", result.SignerIDs()).
		Msg("quorum reached")
	return result, nil
}

// selectTop orders by reputation descending, then by ID, and keeps the first k.
func selectTop(nodes []*validator.Node, k int) []*validator.Node {
	type ranked struct {
		node       *validator.Node
		reputation float64
	}
	rs := make([]ranked, len(nodes))
	for i, n := range nodes {
		rs[i] = ranked{node: n, reputation: n.Reputation()}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].reputation != rs[j].reputation {
			return rs[i].reputation > rs[j].reputation
		}
		return lessID(rs[i].node.ID(), rs[j].node.ID())
	})
	if k > len(rs) {
		k = len(rs)
	}
	out := make([]*validator.Node, k)
	for i := 0; i < k; i++ {
		out[i] = rs[i].node
	}
	return out
}

// CountValidSignatures re-verifies sigs against the registered public keys.
// Each validator counts once; unknown validators and bad signatures count zero.
func (s *Service) CountValidSignatures(payload []byte, sigs []Signature) int {
	seen := make(map[string]bool, len(sigs))
	valid := 0
	for _, sig := range sigs {
		if seen[sig.ValidatorID] {
			continue
		}
		n, ok := s.registry.Get(sig.ValidatorID)
		if !ok {
			continue
		}
		if !validator.Verify(n.Algorithm(), payload, sig.Signature, n.PublicKey()) {
			s.logger.Warn().Str("validator", sig.ValidatorID).Msg("signature failed re-verification")
			continue
		}
		seen[sig.ValidatorID] = true
		valid++
	}
	return valid
}

// VerifyMultiSignature reports whether sigs hold a quorum of valid
// signatures over tx.
func (s *Service) VerifyMultiSignature(tx *store.BridgeTransaction, sigs []Signature) bool {
	return s.CountValidSignatures(tx.SigningPayload(), sigs) >= s.cfg.Threshold
}

// CheckHealth deactivates validators that missed their heartbeat window,
// reactivates ones this service deactivated once they heartbeat again,
// refreshes gauges and raises QuorumAtRisk when too few remain eligible.
// It returns the eligible count.
func (s *Service) CheckHealth() int {
	var (
		active   int
		inactive []string
	)

	s.deactivatedMu.Lock()
	for _, n := range s.registry.List() {
		responsive := n.IsResponsive()
		switch {
		case n.IsActive() && !responsive:
			n.SetActive(false)
			s.deactivated[n.ID()] = true
			s.logger.Warn().Str("validator", n.ID()).Time("last_heartbeat", n.LastHeartbeat()).Msg("validator unresponsive; marked inactive")
		case !n.IsActive() && responsive && s.deactivated[n.ID()]:
			n.SetActive(true)
			delete(s.deactivated, n.ID())
			s.logger.Info().Str("validator", n.ID()).Msg("validator heartbeat resumed; reactivated")
		}

		rep := n.Reputation()
		s.metrics.SetValidatorReputation(n.ID(), rep)
		if n.Eligible() {
			active++
		} else {
			inactive = append(inactive, n.ID())
		}
	}
	s.deactivatedMu.Unlock()

	s.metrics.SetActiveValidators(active)
	if active < s.cfg.Threshold {
		s.emitter.Emit(events.QuorumAtRisk{
			ActiveCount: active,
			Threshold:   s.cfg.Threshold,
			Inactive:    inactive,
			At:          s.clock.Now().UTC(),
		})
	}
	return active
}

// Start runs CheckHealth every HealthCheckInterval until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.muRunning.Lock()
	defer s.muRunning.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info().Dur("interval", s.cfg.HealthCheckInterval).Msg("validator health loop started")
}

func (s *Service) Stop() {
	s.muRunning.Lock()
	if !s.running {
		s.muRunning.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.muRunning.Unlock()

	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckHealth()
		}
	}
}
