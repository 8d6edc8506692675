// Package core wires the bridge components into a runnable node and drives
// transfers through their lifecycle.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-core/bridgeCore/api"
	"github.com/pushchain/bridge-core/bridgeCore/chains"
	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	"github.com/pushchain/bridge-core/bridgeCore/constant"
	"github.com/pushchain/bridge-core/bridgeCore/cron"
	"github.com/pushchain/bridge-core/bridgeCore/db"
	"github.com/pushchain/bridge-core/bridgeCore/events"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
	"github.com/pushchain/bridge-core/bridgeCore/quorum"
	"github.com/pushchain/bridge-core/bridgeCore/store"
	"github.com/pushchain/bridge-core/bridgeCore/swap"
	"github.com/pushchain/bridge-core/bridgeCore/validator"
)

// BridgeNode owns every long-lived component of a bridge deployment.
type BridgeNode struct {
	cfg   config.Config
	log   zerolog.Logger
	clock clock.Clock

	db       *db.DB
	ownsDB   bool
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *events.Bus

	store      *store.Store
	chains     *chains.Chains
	validators *quorum.Registry
	quorum     *quorum.Service
	swaps      *swap.Engine
	processor  *TransferProcessor
	recovery   *cron.RecoveryJob
	ops        *api.Server
}

type nodeOptions struct {
	clock    clock.Clock
	db       *db.DB
	builder  ExecutionBuilder
	adapters []common.ChainAdapter
	signers  map[string]validator.Signer
}

type NodeOption func(*nodeOptions)

// WithNodeClock replaces the wall clock, mainly for tests.
func WithNodeClock(c clock.Clock) NodeOption {
	return func(o *nodeOptions) { o.clock = c }
}

// WithDatabase uses an already opened database. The caller keeps ownership.
func WithDatabase(d *db.DB) NodeOption {
	return func(o *nodeOptions) { o.db = d }
}

func WithExecutionBuilder(b ExecutionBuilder) NodeOption {
	return func(o *nodeOptions) { o.builder = b }
}

// WithAdapters registers initialized adapters in addition to the configured chains.
func WithAdapters(adapters ...common.ChainAdapter) NodeOption {
	return func(o *nodeOptions) { o.adapters = append(o.adapters, adapters...) }
}

// WithSigner registers a validator backed by a signer held outside the
// config file, such as a remote or hardware key.
func WithSigner(id string, s validator.Signer) NodeOption {
	return func(o *nodeOptions) {
		if o.signers == nil {
			o.signers = make(map[string]validator.Signer)
		}
		o.signers[id] = s
	}
}

// NewBridgeNode builds the component graph from cfg. Nothing is started.
func NewBridgeNode(cfg config.Config, log zerolog.Logger, opts ...NodeOption) (*BridgeNode, error) {
	o := nodeOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	n := &BridgeNode{
		cfg:      cfg,
		log:      log.With().Str("component", "bridge_node").Logger(),
		clock:    o.clock,
		registry: prometheus.NewRegistry(),
		bus:      events.NewBus(log),
	}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.New(n.registry)

	if o.db != nil {
		n.db = o.db
	} else {
		d, err := openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		n.db, n.ownsDB = d, true
	}
	n.store = store.New(n.db.Client(), n.clock, log)

	deps := common.AdapterDeps{
		Logger:  log,
		Metrics: n.metrics,
		Retry:   common.RetryConfigFrom(cfg.Retry),
		Breaker: cfg.CircuitBreaker,
	}
	n.chains = chains.NewChains(&n.cfg, deps, log)
	for _, a := range o.adapters {
		n.chains.Register(a)
	}

	n.validators = quorum.NewRegistry()
	if err := n.loadValidators(o.signers, log); err != nil {
		n.closeDB()
		return nil, err
	}
	n.quorum = quorum.NewService(n.validators, quorum.Config{
		Threshold:           cfg.Quorum.Threshold,
		SignTimeout:         time.Duration(cfg.Quorum.SignTimeoutMs) * time.Millisecond,
		HealthCheckInterval: time.Duration(cfg.Quorum.HealthCheckIntervalSeconds) * time.Second,
	}, n.metrics, n.bus, n.clock, log)

	confirmations := chainConfirmations(cfg)
	confirmationTimeout := time.Duration(cfg.Swap.ConfirmationTimeoutSeconds) * time.Second

	n.swaps = swap.NewEngine(n.store, n.chains, swap.Config{
		DefaultTimeLock:     time.Duration(cfg.Swap.DefaultTimeLockSeconds) * time.Second,
		ConfirmationTimeout: confirmationTimeout,
		MinConfirmations:    cfg.Swap.MinConfirmations,
		ChainConfirmations:  confirmations,
	}, n.metrics, n.bus, n.clock, log)

	n.processor = NewTransferProcessor(n.store, n.quorum, n.chains, n.swaps, o.builder, ProcessorConfig{
		ConfirmationTimeout: confirmationTimeout,
		MinConfirmations:    cfg.Swap.MinConfirmations,
		ChainConfirmations:  confirmations,
		DefaultMaxRetries:   cfg.Recovery.DefaultMaxRetries,
	}, n.metrics, n.clock, log)

	n.recovery = cron.NewRecoveryJob(n.store, n.processor, n.swaps, cron.Config{
		Schedule:       cfg.Recovery.Schedule,
		StuckThreshold: time.Duration(cfg.Recovery.StuckThresholdSeconds) * time.Second,
	}, n.metrics, n.bus, n.clock, log)

	if cfg.OpsServerPort > 0 {
		n.ops = api.NewServer(log, cfg.OpsServerPort, n.chains, n.quorum, n.registry)
	}
	return n, nil
}

func openDatabase(cfg config.Config) (*db.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return db.OpenPostgresDB(cfg.Database.DSN, true)
	case "", "sqlite":
		home := cfg.NodeHome
		if home == "" {
			home = constant.DefaultNodeHome
		}
		return db.OpenFileDB(filepath.Join(home, constant.DatabasesSubdir), constant.DatabaseFileName, true)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func (n *BridgeNode) loadValidators(extra map[string]validator.Signer, log zerolog.Logger) error {
	heartbeat := time.Duration(n.cfg.Quorum.HeartbeatTimeoutSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = constant.DefaultHeartbeatTimeout
	}
	nodeOpts := []validator.Option{
		validator.WithClock(n.clock),
		validator.WithHeartbeatTimeout(heartbeat),
		validator.WithLogger(log),
	}

	for _, vc := range n.cfg.Validators {
		signer, err := validator.NewSignerFromHex(vc.Algorithm, vc.PrivateKeyHex)
		if err != nil {
			return fmt.Errorf("validator %s: %w", vc.ID, err)
		}
		if err := n.validators.Register(validator.NewNode(vc.ID, signer, nodeOpts...)); err != nil {
			return err
		}
	}
	for id, signer := range extra {
		if err := n.validators.Register(validator.NewNode(id, signer, nodeOpts...)); err != nil {
			return err
		}
	}

	if n.validators.Len() < n.quorumThreshold() {
		n.log.Warn().
			Int("validators", n.validators.Len()).
			Int("threshold", n.quorumThreshold()).
			Msg("fewer validators than the quorum threshold; transfers will stay PENDING")
	}
	return nil
}

func (n *BridgeNode) quorumThreshold() int {
	if n.cfg.Quorum.Threshold > 0 {
		return n.cfg.Quorum.Threshold
	}
	return constant.DefaultQuorumThreshold
}

func chainConfirmations(cfg config.Config) map[string]uint64 {
	out := make(map[string]uint64, len(cfg.ChainConfigs))
	for id, cc := range cfg.ChainConfigs {
		if cc.MinConfirmations != nil {
			out[id] = *cc.MinConfirmations
		}
	}
	return out
}

// Start connects the configured chains and starts the background loops.
func (n *BridgeNode) Start(ctx context.Context) error {
	n.log.Info().Msg("starting bridge node")

	if err := n.chains.Start(ctx); err != nil {
		return err
	}
	n.quorum.Start(ctx)
	if err := n.recovery.Start(ctx); err != nil {
		n.quorum.Stop()
		n.chains.Stop()
		return err
	}
	if n.ops != nil {
		if err := n.ops.Start(); err != nil {
			n.recovery.Stop()
			n.quorum.Stop()
			n.chains.Stop()
			return err
		}
	}

	n.log.Info().
		Strs("chains", n.chains.ChainIDs()).
		Int("validators", n.validators.Len()).
		Int("threshold", n.quorum.Threshold()).
		Msg("bridge node started")
	return nil
}

// Run starts the node and blocks until ctx is done.
func (n *BridgeNode) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	n.log.Info().Msg("shutting down bridge node")
	return n.Stop()
}

// Stop halts background work in reverse start order and closes the database
// when the node opened it.
func (n *BridgeNode) Stop() error {
	if n.ops != nil {
		if err := n.ops.Stop(); err != nil {
			n.log.Warn().Err(err).Msg("ops server stop failed")
		}
	}
	n.recovery.Stop()
	n.quorum.Stop()
	n.chains.Stop()
	return n.closeDB()
}

func (n *BridgeNode) closeDB() error {
	if !n.ownsDB {
		return nil
	}
	return n.db.Close()
}

func (n *BridgeNode) Processor() *TransferProcessor { return n.processor }
func (n *BridgeNode) Swaps() *swap.Engine            { return n.swaps }
func (n *BridgeNode) Store() *store.Store            { return n.store }
func (n *BridgeNode) Quorum() *quorum.Service        { return n.quorum }
func (n *BridgeNode) Chains() *chains.Chains         { return n.chains }
func (n *BridgeNode) Recovery() *cron.RecoveryJob    { return n.recovery }
func (n *BridgeNode) Events() *events.Bus            { return n.bus }

// Gatherer exposes the node's private Prometheus registry.
func (n *BridgeNode) Gatherer() prometheus.Gatherer { return n.registry }
