package chains

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-core/bridgeCore/chains/common"
	"github.com/pushchain/bridge-core/bridgeCore/chains/cosmos"
	"github.com/pushchain/bridge-core/bridgeCore/chains/evm"
	"github.com/pushchain/bridge-core/bridgeCore/chains/svm"
	"github.com/pushchain/bridge-core/bridgeCore/config"
	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/metrics"
)

const (
	// perInitTimeout bounds connecting a single adapter
	perInitTimeout = 30 * time.Second
	// perCheckTimeout bounds one connection check
	perCheckTimeout = 10 * time.Second

	defaultCheckInterval = 60 * time.Second
)

// NewAdapter builds the adapter for the family named in cfg. The adapter
// still needs Initialize before use.
func NewAdapter(chainID string, cfg *config.ChainSpecificConfig, deps common.AdapterDeps) (common.ChainAdapter, error) {
	if cfg == nil {
		return nil, bcerrors.NewConfigError(chainID, "chain config is required")
	}
	family, err := common.ParseChainFamily(cfg.Family)
	if err != nil {
		return nil, err
	}

	switch family {
	case common.FamilyEVM:
		return evm.NewAdapter(chainID, deps), nil
	case common.FamilySVM:
		return svm.NewAdapter(chainID, deps), nil
	case common.FamilyCosmos:
		return cosmos.NewAdapter(chainID, deps), nil
	default:
		return nil, bcerrors.NewConfigError(chainID, fmt.Sprintf("unsupported chain family %q", cfg.Family))
	}
}

// adapterFactory is swapped in tests
type adapterFactory func(chainID string, cfg *config.ChainSpecificConfig, deps common.AdapterDeps) (common.ChainAdapter, error)

// Chains is the registry of chain adapters keyed by chain ID. It connects the
// configured chains on Start and checks their connections periodically.
type Chains struct {
	config  *config.Config
	deps    common.AdapterDeps
	metrics *metrics.Metrics
	logger  zerolog.Logger
	factory adapterFactory

	chains   map[string]common.ChainAdapter
	statuses map[string]common.ConnectionStatus
	chainsMu sync.RWMutex

	checkInterval time.Duration

	// Background control
	muRunning sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewChains creates an empty registry
func NewChains(cfg *config.Config, deps common.AdapterDeps, logger zerolog.Logger) *Chains {
	return &Chains{
		config:        cfg,
		deps:          deps,
		metrics:       deps.Metrics,
		logger:        logger.With().Str("component", "chains").Logger(),
		factory:       NewAdapter,
		chains:        make(map[string]common.ChainAdapter),
		statuses:      make(map[string]common.ConnectionStatus),
		checkInterval: defaultCheckInterval,
	}
}

// SetCheckInterval changes the connection check period; call before Start
func (c *Chains) SetCheckInterval(d time.Duration) {
	if d > 0 {
		c.checkInterval = d
	}
}

// Start connects every configured chain and begins the connection check
// loop. A chain that fails to connect is logged and left out.
func (c *Chains) Start(ctx context.Context) error {
	c.muRunning.Lock()
	defer c.muRunning.Unlock()

	if c.running {
		return nil
	}
	if c.config == nil {
		return fmt.Errorf("config must be non-nil")
	}

	ids := make([]string, 0, len(c.config.ChainConfigs))
	for id := range c.config.ChainConfigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := c.config.ChainConfigs[id]
		if err := c.addChain(ctx, id, &cfg); err != nil {
			c.logger.Error().Err(err).Str("chain", id).Msg("failed to add chain")
		}
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop ends the check loop and closes every adapter
func (c *Chains) Stop() {
	c.muRunning.Lock()
	if !c.running {
		c.muRunning.Unlock()
		return
	}
	close(c.stopCh)
	c.running = false
	c.muRunning.Unlock()

	c.wg.Wait()
	c.StopAll()
}

func (c *Chains) run(parent context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-parent.Done():
			c.logger.Info().Msg("chains: context canceled; stopping")
			return
		case <-c.stopCh:
			c.logger.Info().Msg("chains: stop requested; stopping")
			return
		case <-ticker.C:
			c.CheckAll(parent)
		}
	}
}

func (c *Chains) addChain(ctx context.Context, chainID string, cfg *config.ChainSpecificConfig) error {
	adapter, err := c.factory(chainID, cfg, c.deps)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, perInitTimeout)
	defer cancel()
	if _, err := adapter.Initialize(initCtx, cfg); err != nil {
		adapter.Close()
		return fmt.Errorf("failed to initialize adapter: %w", err)
	}

	c.Register(adapter)
	c.logger.Info().
		Str("chain", chainID).
		Str("family", adapter.Family().String()).
		Msg("successfully added chain adapter")
	return nil
}

// Register adds an initialized adapter under its chain ID, replacing and
// closing any previous one
func (c *Chains) Register(adapter common.ChainAdapter) {
	c.chainsMu.Lock()
	old, exists := c.chains[adapter.GetChainID()]
	c.chains[adapter.GetChainID()] = adapter
	c.chainsMu.Unlock()

	if exists && old != adapter {
		old.Close()
	}
}

// Remove closes and drops the adapter for chainID
func (c *Chains) Remove(chainID string) {
	c.chainsMu.Lock()
	adapter, exists := c.chains[chainID]
	delete(c.chains, chainID)
	delete(c.statuses, chainID)
	c.chainsMu.Unlock()

	if exists {
		c.logger.Info().Str("chain", chainID).Msg("removing chain adapter")
		adapter.Close()
	}
}

// StopAll closes all adapters and clears the registry
func (c *Chains) StopAll() {
	c.chainsMu.Lock()
	defer c.chainsMu.Unlock()

	c.logger.Info().Msg("stopping all chain adapters")
	for _, adapter := range c.chains {
		adapter.Close()
	}
	c.chains = make(map[string]common.ChainAdapter)
	c.statuses = make(map[string]common.ConnectionStatus)
}

// GetAdapter returns the adapter registered for chainID
func (c *Chains) GetAdapter(chainID string) (common.ChainAdapter, error) {
	c.chainsMu.RLock()
	defer c.chainsMu.RUnlock()

	adapter, exists := c.chains[chainID]
	if !exists {
		return nil, bcerrors.NewNotFoundError("chain adapter", chainID)
	}
	return adapter, nil
}

// ChainIDs lists registered chains in sorted order
func (c *Chains) ChainIDs() []string {
	c.chainsMu.RLock()
	defer c.chainsMu.RUnlock()

	ids := make([]string, 0, len(c.chains))
	for id := range c.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckAll runs CheckConnection on every adapter concurrently and records
// the results
func (c *Chains) CheckAll(ctx context.Context) map[string]common.ConnectionStatus {
	c.chainsMu.RLock()
	adapters := make(map[string]common.ChainAdapter, len(c.chains))
	for id, a := range c.chains {
		adapters[id] = a
	}
	c.chainsMu.RUnlock()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]common.ConnectionStatus, len(adapters))
	)
	for id, adapter := range adapters {
		wg.Add(1)
		go func(id string, adapter common.ChainAdapter) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, perCheckTimeout)
			defer cancel()

			status, err := adapter.CheckConnection(checkCtx)
			st := common.ConnectionStatus{}
			if status != nil {
				st = *status
			}
			if err != nil {
				st.Connected = false
				c.logger.Warn().Err(err).Str("chain", id).Msg("connection check failed")
			}
			c.metrics.SetChainConnected(id, st.Connected)

			mu.Lock()
			out[id] = st
			mu.Unlock()
		}(id, adapter)
	}
	wg.Wait()

	c.chainsMu.Lock()
	for id, st := range out {
		if _, still := c.chains[id]; still {
			c.statuses[id] = st
		}
	}
	c.chainsMu.Unlock()
	return out
}

// Statuses returns the results of the last connection check
func (c *Chains) Statuses() map[string]common.ConnectionStatus {
	c.chainsMu.RLock()
	defer c.chainsMu.RUnlock()

	out := make(map[string]common.ConnectionStatus, len(c.statuses))
	for id, st := range c.statuses {
		out[id] = st
	}
	return out
}
