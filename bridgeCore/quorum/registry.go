package quorum

import (
	"sort"
	"strconv"
	"sync"

	bcerrors "github.com/pushchain/bridge-core/bridgeCore/errors"
	"github.com/pushchain/bridge-core/bridgeCore/validator"
)

// Registry is the set of known validators keyed by ID.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*validator.Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*validator.Node)}
}

// Register adds a validator. IDs are unique.
func (r *Registry) Register(n *validator.Node) error {
	if n == nil || n.ID() == "" {
		return bcerrors.NewInvalidInputError("", "validator id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[n.ID()]; exists {
		return bcerrors.NewInvalidInputError("", "validator "+n.ID()+" already registered")
	}
	r.nodes[n.ID()] = n
	return nil
}

// Remove drops a validator and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	return ok
}

func (r *Registry) Get(id string) (*validator.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// List returns every validator ordered by ID.
func (r *Registry) List() []*validator.Node {
	r.mu.RLock()
	out := make([]*validator.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID(), out[j].ID()) })
	return out
}

// Active returns the validators currently eligible to sign, ordered by ID.
func (r *Registry) Active() []*validator.Node {
	all := r.List()
	out := all[:0]
	for _, n := range all {
		if n.Eligible() {
			out = append(out, n)
		}
	}
	return out
}

// lessID puts numeric IDs first in numeric order, then the rest lexically,
// so "9" < "10" < "9a" < "a".
func lessID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if na != nb {
			return na < nb
		}
		return a < b
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}
