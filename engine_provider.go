package match

import "sync"

// Provider lazily builds the one MatchingEngine of a process.
// The composition root owns the Provider and hands the engine to its callers;
// there is no package-level instance.
type Provider struct {
	instance func() *MatchingEngine
}

// NewProvider returns a Provider that calls build at most once, on first use.
// Concurrent first calls all receive the same engine.
func NewProvider(build func() *MatchingEngine) *Provider {
	return &Provider{instance: sync.OnceValue(build)}
}

// Instance returns the engine, building it on the first call.
func (p *Provider) Instance() *MatchingEngine {
	return p.instance()
}
