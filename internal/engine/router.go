package engine

import (
	"fmt"
	"sort"
)

// Router maps symbols to their engines. The set of symbols is fixed at
// startup, so lookups are lock-free map reads.
type Router struct {
	engines map[string]*Engine
}

// NewRouter builds a router over the given engines.
func NewRouter(engines []*Engine) *Router {
	m := make(map[string]*Engine, len(engines))
	for _, e := range engines {
		m[e.Symbol()] = e
	}
	return &Router{engines: m}
}

// Engine returns the engine for symbol.
func (r *Router) Engine(symbol string) (*Engine, error) {
	e, ok := r.engines[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	return e, nil
}

// Has reports whether symbol is served.
func (r *Router) Has(symbol string) bool {
	_, ok := r.engines[symbol]
	return ok
}

// Symbols returns the served symbols in sorted order.
func (r *Router) Symbols() []string {
	out := make([]string, 0, len(r.engines))
	for s := range r.engines {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// All returns every engine.
func (r *Router) All() []*Engine {
	out := make([]*Engine, 0, len(r.engines))
	for _, s := range r.Symbols() {
		out = append(out, r.engines[s])
	}
	return out
}
