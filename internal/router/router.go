package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/task"
)

// Strategy names accepted in configuration.
const (
	StrategyCapabilityMatch = "capability_match"
	StrategySemantic        = "semantic"

	FallbackRoundRobin = "round_robin"
	FallbackNone       = "none"
)

// Stats are cumulative routing counters.
type Stats struct {
	Routed    int `json:"routed"`
	Fallbacks int `json:"fallbacks"`
	Misses    int `json:"misses"`
}

// Router selects an executing agent for a task. Selection is a pure
// decision over a registry snapshot; the router never blocks on agents.
type Router struct {
	registry *registry.Registry
	strategy string
	fallback string
	matcher  Matcher

	mu     sync.Mutex
	cursor int
	stats  Stats

	logger *zap.Logger
}

// New creates a router. matcher may be nil; the semantic strategy then
// degrades to capability matching.
func New(reg *registry.Registry, strategy, fallback string, matcher Matcher, logger *zap.Logger) *Router {
	if strategy == "" {
		strategy = StrategyCapabilityMatch
	}
	if fallback == "" {
		fallback = FallbackRoundRobin
	}
	return &Router{
		registry: reg,
		strategy: strategy,
		fallback: fallback,
		matcher:  matcher,
		logger:   logger,
	}
}

// Route picks an agent name for t. Candidates supporting t.Kind are
// preferred in registry order; when none exist the fallback policy spreads
// the task over all available agents. With no agent at all it returns a
// routing error with reason no_capable_agent.
func (r *Router) Route(t *task.Task) (string, error) {
	if name, ok := r.pickCapable(t); ok {
		r.count(func(s *Stats) { s.Routed++ })
		return name, nil
	}

	if r.fallback == FallbackRoundRobin {
		if name, ok := r.pickRoundRobin(); ok {
			r.count(func(s *Stats) { s.Routed++; s.Fallbacks++ })
			r.logger.Debug("fallback routing",
				zap.String("task", t.ID),
				zap.String("kind", t.Kind),
				zap.String("agent", name))
			return name, nil
		}
	}

	r.count(func(s *Stats) { s.Misses++ })
	return "", task.NewError(task.ErrKindRouting, "no_capable_agent: kind %q", t.Kind)
}

func (r *Router) pickCapable(t *task.Task) (string, bool) {
	if r.strategy == StrategySemantic && r.matcher != nil {
		if name, ok := r.pickSemantic(t); ok {
			return name, true
		}
	}
	candidates := r.registry.FindCapable(t.Kind)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].Registration.Name, true
}

// pickRoundRobin cycles over every available agent regardless of declared
// kinds. The cursor survives membership changes by wrapping modulo the
// current snapshot length.
func (r *Router) pickRoundRobin() (string, bool) {
	agents := r.registry.Available()
	if len(agents) == 0 {
		return "", false
	}
	r.mu.Lock()
	idx := r.cursor % len(agents)
	r.cursor++
	r.mu.Unlock()
	return agents[idx].Registration.Name, true
}

// Stats returns a copy of the routing counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Router) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
