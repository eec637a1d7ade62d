package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultMaxUnhealthy is the number of consecutive unhealthy reports after
// which an agent is excluded from routing, used when the constructor is not
// given an explicit threshold.
const defaultMaxUnhealthy = 3

// Health is an agent's routing availability.
type Health string

const (
	HealthAvailable   Health = "available"
	HealthUnavailable Health = "unavailable"
)

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Registration describes an agent's declared capabilities at register time.
type Registration struct {
	Name          string            `json:"name"`
	Capabilities  []string          `json:"capabilities"`
	TaskKinds     []string          `json:"task_kinds"`
	Priority      int               `json:"priority"`
	MaxConcurrent int               `json:"max_concurrent"`
	Resources     map[string]string `json:"resources,omitempty"`
	Profile       string            `json:"profile,omitempty"`
}

// AgentInfo is the registry's live view of one agent.
type AgentInfo struct {
	Registration Registration `json:"registration"`
	Health       Health       `json:"health"`
	InFlight     int          `json:"in_flight"`
	UnhealthyRun int          `json:"unhealthy_run"`
	Completed    int          `json:"completed"`
	Failures     int          `json:"failures"`
	RegisteredAt time.Time    `json:"registered_at"`
	LastReport   time.Time    `json:"last_report"`

	// RunningTasks tracks task ids in flight so deregistration can return
	// orphans to the orchestrator.
	RunningTasks map[string]struct{} `json:"-"`
}

// clone copies the info, including the running-task set, so callers never
// hold a pointer the registry keeps mutating.
func (a *AgentInfo) clone() *AgentInfo {
	cp := *a
	cp.RunningTasks = make(map[string]struct{}, len(a.RunningTasks))
	for id := range a.RunningTasks {
		cp.RunningTasks[id] = struct{}{}
	}
	return &cp
}

// LoadRatio is tasks in flight over the concurrency limit.
func (a *AgentInfo) LoadRatio() float64 {
	if a.Registration.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(a.InFlight) / float64(a.Registration.MaxConcurrent)
}

// Registry tracks registered agents, their capabilities, and health state.
// Accessors return copies; the live records only change under the lock.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*AgentInfo
	maxUnhealthy int
	logger       *zap.Logger
}

// New creates an empty registry. maxUnhealthy is the consecutive-failure
// threshold before an agent is marked unavailable; zero or negative picks
// the default of 3.
func New(maxUnhealthy int, logger *zap.Logger) *Registry {
	if maxUnhealthy <= 0 {
		maxUnhealthy = defaultMaxUnhealthy
	}
	return &Registry{
		agents:       make(map[string]*AgentInfo),
		maxUnhealthy: maxUnhealthy,
		logger:       logger,
	}
}

// Register stores an agent registration. Names are unique.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("registration missing agent name")
	}
	if reg.MaxConcurrent <= 0 {
		reg.MaxConcurrent = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, reg.Name)
	}
	r.agents[reg.Name] = &AgentInfo{
		Registration: reg,
		Health:       HealthAvailable,
		RegisteredAt: time.Now(),
		RunningTasks: make(map[string]struct{}),
	}
	r.logger.Info("registered agent",
		zap.String("agent", reg.Name),
		zap.Strings("kinds", reg.TaskKinds),
		zap.Int("max_concurrent", reg.MaxConcurrent))
	return nil
}

// Deregister removes an agent and returns ids of tasks it was running, which
// the caller reroutes as orphans.
func (r *Registry) Deregister(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	orphans := make([]string, 0, len(info.RunningTasks))
	for id := range info.RunningTasks {
		orphans = append(orphans, id)
	}
	sort.Strings(orphans)
	delete(r.agents, name)
	r.logger.Info("deregistered agent",
		zap.String("agent", name),
		zap.Int("orphaned", len(orphans)))
	return orphans, nil
}

// ReportHealth records a health-check outcome. After the configured run of
// consecutive unhealthy reports the agent is marked unavailable; a single
// healthy report restores it.
func (r *Registry) ReportHealth(name string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	info.LastReport = time.Now()
	if healthy {
		if info.Health == HealthUnavailable {
			r.logger.Info("agent recovered", zap.String("agent", name))
		}
		info.UnhealthyRun = 0
		info.Health = HealthAvailable
		return nil
	}
	info.UnhealthyRun++
	if info.UnhealthyRun >= r.maxUnhealthy && info.Health == HealthAvailable {
		info.Health = HealthUnavailable
		r.logger.Warn("agent marked unavailable",
			zap.String("agent", name),
			zap.Int("consecutive_failures", info.UnhealthyRun))
	}
	return nil
}

// FindCapable returns copies of available agents with spare concurrency
// whose supported task kinds include kind, ordered by priority desc then
// load ratio asc.
func (r *Registry) FindCapable(kind string) []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentInfo
	for _, info := range r.agents {
		if !r.selectable(info) {
			continue
		}
		if !contains(info.Registration.TaskKinds, kind) {
			continue
		}
		out = append(out, info.clone())
	}
	sortByPreference(out)
	return out
}

// Available returns copies of every selectable agent regardless of declared
// kinds, ordered by preference. Used by the router's fallback.
func (r *Registry) Available() []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentInfo
	for _, info := range r.agents {
		if r.selectable(info) {
			out = append(out, info.clone())
		}
	}
	sortByPreference(out)
	return out
}

// Get returns a copy of one agent's info.
func (r *Registry) Get(name string) (*AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return info.clone(), true
}

// List returns copies of all registered agents sorted by name.
func (r *Registry) List() []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Registration.Name < out[j].Registration.Name
	})
	return out
}

// Names returns registered agent names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Acquire reserves a concurrency slot for a task on an agent.
func (r *Registry) Acquire(name, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if info.InFlight >= info.Registration.MaxConcurrent {
		return fmt.Errorf("agent %s at capacity (%d/%d)",
			name, info.InFlight, info.Registration.MaxConcurrent)
	}
	info.InFlight++
	info.RunningTasks[taskID] = struct{}{}
	return nil
}

// Release frees the slot held by a task and records the attempt outcome.
func (r *Registry) Release(name, taskID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[name]
	if !ok {
		return
	}
	if _, held := info.RunningTasks[taskID]; held {
		delete(info.RunningTasks, taskID)
		info.InFlight--
	}
	if success {
		info.Completed++
	} else {
		info.Failures++
	}
}

// Counts returns agent totals by health state.
func (r *Registry) Counts() map[Health]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[Health]int{HealthAvailable: 0, HealthUnavailable: 0}
	for _, info := range r.agents {
		counts[info.Health]++
	}
	return counts
}

func (r *Registry) selectable(info *AgentInfo) bool {
	return info.Health == HealthAvailable &&
		info.InFlight < info.Registration.MaxConcurrent
}

func sortByPreference(agents []*AgentInfo) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].Registration.Priority != agents[j].Registration.Priority {
			return agents[i].Registration.Priority > agents[j].Registration.Priority
		}
		li, lj := agents[i].LoadRatio(), agents[j].LoadRatio()
		if li != lj {
			return li < lj
		}
		return agents[i].Registration.Name < agents[j].Registration.Name
	})
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
