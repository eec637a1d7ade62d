package ctxstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("context not found")

// Context is the shared state of one conversation: its participants'
// scratch memory, per-agent state, and the tasks attached to it.
type Context struct {
	ConversationID string                    `json:"conversation_id"`
	UserID         string                    `json:"user_id"`
	SharedMemory   map[string]any            `json:"shared_memory"`
	AgentStates    map[string]map[string]any `json:"agent_states"`
	TaskIDs        []string                  `json:"task_ids"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

func (c *Context) clone() *Context {
	cp := &Context{
		ConversationID: c.ConversationID,
		UserID:         c.UserID,
		SharedMemory:   make(map[string]any, len(c.SharedMemory)),
		AgentStates:    make(map[string]map[string]any, len(c.AgentStates)),
		TaskIDs:        append([]string(nil), c.TaskIDs...),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	for k, v := range c.SharedMemory {
		cp.SharedMemory[k] = v
	}
	for agent, st := range c.AgentStates {
		inner := make(map[string]any, len(st))
		for k, v := range st {
			inner[k] = v
		}
		cp.AgentStates[agent] = inner
	}
	return cp
}

type entry struct {
	mu  sync.Mutex
	ctx *Context
}

// Store holds conversation contexts in memory with TTL expiry and a
// size cap. Updates on the same conversation are serialized; different
// conversations never contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl         time.Duration
	maxContexts int
	logger      *zap.Logger
}

// New creates a store. ttl <= 0 disables expiry; maxContexts <= 0
// disables the size cap.
func New(ttl time.Duration, maxContexts int, logger *zap.Logger) *Store {
	return &Store{
		entries:     make(map[string]*entry),
		ttl:         ttl,
		maxContexts: maxContexts,
		logger:      logger,
	}
}

// Create registers a fresh context for a conversation. Creating over an
// existing conversation id returns the existing context unchanged.
func (s *Store) Create(conversationID, userID string) *Context {
	s.mu.Lock()
	if e, ok := s.entries[conversationID]; ok {
		s.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.ctx.clone()
	}
	now := time.Now()
	e := &entry{ctx: &Context{
		ConversationID: conversationID,
		UserID:         userID,
		SharedMemory:   make(map[string]any),
		AgentStates:    make(map[string]map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
	s.entries[conversationID] = e
	evicted := s.evictLocked()
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Warn("context store over capacity, evicted oldest",
			zap.Int("evicted", evicted),
			zap.Int("max_contexts", s.maxContexts))
	}
	return e.ctx.clone()
}

// Get returns a copy of the conversation's context.
func (s *Store) Get(conversationID string) (*Context, error) {
	s.mu.RLock()
	e, ok := s.entries[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.clone(), nil
}

// Update applies fn to the context under the conversation's lock. fn sees
// the live context and may mutate it freely; UpdatedAt is refreshed after
// fn returns without error.
func (s *Store) Update(conversationID string, fn func(*Context) error) error {
	s.mu.RLock()
	e, ok := s.entries[conversationID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.ctx); err != nil {
		return err
	}
	e.ctx.UpdatedAt = time.Now()
	return nil
}

// Touch refreshes the update timestamp so an active conversation is not
// swept by the TTL pass.
func (s *Store) Touch(conversationID string) error {
	return s.Update(conversationID, func(*Context) error { return nil })
}

// SetMemory writes one shared-memory key. Values are opaque to the store.
func (s *Store) SetMemory(conversationID, key string, value any) error {
	return s.Update(conversationID, func(c *Context) error {
		c.SharedMemory[key] = value
		return nil
	})
}

// GetMemory reads one shared-memory key.
func (s *Store) GetMemory(conversationID, key string) (any, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, present := e.ctx.SharedMemory[key]
	return v, present, nil
}

// SetAgentState replaces an agent's state blob inside the conversation.
func (s *Store) SetAgentState(conversationID, agent string, state map[string]any) error {
	return s.Update(conversationID, func(c *Context) error {
		c.AgentStates[agent] = state
		return nil
	})
}

// AgentState returns a copy of an agent's state within the conversation.
func (s *Store) AgentState(conversationID, agent string) (map[string]any, error) {
	c, err := s.Get(conversationID)
	if err != nil {
		return nil, err
	}
	st, ok := c.AgentStates[agent]
	if !ok {
		return map[string]any{}, nil
	}
	return st, nil
}

// AttachTask links a task id to the conversation. Duplicate attaches are
// idempotent.
func (s *Store) AttachTask(conversationID, taskID string) error {
	return s.Update(conversationID, func(c *Context) error {
		for _, id := range c.TaskIDs {
			if id == taskID {
				return nil
			}
		}
		c.TaskIDs = append(c.TaskIDs, taskID)
		return nil
	})
}

// DetachTask unlinks a task id from the conversation.
func (s *Store) DetachTask(conversationID, taskID string) error {
	return s.Update(conversationID, func(c *Context) error {
		for i, id := range c.TaskIDs {
			if id == taskID {
				c.TaskIDs = append(c.TaskIDs[:i], c.TaskIDs[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// FindByUser returns copies of every context owned by userID, newest first.
func (s *Store) FindByUser(userID string) []*Context {
	s.mu.RLock()
	var matched []*entry
	for _, e := range s.entries {
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	var out []*Context
	for _, e := range matched {
		e.mu.Lock()
		if e.ctx.UserID == userID {
			out = append(out, e.ctx.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Merge folds source's shared memory, agent states, and task links into
// target, then deletes source. Target keys win on conflict.
func (s *Store) Merge(targetID, sourceID string) error {
	src, err := s.Get(sourceID)
	if err != nil {
		return err
	}
	err = s.Update(targetID, func(c *Context) error {
		for k, v := range src.SharedMemory {
			if _, exists := c.SharedMemory[k]; !exists {
				c.SharedMemory[k] = v
			}
		}
		for agent, st := range src.AgentStates {
			if _, exists := c.AgentStates[agent]; !exists {
				c.AgentStates[agent] = st
			}
		}
		for _, id := range src.TaskIDs {
			dup := false
			for _, have := range c.TaskIDs {
				if have == id {
					dup = true
					break
				}
			}
			if !dup {
				c.TaskIDs = append(c.TaskIDs, id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Delete(sourceID)
	return nil
}

// Delete removes a conversation's context.
func (s *Store) Delete(conversationID string) {
	s.mu.Lock()
	delete(s.entries, conversationID)
	s.mu.Unlock()
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cleanup removes contexts idle past the TTL and returns how many.
func (s *Store) Cleanup(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		stale := now.Sub(e.ctx.UpdatedAt) > s.ttl
		e.mu.Unlock()
		if stale {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired idle contexts", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps expired contexts every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Cleanup(now)
		}
	}
}

// evictLocked drops the oldest contexts above the cap. Caller holds s.mu.
func (s *Store) evictLocked() int {
	if s.maxContexts <= 0 || len(s.entries) <= s.maxContexts {
		return 0
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for id, e := range s.entries {
		e.mu.Lock()
		all = append(all, aged{id: id, at: e.ctx.UpdatedAt})
		e.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	over := len(s.entries) - s.maxContexts
	for i := 0; i < over; i++ {
		delete(s.entries, all[i].id)
	}
	return over
}
