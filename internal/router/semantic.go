package router

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/task"
)

// Matcher ranks agents by semantic similarity to a task description.
// internal/vectorstore provides the Qdrant-backed implementation.
type Matcher interface {
	Match(ctx context.Context, text string, limit int) ([]string, error)
}

const semanticTimeout = 2 * time.Second

// pickSemantic asks the matcher for the closest capability profiles and
// takes the first candidate the registry still considers selectable. Any
// matcher failure falls through to exact capability matching.
func (r *Router) pickSemantic(t *task.Task) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), semanticTimeout)
	defer cancel()

	text := t.Kind
	if t.Description != "" {
		text = t.Kind + ": " + t.Description
	}
	names, err := r.matcher.Match(ctx, text, 5)
	if err != nil {
		r.logger.Warn("semantic match failed",
			zap.String("task", t.ID), zap.Error(err))
		return "", false
	}
	for _, name := range names {
		info, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		if info.Health != registry.HealthAvailable || info.InFlight >= info.Registration.MaxConcurrent {
			continue
		}
		return name, true
	}
	if len(names) > 0 {
		r.logger.Debug("semantic candidates unavailable",
			zap.String("task", t.ID),
			zap.String("candidates", strings.Join(names, ",")))
	}
	return "", false
}
