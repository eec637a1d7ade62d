package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EventType names the orchestration outcomes worth announcing.
type EventType string

const (
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventAgentUnavailable  EventType = "agent_unavailable"
)

// Event is one notification payload.
type Event struct {
	Type     EventType      `json:"type"`
	Subject  string         `json:"subject"` // task or workflow id
	Agent    string         `json:"agent,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

func (e Event) summary() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Subject)
	if e.Agent != "" {
		msg += " agent=" + e.Agent
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Notifier delivers one event to a sink. Delivery failures are the
// sink's problem to log; orchestration never blocks on notification.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Name() string
}

// Fanout sends each event to every configured sink on a background
// goroutine.
type Fanout struct {
	sinks  []Notifier
	logger *zap.Logger
}

// NewFanout creates a fanout over the given sinks. Nil sinks are skipped.
func NewFanout(logger *zap.Logger, sinks ...Notifier) *Fanout {
	var live []Notifier
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Fanout{sinks: live, logger: logger}
}

// Publish dispatches ev to all sinks without blocking the caller.
func (f *Fanout) Publish(ev Event) {
	if f == nil || len(f.sinks) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, sink := range f.sinks {
			if err := sink.Notify(ctx, ev); err != nil {
				f.logger.Warn("notification failed",
					zap.String("sink", sink.Name()),
					zap.String("event", string(ev.Type)),
					zap.Error(err))
			}
		}
	}()
}

// LogNotifier writes events to the structured log. Always configured so
// every deployment has at least one sink.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("orchestration event",
		zap.String("type", string(ev.Type)),
		zap.String("subject", ev.Subject),
		zap.String("agent", ev.Agent),
		zap.Int("attempt", ev.Attempt),
		zap.Duration("duration", ev.Duration),
		zap.String("detail", ev.Detail))
	return nil
}
