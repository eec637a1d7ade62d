package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrChannelExists   = errors.New("channel already exists")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

// maxMessageBytes bounds an individual message's encoded payload.
const maxMessageBytes = 1 << 20

// Message is one directed or broadcast payload between agents.
type Message struct {
	ID      string         `json:"id"`
	From    string         `json:"from"`
	To      string         `json:"to,omitempty"`
	Channel string         `json:"channel,omitempty"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sent_at"`
}

type inbox struct {
	msgs    []*Message
	dropped int
}

type channel struct {
	members  map[string]struct{}
	lastUsed time.Time
}

// Bus is an in-process message exchange with per-agent bounded inboxes
// and named broadcast channels. Delivery is best-effort: a full inbox
// evicts its oldest message rather than blocking or erroring the sender.
type Bus struct {
	mu       sync.Mutex
	inboxes  map[string]*inbox
	channels map[string]*channel

	inboxSize int
	logger    *zap.Logger
}

// New creates a bus whose inboxes hold at most inboxSize messages each.
func New(inboxSize int, logger *zap.Logger) *Bus {
	if inboxSize <= 0 {
		inboxSize = 100
	}
	return &Bus{
		inboxes:   make(map[string]*inbox),
		channels:  make(map[string]*channel),
		inboxSize: inboxSize,
		logger:    logger,
	}
}

// Send delivers one message to the named agent's inbox.
func (b *Bus) Send(from, to string, payload map[string]any) (string, error) {
	msg, err := b.newMessage(from, payload)
	if err != nil {
		return "", err
	}
	msg.To = to

	b.mu.Lock()
	b.deliverLocked(to, msg)
	b.mu.Unlock()
	return msg.ID, nil
}

// Broadcast delivers one message to every current member of a channel,
// except the sender. Members who join after the call do not receive it.
func (b *Bus) Broadcast(from, channelName string, payload map[string]any) (string, int, error) {
	msg, err := b.newMessage(from, payload)
	if err != nil {
		return "", 0, err
	}
	msg.Channel = channelName

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelName]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrChannelNotFound, channelName)
	}
	ch.lastUsed = time.Now()
	delivered := 0
	for member := range ch.members {
		if member == from {
			continue
		}
		b.deliverLocked(member, msg)
		delivered++
	}
	return msg.ID, delivered, nil
}

// CreateChannel registers a named broadcast channel.
func (b *Bus) CreateChannel(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[name]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	b.channels[name] = &channel{
		members:  make(map[string]struct{}),
		lastUsed: time.Now(),
	}
	return nil
}

// Join adds an agent to a channel's member set.
func (b *Bus) Join(channelName, agent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelName)
	}
	ch.members[agent] = struct{}{}
	ch.lastUsed = time.Now()
	return nil
}

// Leave removes an agent from a channel's member set.
func (b *Bus) Leave(channelName, agent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelName)
	}
	delete(ch.members, agent)
	ch.lastUsed = time.Now()
	return nil
}

// Members returns a channel's current membership, sorted.
func (b *Bus) Members(channelName string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channelName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelName)
	}
	out := make([]string, 0, len(ch.members))
	for m := range ch.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Drain returns and clears the agent's pending messages, oldest first.
// Each message is delivered at most once across Drain calls.
func (b *Bus) Drain(agent string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[agent]
	if !ok || len(in.msgs) == 0 {
		return nil
	}
	out := in.msgs
	in.msgs = nil
	return out
}

// Pending returns the number of undrained messages for an agent.
func (b *Bus) Pending(agent string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[agent]; ok {
		return len(in.msgs)
	}
	return 0
}

// Dropped returns how many messages the agent's inbox has evicted.
func (b *Bus) Dropped(agent string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[agent]; ok {
		return in.dropped
	}
	return 0
}

// PruneIdle removes channels unused longer than maxIdle and returns how many.
func (b *Bus) PruneIdle(now time.Time, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for name, ch := range b.channels {
		if now.Sub(ch.lastUsed) > maxIdle {
			delete(b.channels, name)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Info("pruned idle channels", zap.Int("removed", removed))
	}
	return removed
}

func (b *Bus) newMessage(from string, payload map[string]any) (*Message, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(encoded) > maxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(encoded))
	}
	return &Message{
		ID:      uuid.NewString(),
		From:    from,
		Payload: payload,
		SentAt:  time.Now(),
	}, nil
}

// deliverLocked appends to an inbox, evicting the oldest message when full.
// Caller holds b.mu.
func (b *Bus) deliverLocked(agent string, msg *Message) {
	in, ok := b.inboxes[agent]
	if !ok {
		in = &inbox{}
		b.inboxes[agent] = in
	}
	if len(in.msgs) >= b.inboxSize {
		evicted := in.msgs[0]
		in.msgs = in.msgs[1:]
		in.dropped++
		b.logger.Warn("inbox full, dropped oldest message",
			zap.String("agent", agent),
			zap.String("dropped_id", evicted.ID),
			zap.Int("total_dropped", in.dropped))
	}
	in.msgs = append(in.msgs, msg)
}
