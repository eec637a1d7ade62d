package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testBus(t *testing.T, size int) *Bus {
	t.Helper()
	return New(size, zap.NewNop())
}

func TestSendAndDrain(t *testing.T) {
	b := testBus(t, 10)
	id1, err := b.Send("alpha", "beta", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id2, _ := b.Send("alpha", "beta", map[string]any{"n": 2})

	msgs := b.Drain("beta")
	if len(msgs) != 2 {
		t.Fatalf("drained %d, want 2", len(msgs))
	}
	if msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Fatal("drain order is not oldest first")
	}
	if msgs[0].From != "alpha" || msgs[0].To != "beta" {
		t.Fatalf("bad envelope: %+v", msgs[0])
	}

	// At-most-once: a second drain is empty.
	if again := b.Drain("beta"); again != nil {
		t.Fatalf("second drain returned %d messages", len(again))
	}
}

func TestInboxEviction(t *testing.T) {
	b := testBus(t, 3)
	for i := 0; i < 5; i++ {
		if _, err := b.Send("a", "b", map[string]any{"n": i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := b.Dropped("b"); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	msgs := b.Drain("b")
	if len(msgs) != 3 {
		t.Fatalf("drained %d, want 3", len(msgs))
	}
	// Oldest two were evicted; the survivors are 2, 3, 4.
	for i, msg := range msgs {
		if n := msg.Payload["n"].(int); n != i+2 {
			t.Fatalf("survivor %d has n=%d", i, n)
		}
	}
}

func TestBroadcastMembershipSnapshot(t *testing.T) {
	b := testBus(t, 10)
	if err := b.CreateChannel("ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, a := range []string{"a", "b", "c"} {
		if err := b.Join("ops", a); err != nil {
			t.Fatalf("join %s: %v", a, err)
		}
	}

	_, delivered, err := b.Broadcast("a", "ops", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("delivered to %d, want 2 (sender excluded)", delivered)
	}
	if b.Pending("a") != 0 {
		t.Fatal("sender received its own broadcast")
	}
	if b.Pending("b") != 1 || b.Pending("c") != 1 {
		t.Fatal("members missing broadcast")
	}

	// Leaving affects later broadcasts only.
	if err := b.Leave("ops", "c"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	_, delivered, _ = b.Broadcast("a", "ops", map[string]any{"msg": "bye"})
	if delivered != 1 {
		t.Fatalf("delivered to %d after leave, want 1", delivered)
	}
	if b.Pending("c") != 1 {
		t.Fatal("departed member's earlier message was revoked")
	}
}

func TestChannelErrors(t *testing.T) {
	b := testBus(t, 10)
	if err := b.CreateChannel("ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.CreateChannel("ops"); !errors.Is(err, ErrChannelExists) {
		t.Fatalf("expected ErrChannelExists, got %v", err)
	}
	if err := b.Join("missing", "a"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
	if _, _, err := b.Broadcast("a", "missing", nil); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestMessageSizeLimit(t *testing.T) {
	b := testBus(t, 10)
	big := make([]byte, maxMessageBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err := b.Send("a", "b", map[string]any{"blob": string(big)})
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if b.Pending("b") != 0 {
		t.Fatal("oversized message was delivered")
	}
}

func TestPruneIdle(t *testing.T) {
	b := testBus(t, 10)
	_ = b.CreateChannel("stale")
	_ = b.CreateChannel("busy")

	if removed := b.PruneIdle(time.Now(), 30*time.Minute); removed != 0 {
		t.Fatalf("premature prune removed %d", removed)
	}
	if removed := b.PruneIdle(time.Now().Add(time.Hour), 30*time.Minute); removed != 2 {
		t.Fatalf("prune removed %d, want 2", removed)
	}
	if _, err := b.Members("stale"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatal("stale channel still queryable")
	}
}

func TestMembersSorted(t *testing.T) {
	b := testBus(t, 10)
	_ = b.CreateChannel("ops")
	for _, a := range []string{"zeta", "alpha", "mid"} {
		_ = b.Join("ops", a)
	}
	got, err := b.Members("ops")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("members = %v, want %v", got, want)
	}
}
