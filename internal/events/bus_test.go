package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func receive(t *testing.T, ch <-chan wire.Event) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return wire.Event{}
	}
}

func TestBus_BroadcastsToEverySubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	a, err := b.Subscribe(ctx)
	require.NoError(t, err)
	c, err := b.Subscribe(ctx)
	require.NoError(t, err)

	ev := wire.NewCandidateEvent("candidate:1 1 udp 1 10.0.0.1 9 typ host", "video-1")
	require.NoError(t, b.PublishCandidate(ctx, ev))

	require.Equal(t, ev, receive(t, a))
	require.Equal(t, ev, receive(t, c))
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.PublishCandidate(context.Background(), wire.NewCandidateEvent("c", "v")))
}

func TestBus_CanceledSubscriptionCloses(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBus_PublishAfterCloseFails(t *testing.T) {
	b := NewBus(nil)
	require.NoError(t, b.Close())
	require.Error(t, b.PublishCandidate(context.Background(), wire.NewCandidateEvent("c", "v")))
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		cand := fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.1 9 typ host", i)
		require.NoError(t, b.PublishCandidate(ctx, wire.NewCandidateEvent(cand, "video-1")))
	}
	for i := 0; i < n; i++ {
		ev := receive(t, ch)
		require.Equal(t, fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.1 9 typ host", i), ev.Candidate)
	}
}

type levelCounter struct {
	mu     sync.Mutex
	counts map[slog.Level]int
}

func (c *levelCounter) Enabled(context.Context, slog.Level) bool { return true }

func (c *levelCounter) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[r.Level]++
	return nil
}

func (c *levelCounter) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *levelCounter) WithGroup(string) slog.Handler      { return c }

func (c *levelCounter) count(level slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[level]
}

func TestBus_UnsubscribedPublishLogsBelowInfo(t *testing.T) {
	counter := &levelCounter{counts: map[slog.Level]int{}}
	b := NewBus(slog.New(counter))
	t.Cleanup(func() { _ = b.Close() })

	for i := 0; i < 3; i++ {
		require.NoError(t, b.PublishCandidate(context.Background(), wire.NewCandidateEvent("c", "v")))
	}
	require.Zero(t, counter.count(slog.LevelInfo))
	require.Positive(t, counter.count(slog.LevelDebug))
}
