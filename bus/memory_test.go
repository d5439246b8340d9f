package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

func newTestEnvelope(agentID string) *types.Envelope {
	env := types.NewEnvelope(types.MessageTask, agentID)
	env.Payload = map[string]any{"k": "v"}
	return env
}

// ---------------------------------------------------------------------------
// Publish / Subscribe
// ---------------------------------------------------------------------------

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	received := make(chan *types.Envelope, 1)
	_, err := b.Subscribe("agent.a1.tasks", func(_ context.Context, env *types.Envelope) {
		received <- env
	})
	require.NoError(t, err)

	env := newTestEnvelope("a1")
	require.NoError(t, b.Publish(context.Background(), "agent.a1.tasks", env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBus_FanOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("broadcast", func(_ context.Context, _ *types.Envelope) {
			count.Add(1)
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "broadcast", newTestEnvelope("a1")))

	require.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, 10*time.Millisecond)
}

func TestMemoryBus_NoSubscribersIsNotAnError(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	assert.NoError(t, b.Publish(context.Background(), "nobody.listening", newTestEnvelope("a1")))
}

func TestMemoryBus_NilEnvelopeRejected(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	err := b.Publish(context.Background(), "ch", nil)
	assert.ErrorIs(t, err, types.ErrMalformedMessage)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {
		count.Add(1)
	})
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("ch"))

	require.NoError(t, b.Unsubscribe(sub))
	assert.Equal(t, 0, b.SubscriberCount("ch"))

	require.NoError(t, b.Publish(context.Background(), "ch", newTestEnvelope("a1")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestMemoryBus_UnsubscribeTwiceIsNoop(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	sub, err := b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))
	assert.NoError(t, b.Unsubscribe(sub))
	assert.NoError(t, b.Unsubscribe(nil))
}

func TestMemoryBus_PanickingHandlerDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	received := make(chan struct{}, 2)
	_, err := b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {
		panic("handler bug")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "ch", newTestEnvelope("a1")))
	require.NoError(t, b.Publish(context.Background(), "ch", newTestEnvelope("a1")))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("healthy subscriber starved by panicking one")
		}
	}
}

func TestMemoryBus_SlowSubscriberDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	block := make(chan struct{})
	var delivered atomic.Int32
	_, err := b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {
		<-block
		delivered.Add(1)
	})
	require.NoError(t, err)

	// One in the handler plus a full buffer; the rest must be dropped,
	// not block the publisher.
	total := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(context.Background(), "ch", newTestEnvelope("a1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	close(block)
	require.Eventually(t, func() bool {
		n := delivered.Load()
		return n > 0 && n <= int32(subscriberBuffer)+1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus_ClosedBusRejectsOperations(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	require.NoError(t, b.Close())

	assert.Error(t, b.Publish(context.Background(), "ch", newTestEnvelope("a1")))
	_, err := b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {})
	assert.Error(t, err)
	assert.NoError(t, b.Close())
}

// ---------------------------------------------------------------------------
// Request / response
// ---------------------------------------------------------------------------

// echoAgent replies to every task on its reply channel.
func echoAgent(t *testing.T, b Bus, agentID string, delay time.Duration) {
	t.Helper()
	_, err := b.Subscribe(TaskChannel(agentID), func(ctx context.Context, env *types.Envelope) {
		if env.ReplyTo == "" {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		resp := types.NewEnvelope(types.MessageResponse, agentID)
		resp.TaskID = env.TaskID
		resp.Payload = map[string]any{"echo": env.Payload["k"]}
		b.Publish(ctx, env.ReplyTo, resp)
	})
	require.NoError(t, err)
}

func TestMemoryBus_RequestResponse(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	echoAgent(t, b, "worker", 0)

	resp, err := b.Request(context.Background(), "worker", newTestEnvelope("worker"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", resp.Payload["echo"])
	assert.Equal(t, types.MessageResponse, resp.Type)
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	// No agent is listening at all
	_, err := b.Request(context.Background(), "ghost", newTestEnvelope("ghost"), 50*time.Millisecond)
	require.ErrorIs(t, err, types.ErrTimeout)
}

func TestMemoryBus_RequestReleasesReplySubscriptionOnAllPaths(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	countReplySubs := func() int {
		b.mu.RLock()
		defer b.mu.RUnlock()
		n := 0
		for ch := range b.channels {
			if strings.Contains(ch, ".reply.") {
				n++
			}
		}
		return n
	}

	// Success path
	echoAgent(t, b, "worker", 0)
	_, err := b.Request(context.Background(), "worker", newTestEnvelope("worker"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, countReplySubs())

	// Timeout path
	_, err = b.Request(context.Background(), "ghost", newTestEnvelope("ghost"), 30*time.Millisecond)
	require.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, 0, countReplySubs())

	// Cancellation path
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Request(ctx, "ghost", newTestEnvelope("ghost"), time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, countReplySubs())
}

func TestMemoryBus_RequestFirstReplyWins(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	_, err := b.Subscribe(TaskChannel("worker"), func(ctx context.Context, env *types.Envelope) {
		for i := 0; i < 3; i++ {
			resp := types.NewEnvelope(types.MessageResponse, "worker")
			resp.Payload = map[string]any{"n": i}
			b.Publish(ctx, env.ReplyTo, resp)
		}
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "worker", newTestEnvelope("worker"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Payload["n"])
}

func TestMemoryBus_RequestNilEnvelope(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	_, err := b.Request(context.Background(), "worker", nil, time.Second)
	assert.ErrorIs(t, err, types.ErrMalformedMessage)
}

func TestMemoryBus_ConcurrentRequests(t *testing.T) {
	t.Parallel()
	b := NewMemoryBus(zap.NewNop())
	defer b.Close()

	echoAgent(t, b, "worker", time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := b.Request(context.Background(), "worker", newTestEnvelope("worker"), time.Second)
			assert.NoError(t, err)
			assert.NotNil(t, resp)
		}()
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Channel naming
// ---------------------------------------------------------------------------

func TestChannelNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "agent.a1.tasks", TaskChannel("a1"))
	assert.Equal(t, "agent.a1.status", StatusChannel("a1"))
	assert.Equal(t, "agent.a1.results", ResultsChannel("a1"))
	assert.Equal(t, "workflow.e1.events", EventsChannel("e1"))
	assert.Equal(t, "agent.a1.reply.r1", ReplyChannel("a1", "r1"))
}
