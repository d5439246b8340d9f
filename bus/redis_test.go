package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b, err := NewRedisBus(client, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestRedisBus_NilClient(t *testing.T) {
	t.Parallel()
	_, err := NewRedisBus(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	t.Parallel()
	b, _ := newRedisBus(t)

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
		assert.Equal(t, types.MessageTask, got.Type)
		assert.Equal(t, "v", got.Payload["k"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisBus_MalformedPayloadIsDropped(t *testing.T) {
	t.Parallel()
	b, mr := newRedisBus(t)

	received := make(chan *types.Envelope, 2)
	_, err := b.Subscribe("ch", func(_ context.Context, env *types.Envelope) {
		received <- env
	})
	require.NoError(t, err)

	// Garbage straight onto the wire, then a well-formed envelope
	mr.Publish("ch", "{not json")
	env := newTestEnvelope("a1")
	require.NoError(t, b.Publish(context.Background(), "ch", env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber loop died on malformed payload")
	}
	assert.Empty(t, received)
}

func TestRedisBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	b, _ := newRedisBus(t)

	received := make(chan *types.Envelope, 1)
	sub, err := b.Subscribe("ch", func(_ context.Context, env *types.Envelope) {
		received <- env
	})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub))

	require.NoError(t, b.Publish(context.Background(), "ch", newTestEnvelope("a1")))
	select {
	case <-received:
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}

	assert.NoError(t, b.Unsubscribe(sub))
}

func TestRedisBus_RequestResponse(t *testing.T) {
	t.Parallel()
	b, _ := newRedisBus(t)

	echoAgent(t, b, "worker", 0)

	resp, err := b.Request(context.Background(), "worker", newTestEnvelope("worker"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", resp.Payload["echo"])
}

func TestRedisBus_RequestTimeout(t *testing.T) {
	t.Parallel()
	b, _ := newRedisBus(t)

	_, err := b.Request(context.Background(), "ghost", newTestEnvelope("ghost"), 50*time.Millisecond)
	require.ErrorIs(t, err, types.ErrTimeout)

	// The ephemeral reply subscription must be gone
	b.mu.Lock()
	assert.Empty(t, b.subs)
	b.mu.Unlock()
}

func TestRedisBus_CloseReleasesSubscriptions(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b, err := NewRedisBus(client, zap.NewNop())
	require.NoError(t, err)

	_, err = b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.NoError(t, b.Close())

	_, err = b.Subscribe("ch", func(_ context.Context, _ *types.Envelope) {})
	assert.Error(t, err)
}
