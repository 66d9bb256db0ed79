package frameresult

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	concernA Concern = "a"
	concernB Concern = "b"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry[[]int](0)
	k := Key{Frame: 5, Concern: concernA}

	_, ok := r.TryConsume(k)
	require.False(t, ok)

	require.NoError(t, r.Register(k))
	require.True(t, errors.Is(r.Register(k), ErrAlreadyRegistered))

	// Registered, but nothing has arrived yet
	_, ok = r.TryConsume(k)
	require.False(t, ok)
	require.True(t, r.IsRegistered(k))

	require.NoError(t, r.Deliver(k, []int{1, 2}, 7))
	require.True(t, errors.Is(r.Deliver(k, []int{3}, 8), ErrAlreadyDelivered))

	v, ok := r.TryConsume(k)
	require.True(t, ok)
	require.Equal(t, []int{1, 2}, v)
	require.Equal(t, 0, r.Len())

	// Consumed entries can not be resolved again
	require.True(t, errors.Is(r.Deliver(k, nil, 9), ErrNotRegistered))

	stats := r.Stats()
	require.EqualValues(t, 1, stats.Delivered)
	require.EqualValues(t, 1, stats.Consumed)
	require.EqualValues(t, 2, stats.Latency.Average())
}

func TestRegistryEmptyValueIsConsumed(t *testing.T) {
	r := NewRegistry[[]int](0)
	k := Key{Frame: 1, Concern: concernA}
	require.NoError(t, r.Register(k))
	require.NoError(t, r.Deliver(k, nil, 1))
	v, ok := r.TryConsume(k)
	require.True(t, ok)
	require.Nil(t, v)
	require.Equal(t, 0, r.Len())
}

func TestRegistryConsumeAll(t *testing.T) {
	r := NewRegistry[string](0)
	for frame := int64(1); frame <= 2; frame++ {
		require.NoError(t, r.Register(Key{frame, concernA}))
		require.NoError(t, r.Register(Key{frame, concernB}))
	}

	// Frame 2 resolves before frame 1
	require.NoError(t, r.Deliver(Key{2, concernB}, "2b", 3))
	require.NoError(t, r.Deliver(Key{2, concernA}, "2a", 4))
	require.NoError(t, r.Deliver(Key{1, concernA}, "1a", 4))

	_, ok := r.TryConsumeAll(1, concernA, concernB)
	require.False(t, ok)
	// A partial join must not consume anything
	require.True(t, r.Has(Key{1, concernA}))

	all, ok := r.TryConsumeAll(2, concernA, concernB)
	require.True(t, ok)
	require.Equal(t, map[Concern]string{concernA: "2a", concernB: "2b"}, all)

	require.NoError(t, r.Deliver(Key{1, concernB}, "1b", 5))
	all, ok = r.TryConsumeAll(1, concernA, concernB)
	require.True(t, ok)
	require.Equal(t, "1a", all[concernA])
	require.Equal(t, "1b", all[concernB])
	require.Equal(t, 0, r.Len())
}

func TestRegistryExpire(t *testing.T) {
	r := NewRegistry[int](10)
	require.NoError(t, r.Register(Key{1, concernA}))
	require.NoError(t, r.Register(Key{1, concernB}))
	require.NoError(t, r.Register(Key{5, concernA}))

	require.Empty(t, r.Expire(11))
	dropped := r.Expire(12)
	require.Equal(t, []Key{{1, concernA}, {1, concernB}}, dropped)
	require.Equal(t, 1, r.Len())
	require.EqualValues(t, 2, r.Stats().Expired)

	// A late delivery for an expired frame is rejected, not resurrected
	require.True(t, errors.Is(r.Deliver(Key{1, concernA}, 1, 13), ErrNotRegistered))

	require.Equal(t, 1, r.Drop(5))
	require.Equal(t, 0, r.Len())
}
