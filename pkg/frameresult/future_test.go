package frameresult

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture[int](3)
	calls := 0
	f.OnDone(func(frame int64, v int, err error) {
		calls++
		require.EqualValues(t, 3, frame)
		require.Equal(t, 42, v)
		require.NoError(t, err)
	})
	require.False(t, f.Done())

	require.NoError(t, f.Resolve(42))
	require.ErrorIs(t, f.Resolve(43), ErrAlreadyResolved)
	require.ErrorIs(t, f.Fail(errors.New("late")), ErrAlreadyResolved)
	require.Equal(t, 1, calls)

	v, ok, err := f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	// Callbacks registered after resolution run immediately
	late := 0
	f.OnDone(func(frame int64, v int, err error) { late = v })
	require.Equal(t, 42, late)
}

func TestFutureFail(t *testing.T) {
	f := NewFuture[[]string](8)
	var got error
	f.OnDone(func(frame int64, v []string, err error) { got = err })
	require.NoError(t, f.Fail(ErrExpired))
	require.ErrorIs(t, got, ErrExpired)
	require.ErrorIs(t, f.Resolve(nil), ErrAlreadyResolved)
}

func TestResolvedFuture(t *testing.T) {
	f := Resolved[[]int](2, nil)
	require.True(t, f.Done())
	v, ok, err := f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Nil(t, v)
}
