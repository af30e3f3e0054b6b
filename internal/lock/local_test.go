package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalAcquireAndRelease(t *testing.T) {
	s := NewLocal()
	l, err := s.Acquire(context.Background(), "res", Options{TTL: time.Second})
	require.NoError(t, err)
	require.NotNil(t, l)

	ok, err := s.Release(context.Background(), l)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalAcquireFailsWhileHeld(t *testing.T) {
	s := NewLocal()
	l, err := s.Acquire(context.Background(), "res", Options{TTL: time.Second})
	require.NoError(t, err)
	require.NotNil(t, l)

	second, err := s.Acquire(context.Background(), "res", Options{TTL: time.Second})
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestLocalReleaseRejectsWrongFencingToken(t *testing.T) {
	s := NewLocal()
	l, _ := s.Acquire(context.Background(), "res", Options{TTL: time.Second})
	forged := &Lock{ResourceKey: "res", FencingToken: "not-the-real-token"}

	ok, err := s.Release(context.Background(), forged)
	require.NoError(t, err)
	require.False(t, ok)

	// original lock is still valid
	ok, err = s.Release(context.Background(), l)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalExtendRequiresMatchingToken(t *testing.T) {
	s := NewLocal()
	l, _ := s.Acquire(context.Background(), "res", Options{TTL: time.Second})

	ok, err := s.Extend(context.Background(), l, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	forged := &Lock{ResourceKey: "res", FencingToken: "bogus"}
	ok, err = s.Extend(context.Background(), forged, time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalWithLockRunsFnAndReleases(t *testing.T) {
	s := NewLocal()
	ran := false
	err := s.WithLock(context.Background(), "res", Options{TTL: time.Second}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// lock released, can acquire again
	l, err := s.Acquire(context.Background(), "res", Options{TTL: time.Second})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestLocalTryWithLockReportsFalseWhenBusy(t *testing.T) {
	s := NewLocal()
	held, err := s.Acquire(context.Background(), "res", Options{TTL: time.Second})
	require.NoError(t, err)
	require.NotNil(t, held)

	ran, err := s.TryWithLock(context.Background(), "res", time.Second, func(ctx context.Context) error {
		t.Fatal("fn should not run while lock is held")
		return nil
	})
	require.NoError(t, err)
	require.False(t, ran)
}
