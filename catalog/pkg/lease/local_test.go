package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetail_Lease_Local(t *testing.T) {
	t.Parallel()

	t.Run("serializes same key", func(t *testing.T) {
		t.Parallel()
		l := NewLocal()
		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(t.Context(), "product:Widget")
				if err != nil {
					t.Error(err)
					return
				}
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), maxInside.Load())
		require.Zero(t, l.size())
	})

	t.Run("different keys are independent", func(t *testing.T) {
		t.Parallel()
		l := NewLocal()
		unlockA, err := l.Lock(t.Context(), "a")
		require.NoError(t, err)
		defer unlockA()

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		unlockB, err := l.Lock(ctx, "b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("waiter honours context", func(t *testing.T) {
		t.Parallel()
		l := NewLocal()
		unlock, err := l.Lock(t.Context(), "k")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err = l.Lock(ctx, "k")
		require.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		require.Zero(t, l.size())
	})

	t.Run("double unlock is harmless", func(t *testing.T) {
		t.Parallel()
		l := NewLocal()
		unlock, err := l.Lock(t.Context(), "k")
		require.NoError(t, err)
		unlock()
		unlock()

		unlock2, err := l.Lock(t.Context(), "k")
		require.NoError(t, err)
		unlock2()
	})
}
