package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/k2broker/internal/errors"
)

func TestSlot_AcquireRelease(t *testing.T) {
	slot := New()

	require.Equal(t, StateIdle, slot.State())
	require.False(t, slot.Occupied())

	token, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)
	require.NotEmpty(t, token)
	require.Equal(t, StateAwaitingStartMarker, slot.State())
	require.True(t, slot.Occupied())

	holder, heldToken := slot.Holder()
	require.Equal(t, "sample-1", holder)
	require.Equal(t, token, heldToken)

	require.NoError(t, slot.Release())
	require.Equal(t, StateIdle, slot.State())
	require.ErrorIs(t, slot.Release(), errors.ErrSlotIdle)
}

func TestSlot_SecondAcquireRejected(t *testing.T) {
	slot := New()

	_, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)

	_, ok = slot.TryAcquire("sample-2")
	require.False(t, ok)

	// Holder is untouched by the rejected attempt.
	holder, _ := slot.Holder()
	require.Equal(t, "sample-1", holder)
}

func TestSlot_ReacquireAfterRelease(t *testing.T) {
	slot := New()

	for _, id := range []string{"1", "2", "1"} {
		token, ok := slot.TryAcquire(id)
		require.True(t, ok)
		require.NotEmpty(t, token)
		require.NoError(t, slot.Release())
	}
}

func TestSlot_TokensAreUnique(t *testing.T) {
	slot := New()

	first, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)
	require.NoError(t, slot.Release())

	second, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)
	require.NotEqual(t, first, second)
}

func TestSlot_MutualExclusion_Fuzz(t *testing.T) {
	// Hammer TryAcquire from many goroutines: exactly one acquisition
	// may succeed per round. Run with: go test -race
	slot := New()

	for range 100 {
		const contenders = 16

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)

		for i := range contenders {
			wg.Add(1)

			go func() {
				defer wg.Done()

				id := string(rune('a' + i))
				if _, ok := slot.TryAcquire(id); ok {
					mu.Lock()
					wins = append(wins, id)
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		require.Len(t, wins, 1)

		holder, _ := slot.Holder()
		require.Equal(t, wins[0], holder)
		require.NoError(t, slot.Release())
	}
}

func TestSlot_StateTransitions(t *testing.T) {
	slot := New()

	_, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)
	require.False(t, slot.AllSubmitted())

	slot.BeginStreaming()
	require.Equal(t, StateStreaming, slot.State())

	slot.SetAllSubmitted()
	require.True(t, slot.AllSubmitted())

	slot.BeginDrain()
	require.Equal(t, StateAwaitingEndMarker, slot.State())

	require.NoError(t, slot.Release())
	require.False(t, slot.AllSubmitted())
}

func TestSlot_StartedSignal(t *testing.T) {
	slot := New()

	select {
	case <-slot.Started():
		t.Fatal("started signal before acquisition")
	default:
	}

	_, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)

	select {
	case <-slot.Started():
	case <-time.After(time.Second):
		t.Fatal("no started signal after acquisition")
	}
}

func TestSlot_ForceRelease(t *testing.T) {
	slot := New()

	_, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)

	slot.ForceRelease()
	require.Equal(t, StateIdle, slot.State())

	// Idempotent.
	slot.ForceRelease()
	require.Equal(t, StateIdle, slot.State())
}

func TestSlot_WaitIdle(t *testing.T) {
	slot := New()

	// Idle slot returns immediately.
	require.NoError(t, slot.WaitIdle(context.Background()))

	_, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = slot.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, slot.WaitIdle(ctx))
}

func TestSlot_WaitIdle_ContextExpiry(t *testing.T) {
	slot := New()

	_, ok := slot.TryAcquire("sample-1")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, slot.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestSlot_ClosedRejectsAcquire(t *testing.T) {
	slot := New()
	slot.Close()

	_, ok := slot.TryAcquire("sample-1")
	require.False(t, ok)
}
