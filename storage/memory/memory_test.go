package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

var _ gohook.Storage = (*Storage)(nil)

func reserveRequest(id, token string, now time.Time) *gohook.ReserveRequest {
	return &gohook.ReserveRequest{
		EventID:   id,
		EventType: "charge.succeeded",
		Token:     token,
		Now:       now,
		LeaseTTL:  time.Minute,
	}
}

func TestStorage_ReserveFresh(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	record, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", now))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, gohook.StateInFlight, record.State)
	assert.Equal(t, "t1", record.Token)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, now.Add(time.Minute), record.LeaseExpiresAt)
}

func TestStorage_ReserveHeldLease(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", now))
	require.NoError(t, err)

	record, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t2", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "t1", record.Token)
}

func TestStorage_ReserveExpiredLease(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", now))
	require.NoError(t, err)

	record, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t2", now.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "t2", record.Token)
	assert.Equal(t, 2, record.Attempts)

	// The crashed holder can no longer finalize.
	err = storage.Finalize(ctx, "evt_1", "t1", gohook.OutcomeApplied, "", now)
	assert.ErrorIs(t, err, gohook.ErrReservationLost)
}

func TestStorage_FinalizeAndRelease(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", now))
	require.NoError(t, err)

	require.NoError(t, storage.Release(ctx, "evt_1", "t1", "boom", now))
	record, err := storage.GetRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gohook.StateFailed, record.State)
	assert.Equal(t, "boom", record.LastError)

	// Failed records are retryable.
	_, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t2", now))
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, storage.Finalize(ctx, "evt_1", "t2", gohook.OutcomeApplied, "", now))
	record, err = storage.GetRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, record.Completed())
	assert.Equal(t, gohook.OutcomeApplied, record.Outcome)
	require.NotNil(t, record.ProcessedAt)

	// Completed records are never taken over, even long after.
	_, reserved, err = storage.Reserve(ctx, reserveRequest("evt_1", "t3", now.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.False(t, reserved)

	// And never mutated again.
	assert.ErrorIs(t, storage.Release(ctx, "evt_1", "t2", "late", now), gohook.ErrReservationLost)
}

func TestStorage_GetRecord_NotFound(t *testing.T) {
	storage := New()

	record, err := storage.GetRecord(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	record, _, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", time.Now().UTC()))
	require.NoError(t, err)
	record.State = gohook.StateCompleted

	stored, err := storage.GetRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gohook.StateInFlight, stored.State)
}

func TestStorage_ConcurrentReserve(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", fmt.Sprintf("t%d", i), now))
			assert.NoError(t, err)
			if reserved {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestStorage_Cleanup(t *testing.T) {
	storage := New()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	now := time.Now().UTC()

	for _, id := range []string{"old", "recent", "open"} {
		_, _, err := storage.Reserve(ctx, reserveRequest(id, "t", old))
		require.NoError(t, err)
	}
	require.NoError(t, storage.Finalize(ctx, "old", "t", gohook.OutcomeApplied, "", old))
	require.NoError(t, storage.Finalize(ctx, "recent", "t", gohook.OutcomeRejected, "invalid", now))

	removed, err := storage.Cleanup(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"open", "recent"}, storage.EventIDs())

	storage.Clear()
	assert.Empty(t, storage.EventIDs())
}
