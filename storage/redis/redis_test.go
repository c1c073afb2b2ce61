package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

var _ gohook.Storage = (*Storage)(nil)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func reserveRequest(id, token string, now time.Time) *gohook.ReserveRequest {
	return &gohook.ReserveRequest{
		EventID:   id,
		EventType: "charge.succeeded",
		Token:     token,
		Now:       now,
		LeaseTTL:  time.Minute,
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "gohook:", storage.config.KeyPrefix)
	assert.Equal(t, 30*24*time.Hour, storage.config.RecordTTL)
}

func TestDecodeRecord(t *testing.T) {
	record, err := decodeRecord(map[string]string{
		"event_id":         "evt_1",
		"event_type":       "charge.succeeded",
		"state":            "completed",
		"outcome":          "applied",
		"token":            "t1",
		"attempts":         "2",
		"reserved_ms":      "1700000000000",
		"lease_expires_ms": "1700000030000",
		"processed_ms":     "1700000001000",
	})
	require.NoError(t, err)
	assert.Equal(t, gohook.StateCompleted, record.State)
	assert.Equal(t, 2, record.Attempts)
	assert.Equal(t, time.UnixMilli(1700000030000).UTC(), record.LeaseExpiresAt)
	require.NotNil(t, record.ProcessedAt)

	_, err = decodeRecord(map[string]string{"state": "in_flight", "attempts": "x"})
	assert.ErrorIs(t, err, errCorruptRecord)
}

func TestStorage_ReserveLifecycle(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	record, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", now))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, gohook.StateInFlight, record.State)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, now, record.ReservedAt)

	// A concurrent delivery sees the held lease.
	record, reserved, err = storage.Reserve(ctx, reserveRequest("evt_1", "t2", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "t1", record.Token)

	// Wrong token cannot finalize.
	err = storage.Finalize(ctx, "evt_1", "t2", gohook.OutcomeApplied, "", now)
	assert.ErrorIs(t, err, gohook.ErrReservationLost)

	require.NoError(t, storage.Release(ctx, "evt_1", "t1", "db down", now))
	record, err = storage.GetRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gohook.StateFailed, record.State)
	assert.Equal(t, "db down", record.LastError)

	record, reserved, err = storage.Reserve(ctx, reserveRequest("evt_1", "t3", now.Add(2*time.Second)))
	require.NoError(t, err)
	require.True(t, reserved)
	assert.Equal(t, 2, record.Attempts)

	require.NoError(t, storage.Finalize(ctx, "evt_1", "t3", gohook.OutcomeApplied, "", now))
	record, err = storage.GetRecord(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, record.Completed())
	assert.Equal(t, gohook.OutcomeApplied, record.Outcome)

	_, reserved, err = storage.Reserve(ctx, reserveRequest("evt_1", "t4", now.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, reserved)

	ttl, err := client.PTTL(ctx, storage.eventKey("evt_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestStorage_ExpiredLeaseTakeover(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	_, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t1", now))
	require.NoError(t, err)
	require.True(t, reserved)

	record, reserved, err := storage.Reserve(ctx, reserveRequest("evt_1", "t2", now.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "t2", record.Token)
}

func TestStorage_GetRecord_NotFound(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)

	record, err := storage.GetRecord(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStorage_ConcurrentReserve(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, reserved, err := storage.Reserve(ctx, reserveRequest("evt_race", fmt.Sprintf("t%d", i), now))
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
