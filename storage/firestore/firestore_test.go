package firestore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gohook/pkg/gohook"
)

const testProjectID = "test-project"

var _ gohook.Storage = (*Storage)(nil)

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Skipf("Firestore emulator not available: %v", err)
	}
	return client
}

// testCollection returns a unique collection name for each test run
func testCollection(testName string) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testName)
	return fmt.Sprintf("test_events_%s_%d", name, time.Now().UnixNano())
}

func reserveRequest(id, token string, now time.Time) *gohook.ReserveRequest {
	return &gohook.ReserveRequest{
		EventID:   id,
		EventType: "subscription.renewed",
		Token:     token,
		Now:       now,
		LeaseTTL:  time.Minute,
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestRecordEncoding(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &gohook.ProcessingRecord{
		EventID:        "evt_1",
		EventType:      "charge.succeeded",
		State:          gohook.StateCompleted,
		Outcome:        gohook.OutcomeApplied,
		Token:          "t1",
		Attempts:       3,
		ReservedAt:     at,
		LeaseExpiresAt: at.Add(time.Minute),
		ProcessedAt:    &at,
	}

	data := encodeRecord(record)
	data["attempts"] = int64(3) // Firestore returns integers as int64

	assert.Equal(t, record, decodeRecord(data))
}

func TestStorage_ReserveLifecycle(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	storage, err := New(client, Config{EventsCollection: testCollection(t.Name())})
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	record, reserved, err := storage.Reserve(ctx, reserveRequest("evt/1", "t1", now))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, gohook.StateInFlight, record.State)

	_, reserved, err = storage.Reserve(ctx, reserveRequest("evt/1", "t2", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, reserved)

	require.NoError(t, storage.Release(ctx, "evt/1", "t1", "timeout", now))

	record, reserved, err = storage.Reserve(ctx, reserveRequest("evt/1", "t3", now.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, reserved)
	assert.Equal(t, 2, record.Attempts)

	require.NoError(t, storage.Finalize(ctx, "evt/1", "t3", gohook.OutcomeApplied, "", now))
	assert.ErrorIs(t, storage.Finalize(ctx, "evt/1", "t3", gohook.OutcomeApplied, "", now), gohook.ErrReservationLost)

	record, err = storage.GetRecord(ctx, "evt/1")
	require.NoError(t, err)
	assert.True(t, record.Completed())

	record, err = storage.GetRecord(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStorage_ConcurrentReserve(t *testing.T) {
	client := setupFirestoreClient(t)
	defer client.Close()

	storage, err := New(client, Config{EventsCollection: testCollection(t.Name())})
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
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
