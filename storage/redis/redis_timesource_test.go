package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_Now(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("get server time", func(t *testing.T) {
		serverTime, err := storage.Now(ctx)
		require.NoError(t, err)

		diff := serverTime.Sub(time.Now().UTC())
		if diff < 0 {
			diff = -diff
		}
		assert.Less(t, diff, 5*time.Second, "Server time should be close to local time")
	})

	t.Run("server time is UTC", func(t *testing.T) {
		serverTime, err := storage.Now(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, serverTime.Location())
	})
}
