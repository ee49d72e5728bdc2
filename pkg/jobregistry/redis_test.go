package jobregistry

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/procverify/pkg/backend"
)

// TestRedisStore_Integration requires a running Redis at
// PROCVERIFY_TEST_REDIS_ADDR. It is skipped otherwise.
func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("PROCVERIFY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROCVERIFY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s := NewRedisStore(RedisOptions{Addr: addr, Prefix: "procverify-test:" + uuid.NewString(), TTL: time.Minute})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, s.Put(ctx, &JobRecord{JobID: "job-1", Backend: "local", State: backend.StateRunning, CreatedAt: t1}))
	require.NoError(t, s.Put(ctx, &JobRecord{JobID: "job-2", Backend: "local", State: backend.StateSucceeded, CreatedAt: t2}))

	got, err := s.Get(ctx, RecordID("local", "job-1"))
	require.NoError(t, err)
	assert.Equal(t, backend.StateRunning, got.State)

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "job-2", records[0].JobID)

	_, err = s.Get(ctx, RecordID("local", "missing"))
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestNewRedisStoreWithClient_Prefix(t *testing.T) {
	s := NewRedisStoreWithClient(nil, "  custom:: ", 0)
	assert.Equal(t, "custom:rec:x", s.recordKey("x"))
	assert.Equal(t, "custom:idx", s.indexKey())

	s = NewRedisStoreWithClient(nil, "", 0)
	assert.Equal(t, DefaultRedisPrefix+":idx", s.indexKey())
}
