package kvstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFixedClock(t *testing.T, start time.Time) func(advance time.Duration) {
	t.Helper()
	current := start
	now = func() time.Time { return current }
	t.Cleanup(func() { now = time.Now })
	return func(advance time.Duration) { current = current.Add(advance) }
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New(10, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "foo", "bar", nil))
	value, found, expired := s.Get(ctx, "foo")
	require.True(t, found)
	assert.False(t, expired)

	var decoded string
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, "bar", decoded)
}

func TestLazyExpiryGet(t *testing.T) {
	advance := withFixedClock(t, time.Unix(0, 0))
	s := New(10, nil, nil, nil)
	ctx := context.Background()

	ttl := 1
	require.NoError(t, s.Put(ctx, "foo", "bar", &ttl))

	advance(500 * time.Millisecond)
	_, found, expired := s.Get(ctx, "foo")
	assert.True(t, found)
	assert.False(t, expired)

	advance(1 * time.Second)
	_, found, expired = s.Get(ctx, "foo")
	assert.False(t, found)
	assert.True(t, expired)

	keys, count, _ := s.List()
	assert.NotContains(t, keys, "foo")
	assert.Equal(t, 0, count)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(10, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	assert.True(t, s.Delete(ctx, "k"))
	assert.False(t, s.Delete(ctx, "k"))
}

func TestExpireUpdatesDeadline(t *testing.T) {
	advance := withFixedClock(t, time.Unix(0, 0))
	s := New(10, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", "v", nil))

	assert.True(t, s.Expire(ctx, "k", 10))
	assert.False(t, s.Expire(ctx, "missing", 10))

	assert.Equal(t, 10, s.TTL(ctx, "k"))
	advance(5 * time.Second)
	assert.Equal(t, 5, s.TTL(ctx, "k"))
}

func TestTTLSentinelValues(t *testing.T) {
	s := New(10, nil, nil, nil)
	ctx := context.Background()
	assert.Equal(t, -2, s.TTL(ctx, "missing"))

	require.NoError(t, s.Put(ctx, "no-expiry", "v", nil))
	assert.Equal(t, -1, s.TTL(ctx, "no-expiry"))
}

func TestAlarmSweepRemovesExpiredEntries(t *testing.T) {
	advance := withFixedClock(t, time.Unix(0, 0))
	s := New(10, nil, nil, nil)
	ctx := context.Background()

	ttl := 1
	require.NoError(t, s.Put(ctx, "a", "1", &ttl))
	ttl2 := 5
	require.NoError(t, s.Put(ctx, "b", "2", &ttl2))

	advance(2 * time.Second)
	s.sweep()

	keys, count, _ := s.List()
	assert.Equal(t, 1, count)
	assert.Contains(t, keys, "b")
	require.NotNil(t, s.alarm)
}

func TestAlarmMonotonicity(t *testing.T) {
	withFixedClock(t, time.Unix(0, 0))
	s := New(10, nil, nil, nil)

	later := now().Add(10 * time.Second)
	earlier := now().Add(2 * time.Second)

	s.scheduleExpiry(later)
	assert.Equal(t, later, *s.alarm)

	s.scheduleExpiry(earlier)
	assert.Equal(t, earlier, *s.alarm)

	// A later deadline after an earlier one is already armed must not
	// raise the alarm (spec.md §4.4's monotone-minimum rule).
	s.scheduleExpiry(later)
	assert.Equal(t, earlier, *s.alarm)
}

func TestListBoundedByMaxKeysEvictsOldest(t *testing.T) {
	s := New(2, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", "1", nil))
	require.NoError(t, s.Put(ctx, "b", "2", nil))
	require.NoError(t, s.Put(ctx, "c", "3", nil))

	keys, count, backingSize := s.List()
	assert.LessOrEqual(t, count, 2)
	assert.LessOrEqual(t, backingSize, 2)
	assert.NotContains(t, keys, "a")
}
