package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainhub/hub/internal/session"
)

type fakeSession struct {
	closed bool
}

func (f *fakeSession) Deliver(ctx context.Context, v any) session.Result { return session.OK }
func (f *fakeSession) Closed() bool                                     { return f.closed }
func (f *fakeSession) Close()                                            { f.closed = true }

func descriptor(id string, vector ...float64) ClientDescriptor {
	return ClientDescriptor{ID: id, JoinedAt: time.Now(), Vector: vector}
}

func TestInsertAndSnapshotOrder(t *testing.T) {
	r := New()
	a := &fakeSession{}
	b := &fakeSession{}

	total := r.Insert(Entry{Session: a, Descriptor: descriptor("a")})
	assert.Equal(t, 1, total)
	total = r.Insert(Entry{Session: b, Descriptor: descriptor("b")})
	assert.Equal(t, 2, total)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].Descriptor.ID)
	assert.Equal(t, "b", snapshot[1].Descriptor.ID)
}

func TestInsertSameIDReplaces(t *testing.T) {
	r := New()
	a1 := &fakeSession{}
	a2 := &fakeSession{}
	r.Insert(Entry{Session: a1, Descriptor: descriptor("a")})
	total := r.Insert(Entry{Session: a2, Descriptor: descriptor("a")})
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, r.Size())

	entry, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a2, entry.Session)
}

func TestRemoveByHandleIdempotent(t *testing.T) {
	r := New()
	a := &fakeSession{}
	r.Insert(Entry{Session: a, Descriptor: descriptor("a")})

	_, ok := r.RemoveByHandle(a)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Size())

	_, ok = r.RemoveByHandle(a)
	assert.False(t, ok)
}

func TestRemoveByIDIdempotent(t *testing.T) {
	r := New()
	a := &fakeSession{}
	r.Insert(Entry{Session: a, Descriptor: descriptor("a")})

	_, ok := r.RemoveByID("a")
	assert.True(t, ok)
	_, ok = r.RemoveByID("a")
	assert.False(t, ok)
}

func TestOnRemoveFiresOnRemoveByHandleAndID(t *testing.T) {
	r := New()
	var notified []string
	r.OnRemove(func(clientID string) { notified = append(notified, clientID) })

	a := &fakeSession{}
	r.Insert(Entry{Session: a, Descriptor: descriptor("a")})
	r.Insert(Entry{Session: &fakeSession{}, Descriptor: descriptor("b")})

	_, ok := r.RemoveByHandle(a)
	assert.True(t, ok)
	_, ok = r.RemoveByID("b")
	assert.True(t, ok)

	assert.Equal(t, []string{"a", "b"}, notified)
}

func TestOnRemoveNotCalledOnNoOpRemoval(t *testing.T) {
	r := New()
	called := false
	r.OnRemove(func(clientID string) { called = true })

	_, ok := r.RemoveByID("missing")
	assert.False(t, ok)
	assert.False(t, called)
}

func TestFindNearestTwoPeerMatch(t *testing.T) {
	r := New()
	r.Insert(Entry{Session: &fakeSession{}, Descriptor: descriptor("A", 0, 0, 0)})
	probe := descriptor("B", 3, 4, 0)

	match, ok := r.FindNearest(probe)
	require.True(t, ok)
	assert.Equal(t, "A", match.Peer.Descriptor.ID)
	assert.Equal(t, 5.0, match.Distance)
}

func TestFindNearestExcludesSelf(t *testing.T) {
	r := New()
	r.Insert(Entry{Session: &fakeSession{}, Descriptor: descriptor("A", 1, 1)})
	_, ok := r.FindNearest(descriptor("A", 1, 1))
	assert.False(t, ok)
}

func TestFindNearestEmptyRegistry(t *testing.T) {
	r := New()
	_, ok := r.FindNearest(descriptor("A", 1, 1))
	assert.False(t, ok)
}

func TestDistanceSymmetryAndIdentity(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{4, 5, 6, 7}
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.Equal(t, 0.0, Distance(a, a))
}

func TestDistanceEmptyVectorIsInfinite(t *testing.T) {
	assert.True(t, Distance(nil, nil) > 1e300)
}
