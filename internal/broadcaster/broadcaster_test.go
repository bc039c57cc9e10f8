package broadcaster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/session"
)

type scriptedSession struct {
	mu        sync.Mutex
	result    session.Result
	delivered []any
}

func (s *scriptedSession) Deliver(ctx context.Context, v any) session.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, v)
	return s.result
}
func (s *scriptedSession) Closed() bool { return false }
func (s *scriptedSession) Close()       {}

func TestBroadcastDeliversToAllAndReturnsSnapshotSize(t *testing.T) {
	reg := registry.New()
	ok1 := &scriptedSession{result: session.OK}
	ok2 := &scriptedSession{result: session.OK}
	reg.Insert(registry.Entry{Session: ok1, Descriptor: registry.ClientDescriptor{ID: "a"}})
	reg.Insert(registry.Entry{Session: ok2, Descriptor: registry.ClientDescriptor{ID: "b"}})

	e := New(reg, nil, nil)
	n := e.Broadcast(context.Background(), map[string]any{"type": "user-message"})

	assert.Equal(t, 2, n)
	assert.Len(t, ok1.delivered, 1)
	assert.Len(t, ok2.delivered, 1)
	assert.Equal(t, 2, reg.Size())
}

func TestBroadcastEvictsDeadSessionsOnly(t *testing.T) {
	reg := registry.New()
	dead := &scriptedSession{result: session.Dead}
	transient := &scriptedSession{result: session.Transient}
	reg.Insert(registry.Entry{Session: dead, Descriptor: registry.ClientDescriptor{ID: "dead"}})
	reg.Insert(registry.Entry{Session: transient, Descriptor: registry.ClientDescriptor{ID: "transient"}})

	e := New(reg, nil, nil)
	n := e.Broadcast(context.Background(), map[string]any{"type": "x"})

	assert.Equal(t, 2, n)
	require.Equal(t, 1, reg.Size())
	_, stillPresent := reg.Get("transient")
	assert.True(t, stillPresent)
	_, deadPresent := reg.Get("dead")
	assert.False(t, deadPresent)
}
