package benchmark

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/session"
)

type scriptedSession struct {
	mu     sync.Mutex
	result session.Result
}

func (s *scriptedSession) Deliver(ctx context.Context, v any) session.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
func (s *scriptedSession) Closed() bool { return false }
func (s *scriptedSession) Close()       {}

func TestStartFailsFastWithNoClients(t *testing.T) {
	reg := registry.New()
	c := New(reg, nil, nil)
	_, err := c.Start(context.Background(), "requester", nil)
	assert.ErrorIs(t, err, ErrNoClients)
}

func TestBenchmarkWithOneDeparture(t *testing.T) {
	reg := registry.New()
	reg.Insert(registry.Entry{Session: &scriptedSession{result: session.OK}, Descriptor: registry.ClientDescriptor{ID: "A"}})
	reg.Insert(registry.Entry{Session: &scriptedSession{result: session.OK}, Descriptor: registry.ClientDescriptor{ID: "B"}})
	reg.Insert(registry.Entry{Session: &scriptedSession{result: session.OK}, Descriptor: registry.ClientDescriptor{ID: "C"}})

	c := New(reg, nil, nil)

	done := make(chan Summary, 1)
	go func() {
		summary, err := c.Start(context.Background(), "requester", []string{"iterations=10"})
		require.NoError(t, err)
		done <- summary
	}()

	// Let Start dispatch and arm the expected-set before we report.
	time.Sleep(20 * time.Millisecond)

	var requestID string
	c.mu.Lock()
	for id := range c.pendings {
		requestID = id
	}
	c.mu.Unlock()
	require.NotEmpty(t, requestID)

	accepted, already := c.Report(requestID, "A", 7, 10, nil, nil)
	assert.True(t, accepted)
	assert.False(t, already)

	c.HandleDeparture("B")

	accepted, already = c.Report(requestID, "C", 11, 10, nil, nil)
	assert.True(t, accepted)
	assert.False(t, already)

	summary := <-done
	assert.Equal(t, 2, summary.Responded)
	assert.Empty(t, summary.Pending)
	assert.Equal(t, 3, summary.Participants)
	require.Len(t, summary.Results, 2)
	assert.Equal(t, "A", summary.Results[0].ClientID)
	assert.Equal(t, "C", summary.Results[1].ClientID)
}

func TestBenchmarkTimeout(t *testing.T) {
	reg := registry.New()
	reg.Insert(registry.Entry{Session: &scriptedSession{result: session.OK}, Descriptor: registry.ClientDescriptor{ID: "solo"}})

	c := New(reg, nil, nil)
	summary, err := c.Start(context.Background(), "requester", []string{"timeout=20"})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Responded)
	assert.Equal(t, []string{"solo"}, summary.Pending)
	assert.Contains(t, summary.Message, "timed out")
}

func TestSecondReportForSameClientIsRejected(t *testing.T) {
	reg := registry.New()
	reg.Insert(registry.Entry{Session: &scriptedSession{result: session.OK}, Descriptor: registry.ClientDescriptor{ID: "A"}})

	c := New(reg, nil, nil)
	done := make(chan Summary, 1)
	go func() {
		summary, err := c.Start(context.Background(), "requester", nil)
		require.NoError(t, err)
		done <- summary
	}()

	time.Sleep(20 * time.Millisecond)
	var requestID string
	c.mu.Lock()
	for id := range c.pendings {
		requestID = id
	}
	c.mu.Unlock()

	accepted, already := c.Report(requestID, "A", 1, 1, nil, nil)
	assert.True(t, accepted)
	assert.False(t, already)

	summary := <-done
	assert.Len(t, summary.Results, 1)

	// c.pendings[requestID] is gone by now (resolved), so a late duplicate
	// report against the same requestId is simply unknown.
	accepted, already = c.Report(requestID, "A", 2, 1, nil, nil)
	assert.False(t, accepted)
	assert.False(t, already)
}
