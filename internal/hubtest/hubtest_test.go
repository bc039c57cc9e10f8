// Package hubtest wires a full Hub (registry, kvstore, broadcaster,
// benchmark and map-reduce coordinators, object store, router) against
// fake in-memory sessions and drives the six end-to-end scenarios from
// spec.md §8 top to bottom. Grounded on the teacher's cmd/smoke-style
// wire-everything-up-and-poke-it smoke test, generalized from a single
// boot check into a scenario suite.
package hubtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainhub/hub/internal/benchmark"
	"github.com/brainhub/hub/internal/broadcaster"
	"github.com/brainhub/hub/internal/hub"
	"github.com/brainhub/hub/internal/kvstore"
	"github.com/brainhub/hub/internal/mapreduce"
	"github.com/brainhub/hub/internal/objectstore"
	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/session"
)

// recordingSession is a fake Session Handle: it appends every delivered
// message to an in-memory slice instead of writing to a socket.
type recordingSession struct {
	messages []any
	closed   bool
}

func (s *recordingSession) Deliver(ctx context.Context, v any) session.Result {
	if s.closed {
		return session.Dead
	}
	s.messages = append(s.messages, v)
	return session.OK
}

func (s *recordingSession) Closed() bool { return s.closed }
func (s *recordingSession) Close()       { s.closed = true }

func (s *recordingSession) lastOfType(msgType string) (map[string]any, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m, ok := s.messages[i].(map[string]any)
		if ok && m["type"] == msgType {
			return m, true
		}
	}
	return nil, false
}

func waitForMessageType(t *testing.T, sess *recordingSession, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m, ok := sess.lastOfType(msgType); ok {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never observed a %q message", msgType)
	return nil
}

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	reg := registry.New()
	kv := kvstore.New(100, nil, nil, nil)
	bcast := broadcaster.New(reg, nil, nil)
	bench := benchmark.New(reg, nil, nil)
	mr := mapreduce.New(reg, nil, nil)
	objects, err := objectstore.New(t.TempDir(), nil)
	require.NoError(t, err)

	return hub.New(hub.Deps{
		Registry:    reg,
		KV:          kv,
		Broadcaster: bcast,
		Benchmark:   bench,
		MapReduce:   mr,
		Objects:     objects,
		KVMaxKeys:   100,
	})
}

func joinRequest(id string, vector []float64) hub.JoinRequest {
	return hub.JoinRequest{ID: id, JoinedAt: time.Now().Format(time.RFC3339), Vector: vector}
}

// Scenario 1: two-peer nearest match (spec.md §8 scenario 1).
func TestTwoPeerNearestMatch(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	sessA := &recordingSession{}
	total, err := h.Join(ctx, sessA, joinRequest("A", []float64{0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	sessB := &recordingSession{}
	total, err = h.Join(ctx, sessB, joinRequest("B", []float64{3, 4, 0}))
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	clientListB, ok := sessB.lastOfType("client-list")
	require.True(t, ok)
	match, ok := clientListB["match"].(map[string]any)
	require.True(t, ok)
	peer, ok := match["peer"].(registry.ClientDescriptor)
	require.True(t, ok)
	assert.Equal(t, "A", peer.ID)
	assert.Equal(t, 5.0, match["distance"])

	clientMatchA, ok := sessA.lastOfType("client-match")
	require.True(t, ok)
	assert.Equal(t, 5.0, clientMatchA["distance"])
	assert.Equal(t, "hello", clientMatchA["message"])

	_, ok = sessA.lastOfType("client-joined")
	require.True(t, ok)

	assert.Equal(t, 2, h.Registry().Size())
}

// Scenario 2: lazy-expiry get (spec.md §8 scenario 2). Uses a short real
// TTL: kvstore's clock source is an unexported package var, unreachable
// from an integration harness outside the package.
func TestLazyExpiryGet(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	_, err := h.Join(ctx, &recordingSession{}, joinRequest("W1", []float64{0}))
	require.NoError(t, err)

	putResp := h.Dispatch(ctx, "W1", "put foo bar 1").(map[string]any)
	require.Equal(t, true, putResp["ok"])

	immediate := h.Dispatch(ctx, "W1", "get foo").(map[string]any)
	assert.Equal(t, json.RawMessage(`"bar"`), immediate["value"])

	time.Sleep(1200 * time.Millisecond)

	expired := h.Dispatch(ctx, "W1", "get foo").(map[string]any)
	assert.Nil(t, expired["value"])
	assert.Equal(t, true, expired["expired"])

	keysResp := h.Dispatch(ctx, "W1", "keys").(map[string]any)
	keys, _ := keysResp["keys"].([]string)
	assert.NotContains(t, keys, "foo")
}

// Scenario 3: benchmark with one departure (spec.md §8 scenario 3).
// benchmark.Coordinator.Start blocks the dispatching goroutine until the
// benchmark resolves, so the start command runs concurrently with the
// reports/departure driving it to completion.
func TestBenchmarkWithDeparture(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	sessA := &recordingSession{}
	sessB := &recordingSession{}
	sessC := &recordingSession{}
	_, err := h.Join(ctx, sessA, joinRequest("A", []float64{0}))
	require.NoError(t, err)
	_, err = h.Join(ctx, sessB, joinRequest("B", []float64{1}))
	require.NoError(t, err)
	_, err = h.Join(ctx, sessC, joinRequest("C", []float64{2}))
	require.NoError(t, err)

	resultCh := make(chan any, 1)
	go func() { resultCh <- h.Dispatch(ctx, "requester", "benchmark iterations=10") }()

	req := waitForMessageType(t, sessA, "benchmark-request")
	requestID := req["requestId"].(string)

	reportA := h.Dispatch(ctx, "A", "benchmark report "+requestID+" 7").(map[string]any)
	assert.Equal(t, true, reportA["accepted"])

	h.Disconnect(ctx, "B")

	reportC := h.Dispatch(ctx, "C", "benchmark report "+requestID+" 11").(map[string]any)
	assert.Equal(t, true, reportC["accepted"])

	final := (<-resultCh).(benchmark.Summary)
	assert.Equal(t, 2, final.Responded)
	assert.Empty(t, final.Pending)
	assert.Equal(t, 3, final.Participants)
	require.Len(t, final.Results, 2)
	assert.Equal(t, "A", final.Results[0].ClientID)
	assert.Equal(t, "C", final.Results[1].ClientID)
}

// Scenario 4: benchmark timeout (spec.md §8 scenario 4).
func TestBenchmarkTimeout(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	sess := &recordingSession{}
	_, err := h.Join(ctx, sess, joinRequest("A", []float64{0}))
	require.NoError(t, err)

	resultCh := make(chan any, 1)
	go func() { resultCh <- h.Dispatch(ctx, "requester", "benchmark timeout=50") }()

	waitForMessageType(t, sess, "benchmark-request")

	var summary benchmark.Summary
	select {
	case r := <-resultCh:
		summary = r.(benchmark.Summary)
	case <-time.After(2 * time.Second):
		t.Fatal("benchmark never timed out")
	}

	assert.Equal(t, 0, summary.Responded)
	require.Len(t, summary.Pending, 1)
	assert.Equal(t, "A", summary.Pending[0])
	assert.Contains(t, summary.Message, "timed out")
}

// Scenario 5: map-reduce sum reducer (spec.md §8 scenario 5). Each
// worker's report echoes back its own task's payload, so summing
// [1,2,3,4] totals 10; payload order matches dispatch order since
// mapreduce.Summary.Results preserves task creation order.
func TestMapReduceSum(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	for _, id := range []string{"W1", "W2", "W3"} {
		_, err := h.Join(ctx, &recordingSession{}, joinRequest(id, []float64{0}))
		require.NoError(t, err)
	}

	started := h.Dispatch(ctx, "requester", "mapreduce start tasks=[1,2,3,4] reducer=sum").(mapreduce.Summary)
	require.Len(t, started.Results, 4)

	for i, r := range started.Results {
		payload := i + 1
		reported := h.Dispatch(ctx, r.AssignedTo, "mapreduce report "+started.RequestID+" "+r.TaskID+" result="+intStr(payload)).(map[string]any)
		assert.Equal(t, true, reported["accepted"])
	}

	status := h.Dispatch(ctx, "requester", "mapreduce status "+started.RequestID)
	summary := status.(mapreduce.Summary)
	assert.Equal(t, float64(10), summary.ReducedValue)
	assert.Equal(t, 4, summary.CompletedTasks)
	assert.Equal(t, 0, summary.PendingTasks)
	assert.Equal(t, 0, summary.FailedTasks)
}

func intStr(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

// Scenario 6: map-reduce reassignment on departure (spec.md §8 scenario 6).
func TestMapReduceReassignment(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	_, err := h.Join(ctx, &recordingSession{}, joinRequest("W1", []float64{0}))
	require.NoError(t, err)
	_, err = h.Join(ctx, &recordingSession{}, joinRequest("W2", []float64{1}))
	require.NoError(t, err)

	started := h.Dispatch(ctx, "requester", `mapreduce start tasks=[{"taskId":"a","payload":1},{"taskId":"b","payload":2}]`).(mapreduce.Summary)
	requestID := started.RequestID

	var aAssignee string
	for _, r := range started.Results {
		if r.TaskID == "a" {
			aAssignee = r.AssignedTo
		}
	}
	require.Equal(t, "W1", aAssignee)

	reportB := h.Dispatch(ctx, "W2", "mapreduce report "+requestID+" b result=2").(map[string]any)
	require.Equal(t, true, reportB["accepted"])

	h.Disconnect(ctx, "W1")

	deadline := time.Now().Add(time.Second)
	var summary mapreduce.Summary
	for time.Now().Before(deadline) {
		status := h.Dispatch(ctx, "requester", "mapreduce status "+requestID)
		s, ok := status.(mapreduce.Summary)
		if ok {
			for _, r := range s.Results {
				if r.TaskID == "a" && r.AssignedTo == "W2" {
					summary = s
				}
			}
		}
		if summary.RequestID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, summary.RequestID, "task a was never reassigned to W2")

	reportA := h.Dispatch(ctx, "W2", "mapreduce report "+requestID+" a result=1").(map[string]any)
	require.Equal(t, true, reportA["accepted"])

	finalStatus := h.Dispatch(ctx, "requester", "mapreduce status "+requestID).(mapreduce.Summary)
	assert.Equal(t, 0, finalStatus.FailedTasks)
	for _, r := range finalStatus.Results {
		if r.TaskID == "a" {
			assert.Equal(t, "W2", r.AssignedTo)
			assert.Equal(t, 2, r.Attempts)
		}
	}
}
