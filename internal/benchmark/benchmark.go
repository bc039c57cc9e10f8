// Package benchmark implements the Benchmark Coordinator (spec.md §4.5):
// a requester fans a benchmark-request out to every currently-registered
// client, tracks the expected-responder set, collects typed reports, and
// resolves a summary when the set drains or a timeout fires.
//
// Grounded on the teacher's cmd/cb-loadtest/main.go (latency-tracking,
// percentile-ready result aggregation under a worker pool) and
// internal/circuitbreaker's timer-driven state resolution; narrowed to a
// single per-requestId "pending" actor per spec.md §9's request-scoped
// coordinator note.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainhub/hub/internal/idgen"
	"github.com/brainhub/hub/internal/metrics"
	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/session"
)

// now is the package time source; tests override it for deterministic
// timeout behavior.
var now = time.Now

const (
	defaultIterations = 50_000
	defaultTimeoutMs  = 5_000
)

// Result is one worker's typed timing report (spec.md §3 BenchmarkResult).
type Result struct {
	ClientID     string          `json:"clientId"`
	DurationMs   int             `json:"durationMs"`
	Iterations   int             `json:"iterations"`
	OpsPerSecond *float64        `json:"opsPerSecond,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// Summary is the resolved benchmark summary (spec.md §4.5).
type Summary struct {
	Command     string    `json:"command"`
	RequestID   string    `json:"requestId"`
	RequesterID string    `json:"requesterId"`
	Iterations  int       `json:"iterations"`
	TimeoutMs   int        `json:"timeoutMs"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
	Participants int      `json:"participants"`
	Responded   int       `json:"responded"`
	Pending     []string  `json:"pending"`
	Results     []Result  `json:"results"`
	Message     string    `json:"message"`
}

// pending is a single request-scoped coordinator: it owns the
// expected-set, the timer, and the resolver for one requestId.
type pending struct {
	mu sync.Mutex

	requestID   string
	requesterID string
	iterations  int
	timeoutMs   int
	startedAt   time.Time
	participants int

	expected   map[string]struct{}
	reported   map[string]struct{} // every clientId that has ever reported, for AlreadyReported detection
	results    []Result

	timer    *time.Timer
	done     chan struct{}
	resolved bool
	summary  Summary
}

// Coordinator tracks all in-flight benchmarks.
type Coordinator struct {
	mu       sync.Mutex
	pendings map[string]*pending

	reg     *registry.Registry
	logger  *zap.Logger
	metrics *metrics.Hub
}

// New constructs a Coordinator over reg.
func New(reg *registry.Registry, logger *zap.Logger, m *metrics.Hub) *Coordinator {
	return &Coordinator{
		pendings: make(map[string]*pending),
		reg:      reg,
		logger:   logger,
		metrics:  m,
	}
}

// ErrNoClients is returned when the registry snapshot is empty at
// dispatch time (spec.md §4.5 step 1).
var ErrNoClients = fmt.Errorf("no clients registered")

// Start parses argv (positional iterations, key=value pairs for
// timeout/iterations/loops/timeoutms), dispatches a benchmark-request to
// every registered client, and blocks until the benchmark resolves
// (completed, timed out, or unreachable), returning the final summary.
func (c *Coordinator) Start(ctx context.Context, requesterID string, argv []string) (Summary, error) {
	iterations, timeoutMs := parseBenchmarkArgs(argv)

	snapshot := c.reg.Snapshot()
	if len(snapshot) == 0 {
		return Summary{}, ErrNoClients
	}

	requestID := idgen.New("bench")
	startedAt := now()

	p := &pending{
		requestID:    requestID,
		requesterID:  requesterID,
		iterations:   iterations,
		timeoutMs:    timeoutMs,
		startedAt:    startedAt,
		participants: len(snapshot),
		expected:     make(map[string]struct{}, len(snapshot)),
		reported:     make(map[string]struct{}, len(snapshot)),
		done:         make(chan struct{}),
	}
	for _, entry := range snapshot {
		p.expected[entry.Descriptor.ID] = struct{}{}
	}

	c.mu.Lock()
	c.pendings[requestID] = p
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.BenchmarksStarted.Inc()
		c.metrics.BenchmarkPending.Inc()
	}

	msg := map[string]any{
		"type":        "benchmark-request",
		"requestId":   requestID,
		"requesterId": requesterID,
		"iterations":  iterations,
		"timeoutMs":   timeoutMs,
		"startedAt":   startedAt,
	}
	for _, entry := range snapshot {
		result := entry.Session.Deliver(ctx, msg)
		if result != session.OK {
			p.dropExpected(entry.Descriptor.ID)
			if result == session.Dead {
				c.reg.RemoveByHandle(entry.Session)
			}
		}
	}

	if p.expectedEmpty() {
		c.resolve(p, "could not reach any clients")
		return c.finish(p), nil
	}

	p.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		c.resolve(p, "timed out")
	})

	<-p.done
	return c.finish(p), nil
}

// Report records a worker's benchmark result. The first report for a
// given clientId wins; a later report for the same clientId is rejected
// as AlreadyReported (spec.md §7) and does not change the summary.
func (c *Coordinator) Report(requestID, clientID string, durationMs, iterations int, opsPerSecond *float64, details json.RawMessage) (accepted bool, alreadyReported bool) {
	c.mu.Lock()
	p, ok := c.pendings[requestID]
	c.mu.Unlock()
	if !ok {
		return false, false
	}

	p.mu.Lock()
	if _, already := p.reported[clientID]; already {
		p.mu.Unlock()
		return false, true
	}
	p.reported[clientID] = struct{}{}
	p.results = append(p.results, Result{
		ClientID:     clientID,
		DurationMs:   durationMs,
		Iterations:   iterations,
		OpsPerSecond: opsPerSecond,
		ReceivedAt:   now(),
		Details:      details,
	})
	delete(p.expected, clientID)
	drained := len(p.expected) == 0
	p.mu.Unlock()

	if drained {
		c.resolve(p, "completed")
	}
	return true, false
}

// HandleDeparture removes clientID from every pending benchmark's
// expected-set, possibly triggering completion (spec.md §4.5 departure
// semantics).
func (c *Coordinator) HandleDeparture(clientID string) {
	c.mu.Lock()
	snapshot := make([]*pending, 0, len(c.pendings))
	for _, p := range c.pendings {
		snapshot = append(snapshot, p)
	}
	c.mu.Unlock()

	for _, p := range snapshot {
		if p.dropExpected(clientID) && p.expectedEmpty() {
			c.resolve(p, "completed")
		}
	}
}

func (p *pending) dropExpected(clientID string) (wasPresent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.expected[clientID]; ok {
		delete(p.expected, clientID)
		wasPresent = true
	}
	return wasPresent
}

func (p *pending) expectedEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.expected) == 0
}

// resolve finalizes p exactly once: clears the timer before signaling so
// a resolver never races a late timer fire (spec.md §5).
func (c *Coordinator) resolve(p *pending, message string) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	completedAt := now()

	pendingIDs := make([]string, 0, len(p.expected))
	for id := range p.expected {
		pendingIDs = append(pendingIDs, id)
	}
	sort.Strings(pendingIDs)

	results := make([]Result, len(p.results))
	copy(results, p.results)

	p.summary = Summary{
		Command:      "benchmark",
		RequestID:    p.requestID,
		RequesterID:  p.requesterID,
		Iterations:   p.iterations,
		TimeoutMs:    p.timeoutMs,
		StartedAt:    p.startedAt,
		CompletedAt:  completedAt,
		DurationMs:   completedAt.Sub(p.startedAt).Milliseconds(),
		Participants: p.participants,
		Responded:    len(results),
		Pending:      pendingIDs,
		Results:      results,
		Message:      message,
	}
	p.mu.Unlock()

	close(p.done)

	c.mu.Lock()
	delete(c.pendings, p.requestID)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.BenchmarksResolved.Inc()
		c.metrics.BenchmarkPending.Dec()
	}
	if c.logger != nil {
		c.logger.Info("benchmark resolved",
			zap.String("requestId", p.requestID),
			zap.String("message", message))
	}
}

func (c *Coordinator) finish(p *pending) Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

// parseBenchmarkArgs applies spec.md §4.5's argument grammar: an
// optional leading positional integer for iterations, plus case
// insensitive key=value pairs for timeout/iterations/loops/timeoutms.
func parseBenchmarkArgs(argv []string) (iterations int, timeoutMs int) {
	iterations, timeoutMs = defaultIterations, defaultTimeoutMs
	for i, tok := range argv {
		if i == 0 {
			if n, err := strconv.Atoi(tok); err == nil {
				iterations = n
				continue
			}
		}
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch strings.ToLower(key) {
		case "iterations", "loops":
			iterations = n
		case "timeout", "timeoutms":
			timeoutMs = n
		}
	}
	return iterations, timeoutMs
}
