package mapreduce

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/brainhub/hub/internal/idgen"
	"github.com/brainhub/hub/internal/metrics"
	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/session"
)

// now is the package time source; tests override it for deterministic
// timeout behavior.
var now = time.Now

const defaultTimeoutMs = 30_000

// ResultEntry mirrors spec.md §4.6's per-task summary projection.
type ResultEntry struct {
	TaskID     string          `json:"taskId"`
	AssignedTo string          `json:"assignedTo,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs *int64          `json:"durationMs,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Summary is the resolved (or in-progress, via Status) map-reduce
// summary (spec.md §4.6).
type Summary struct {
	Command       string        `json:"command"`
	RequestID     string        `json:"requestId"`
	RequesterID   string        `json:"requesterId"`
	Reducer       Reducer       `json:"reducer"`
	TimeoutMs     int           `json:"timeoutMs"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt,omitempty"`
	DurationMs    int64         `json:"durationMs"`
	Participants  int           `json:"participants"`
	TotalTasks    int           `json:"totalTasks"`
	CompletedTasks int          `json:"completedTasks"`
	FailedTasks   int           `json:"failedTasks"`
	PendingTasks  int           `json:"pendingTasks"`
	Results       []ResultEntry `json:"results"`
	ReducedValue  any           `json:"reducedValue"`
	Message       string        `json:"message"`
}

// pending is the request-scoped coordinator actor for one map-reduce
// (spec.md §9).
type pending struct {
	mu sync.Mutex

	requestID   string
	requesterID string
	reducer     Reducer
	timeoutMs   int
	startedAt   time.Time
	participants int

	tasks []*Task
	index map[string]*Task

	timer          *time.Timer
	resolved       bool
	summaryMessage string
}

// Coordinator tracks all in-flight map-reduces and owns the shared
// round-robin dispatch cursor (spec.md §4.6: "round-robin across the
// registry, starting from the previously recorded cursor").
type Coordinator struct {
	mu       sync.Mutex
	pendings map[string]*pending
	cursor   int

	// statusGroup collapses concurrent `mapreduce status` polls for the
	// same requestId into a single summary build, so a hot poller doesn't
	// serialize extra work onto every pending's lock.
	statusGroup singleflight.Group

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

// Start parses `tasks=<payload> [reducer=<name>] [timeout=<ms>]`,
// dispatches every task round-robin across the registry, and returns the
// resulting summary. If every task has already completed (including
// immediate dispatch failure with an empty registry), the summary is
// returned already resolved; otherwise a background timer is armed and
// the summary reflects the in-progress state at dispatch time.
func (c *Coordinator) Start(ctx context.Context, requesterID string, argv []string) (Summary, error) {
	tasksRaw, reducerName, timeoutMs := parseMapReduceArgs(argv)

	parsedTasks, err := parseTasks(tasksRaw)
	if err != nil {
		return Summary{}, err
	}

	requestID := idgen.New("mr")
	p := &pending{
		requestID:    requestID,
		requesterID:  requesterID,
		reducer:      parseReducer(reducerName),
		timeoutMs:    timeoutMs,
		startedAt:    now(),
		participants: c.reg.Size(),
		index:        make(map[string]*Task, len(parsedTasks)),
	}
	for i := range parsedTasks {
		t := &parsedTasks[i]
		p.tasks = append(p.tasks, t)
		p.index[t.TaskID] = t
	}

	c.mu.Lock()
	c.pendings[requestID] = p
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.MapReducesStarted.Inc()
		c.metrics.MapReduceTasksPending.Add(float64(len(p.tasks)))
	}

	snapshot := c.reg.Snapshot()
	for _, t := range p.tasks {
		c.dispatchTask(ctx, snapshot, t, p, "Failed to dispatch task to any client")
	}

	if c.allComplete(p) {
		return c.resolve(p, "completed"), nil
	}

	p.mu.Lock()
	p.timer = time.AfterFunc(time.Duration(p.timeoutMs)*time.Millisecond, func() {
		c.onTimeout(p)
	})
	p.mu.Unlock()

	return c.snapshotSummary(p, ""), nil
}

// dispatchTask tries up to len(snapshot) candidates starting at the
// coordinator's cursor, advancing the cursor only on success (spec.md
// §4.6). On exhaustion the task is completed with failMessage, which
// distinguishes first dispatch ("Failed to dispatch task to any client")
// from post-departure reassignment ("Failed to reassign after client
// departure").
func (c *Coordinator) dispatchTask(ctx context.Context, snapshot []registry.Entry, t *Task, p *pending, failMessage string) {
	n := len(snapshot)
	if n == 0 {
		c.failDispatch(t, failMessage)
		return
	}

	c.mu.Lock()
	start := c.cursor
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		entry := snapshot[idx]

		p.mu.Lock()
		attempt := t.Attempts + 1
		p.mu.Unlock()

		msg := map[string]any{
			"type":       "mapreduce-task",
			"requestId":  p.requestID,
			"taskId":     t.TaskID,
			"payload":    t.Payload,
			"metadata":   t.Metadata,
			"reducer":    p.reducer,
			"totalTasks": len(p.tasks),
			"timeoutMs":  p.timeoutMs,
			"attempts":   attempt,
		}
		result := entry.Session.Deliver(ctx, msg)
		if result == session.OK {
			assignedAt := now()
			p.mu.Lock()
			t.AssignedTo = entry.Descriptor.ID
			t.AssignedAt = &assignedAt
			t.Attempts++
			p.mu.Unlock()

			c.mu.Lock()
			c.cursor = (idx + 1) % n
			c.mu.Unlock()
			return
		}
		if result == session.Dead {
			c.reg.RemoveByHandle(entry.Session)
		} else if c.logger != nil {
			c.logger.Warn("transient mapreduce-task delivery failure",
				zap.String("requestId", p.requestID), zap.String("taskId", t.TaskID))
		}
	}

	c.failDispatch(t, failMessage)
}

func (c *Coordinator) failDispatch(t *Task, message string) {
	completedAt := now()
	t.Error = message
	t.Completed = true
	t.CompletedAt = &completedAt
	if c.metrics != nil {
		c.metrics.MapReduceTasksPending.Dec()
	}
}

// Report records a worker's task result or error. Subsequent reports for
// an already-completed taskId are rejected (spec.md §4.6, §7).
func (c *Coordinator) Report(requestID, taskID, reporterClientID string, result json.RawMessage, errMsg string, metadata json.RawMessage) (accepted bool, alreadyReported bool) {
	c.mu.Lock()
	p, ok := c.pendings[requestID]
	c.mu.Unlock()
	if !ok {
		return false, false
	}

	p.mu.Lock()
	t, ok := p.index[taskID]
	if !ok {
		p.mu.Unlock()
		return false, false
	}
	if t.Completed {
		p.mu.Unlock()
		return false, true
	}
	if reporterClientID != "" && reporterClientID != t.AssignedTo && c.logger != nil {
		c.logger.Info("mapreduce report from non-assignee",
			zap.String("requestId", requestID), zap.String("taskId", taskID),
			zap.String("reporter", reporterClientID), zap.String("assignedTo", t.AssignedTo))
	}
	completedAt := now()
	t.CompletedAt = &completedAt
	if metadata != nil {
		t.Metadata = metadata
	}
	if errMsg != "" {
		t.Error = errMsg
	} else {
		t.Result = result
	}
	t.Completed = true
	p.mu.Unlock()

	if c.metrics != nil {
		c.metrics.MapReduceTasksPending.Dec()
	}

	if c.allComplete(p) {
		c.resolve(p, "completed")
	}
	return true, false
}

// HandleDeparture clears the assignment of every incomplete task
// assigned to clientID and re-dispatches it asynchronously (spec.md
// §4.6, §9: reassignment runs after the departure is committed so it
// never reenters the caller).
func (c *Coordinator) HandleDeparture(clientID string) {
	c.mu.Lock()
	pendings := make([]*pending, 0, len(c.pendings))
	for _, p := range c.pendings {
		pendings = append(pendings, p)
	}
	c.mu.Unlock()

	for _, p := range pendings {
		p.mu.Lock()
		var orphaned []*Task
		for _, t := range p.tasks {
			if !t.Completed && t.AssignedTo == clientID {
				t.AssignedTo = ""
				t.AssignedAt = nil
				orphaned = append(orphaned, t)
			}
		}
		p.mu.Unlock()

		for _, t := range orphaned {
			go c.reassign(t, p)
		}
	}
}

func (c *Coordinator) reassign(t *Task, p *pending) {
	snapshot := c.reg.Snapshot()
	c.dispatchTask(context.Background(), snapshot, t, p, "Failed to reassign after client departure")
	if c.allComplete(p) {
		c.resolve(p, "completed")
	}
}

// Status returns the current summary for requestID without resolving it.
// Concurrent callers polling the same requestId share one summary build
// via statusGroup.
func (c *Coordinator) Status(requestID string) (Summary, bool) {
	c.mu.Lock()
	p, ok := c.pendings[requestID]
	c.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	v, _, _ := c.statusGroup.Do(requestID, func() (any, error) {
		return c.snapshotSummary(p, ""), nil
	})
	return v.(Summary), true
}

// Cancel resolves requestID immediately with whatever tasks have
// completed so far; unfinished tasks remain pending in the summary.
func (c *Coordinator) Cancel(requestID string) (Summary, bool) {
	c.mu.Lock()
	p, ok := c.pendings[requestID]
	c.mu.Unlock()
	if !ok {
		return Summary{}, false
	}
	return c.resolve(p, "cancelled"), true
}

func (c *Coordinator) onTimeout(p *pending) {
	completedAt := now()
	var forced int
	p.mu.Lock()
	for _, t := range p.tasks {
		if !t.Completed {
			t.Error = "No response received"
			t.Completed = true
			t.CompletedAt = &completedAt
			forced++
		}
	}
	p.mu.Unlock()
	if c.metrics != nil && forced > 0 {
		c.metrics.MapReduceTasksPending.Sub(float64(forced))
	}
	c.resolve(p, "timed out")
}

func (c *Coordinator) allComplete(p *pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if !t.Completed {
			return false
		}
	}
	return true
}

// resolve finalizes p exactly once: the timer is cleared before the
// summary is built so a resolver never races a late timer fire (spec.md
// §5).
func (c *Coordinator) resolve(p *pending, message string) Summary {
	p.mu.Lock()
	if p.resolved {
		msg := p.summaryMessage
		p.mu.Unlock()
		return c.snapshotSummary(p, msg)
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.summaryMessage = message
	p.mu.Unlock()

	summary := c.snapshotSummary(p, message)

	c.mu.Lock()
	delete(c.pendings, p.requestID)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.MapReducesResolved.Inc()
	}
	if c.logger != nil {
		c.logger.Info("mapreduce resolved",
			zap.String("requestId", p.requestID), zap.String("message", message))
	}
	return summary
}

// snapshotSummary builds a Summary from p's current state, whether or
// not p has resolved yet (used by Status, and by Start/resolve for the
// final summary).
func (c *Coordinator) snapshotSummary(p *pending, message string) Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.buildSummary(p, message)
}

// buildSummary must be called with p.mu held.
func (c *Coordinator) buildSummary(p *pending, message string) Summary {
	results := make([]ResultEntry, 0, len(p.tasks))
	completed, failed := 0, 0
	for _, t := range p.tasks {
		entry := ResultEntry{
			TaskID:     t.TaskID,
			AssignedTo: t.AssignedTo,
			Attempts:   t.Attempts,
			Result:     t.Result,
			Error:      t.Error,
			Metadata:   t.Metadata,
		}
		if t.AssignedAt != nil && t.CompletedAt != nil {
			d := t.CompletedAt.Sub(*t.AssignedAt).Milliseconds()
			entry.DurationMs = &d
		}
		results = append(results, entry)
		if t.Completed {
			completed++
			if t.Error != "" {
				failed++
			}
		}
	}

	completedAt := now()
	return Summary{
		Command:        "mapreduce",
		RequestID:      p.requestID,
		RequesterID:    p.requesterID,
		Reducer:        p.reducer,
		TimeoutMs:      p.timeoutMs,
		StartedAt:      p.startedAt,
		CompletedAt:    completedAt,
		DurationMs:     completedAt.Sub(p.startedAt).Milliseconds(),
		Participants:   p.participants,
		TotalTasks:     len(p.tasks),
		CompletedTasks: completed,
		FailedTasks:    failed,
		PendingTasks:   len(p.tasks) - completed,
		Results:        results,
		ReducedValue:   reduce(p.reducer, derefTasks(p.tasks)),
		Message:        message,
	}
}

func derefTasks(tasks []*Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out
}

// parseMapReduceArgs extracts tasks=/reducer=/timeout= from argv
// (spec.md §4.6, §6.2).
func parseMapReduceArgs(argv []string) (tasksRaw, reducerName string, timeoutMs int) {
	timeoutMs = defaultTimeoutMs
	for _, tok := range argv {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "tasks":
			tasksRaw = value
		case "reducer":
			reducerName = value
		case "timeout":
			if n, err := strconv.Atoi(value); err == nil {
				timeoutMs = n
			}
		}
	}
	return tasksRaw, reducerName, timeoutMs
}
