// Package mapreduce implements the Map-Reduce Coordinator (spec.md
// §4.6): opaque task payloads are parsed from a base64/JSON-normalized
// input, dispatched round-robin across the active worker pool,
// reassigned on departure, and reduced through one of a closed set of
// reducers once every task completes or the coordinator times out.
//
// Grounded on the teacher's internal/rpc/custom_tasks.go (a Task
// interface dispatched through internal/engine with ID()/Execute()) and
// internal/engine/engine.go's worker-pool dispatch loop; narrowed to the
// spec's simpler per-requestId round-robin assignment over Session
// Handles instead of the engine's topic/subscriber model.
package mapreduce

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task is one unit of map-reduce work (spec.md §4.6 ResultEntry plus the
// dispatch bookkeeping fields the coordinator needs).
type Task struct {
	TaskID      string
	Payload     json.RawMessage
	Metadata    json.RawMessage
	AssignedTo  string
	AssignedAt  *time.Time
	Attempts    int
	Result      json.RawMessage
	Error       string
	Completed   bool
	CompletedAt *time.Time
}

// ErrNoTasks is returned when zero tasks parse from the input (spec.md
// §4.6).
var ErrNoTasks = fmt.Errorf("no tasks parsed from input")

// DecodeValue parses a single `mapreduce report` result argument with
// the same base64/JSON normalization rule task payloads use (spec.md
// §4.6, §9), for internal/router's report command.
func DecodeValue(raw string) (json.RawMessage, error) {
	value, err := decodeTaskInput(raw)
	if err != nil {
		return nil, err
	}
	return mustMarshal(value), nil
}

// parseTasks normalizes raw input into an ordered list of Tasks per
// spec.md §4.6 and §9's base64/JSON normalization rule: the explicit
// "base64:"/"b64:" prefix path MUST be tried first; only when no prefix
// is present does the implementation probe for an implicit base64
// encoding, and only after a direct JSON parse has already failed — this
// ordering keeps a JSON string that happens to consist of base64-legal
// characters from being decoded by accident.
func parseTasks(raw string) ([]Task, error) {
	value, err := decodeTaskInput(raw)
	if err != nil {
		return nil, err
	}
	tasks := normalizeTasks(value)
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	return tasks, nil
}

func decodeTaskInput(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)

	if rest, ok := cutPrefixFold(trimmed, "base64:"); ok {
		return decodeBase64JSON(rest)
	}
	if rest, ok := cutPrefixFold(trimmed, "b64:"); ok {
		return decodeBase64JSON(rest)
	}

	var direct any
	if err := json.Unmarshal([]byte(trimmed), &direct); err == nil {
		return direct, nil
	}

	if looksLikeBase64(trimmed) {
		if value, err := decodeBase64JSON(trimmed); err == nil {
			return value, nil
		}
	}

	return nil, fmt.Errorf("mapreduce: malformed task input: not valid JSON or base64 JSON")
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func decodeBase64JSON(s string) (any, error) {
	s = strings.TrimSpace(s)
	decoded, err := decodeBase64Flexible(s)
	if err != nil {
		return nil, fmt.Errorf("mapreduce: invalid base64 task input: %w", err)
	}
	var value any
	if err := json.Unmarshal(decoded, &value); err != nil {
		return nil, fmt.Errorf("mapreduce: base64-decoded task input is not valid JSON: %w", err)
	}
	return value, nil
}

// decodeBase64Flexible accepts standard or URL-safe alphabets with
// optional padding, per spec.md §9.
func decodeBase64Flexible(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("no base64 variant matched")
}

// looksLikeBase64 is the printable-ASCII probe from spec.md §9: the
// string must consist solely of base64-alphabet characters (plus
// optional padding) and have a length compatible with base64, otherwise
// it is left alone as "not base64" so JSON parse failures surface as
// genuine malformed input instead of silently misdecoding.
func looksLikeBase64(s string) bool {
	if s == "" || len(s)%4 == 1 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return true
}

const (
	reservedKeyMetadata = "metadata"
	reservedKeyConfig   = "config"
)

// normalizeTasks applies spec.md §4.6's task-shape normalization rules.
func normalizeTasks(value any) []Task {
	switch v := value.(type) {
	case []any:
		tasks := make([]Task, 0, len(v))
		for i, elem := range v {
			tasks = append(tasks, taskFromListElement(elem, i+1))
		}
		return tasks
	case map[string]any:
		if nested, ok := v["tasks"]; ok {
			return normalizeTasks(nested)
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			if k == reservedKeyMetadata || k == reservedKeyConfig {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tasks := make([]Task, 0, len(keys))
		for _, k := range keys {
			tasks = append(tasks, Task{TaskID: k, Payload: mustMarshal(v[k])})
		}
		return tasks
	default:
		return nil
	}
}

func taskFromListElement(elem any, index int) Task {
	defaultID := fmt.Sprintf("task-%d", index)
	obj, ok := elem.(map[string]any)
	if !ok {
		return Task{TaskID: defaultID, Payload: mustMarshal(elem)}
	}

	id := defaultID
	if v, ok := firstString(obj, "taskId", "id"); ok {
		id = v
	}

	var payload any = obj
	for _, key := range []string{"payload", "value", "data"} {
		if v, ok := obj[key]; ok {
			payload = v
			break
		}
	}

	var metadata json.RawMessage
	if m, ok := obj["metadata"]; ok {
		metadata = mustMarshal(m)
	}

	return Task{TaskID: id, Payload: mustMarshal(payload), Metadata: metadata}
}

func firstString(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
