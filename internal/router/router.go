// Package router implements the Command Router (spec.md §4.7, §6.2): a
// thin facade that tokenizes a worker-supplied command line, dispatches
// it to the KV store, broadcast engine, benchmark/map-reduce
// coordinators, or object store, and always returns a structured,
// JSON-serializable response — never an exception to the caller.
//
// Grounded on the teacher's internal/api/middleware.go jsonResponse
// helper (status-plus-payload response shape) and
// internal/rpc/enhanced_service.go's verb-keyed task submission surface,
// narrowed from HTTP handlers to an in-process WS command dispatcher.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brainhub/hub/internal/benchmark"
	"github.com/brainhub/hub/internal/broadcaster"
	"github.com/brainhub/hub/internal/kvstore"
	"github.com/brainhub/hub/internal/mapreduce"
	"github.com/brainhub/hub/internal/metrics"
	"github.com/brainhub/hub/internal/objectstore"
	"github.com/brainhub/hub/internal/registry"
)

// CommandNames is the ordered verb list (spec.md §4.7), surfaced by
// `help`, the `client-list` join message, and every "unknown command"
// error's `available` field.
var CommandNames = []string{
	"help", "storage", "put", "get", "delete", "keys", "expire", "ttl",
	"peers", "whoami", "benchmark", "broadcast", "audio", "mapreduce",
}

// KVBackendInfo is the subset of internal/kvpersist.Store the `storage`
// verb reports on (SPEC_FULL.md §6.7). nil means memory-only: no
// persistence backend is configured.
type KVBackendInfo interface {
	Backend() string
	LastError() (error, time.Time)
}

// backendDescriptor is the hub's own placeholder self-identification
// returned by whoami (spec.md §4.7), distinct from the KV persistence
// backend reported by storage.
type backendDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

var hubBackend = backendDescriptor{Name: "brainhub", Version: "dev"}

// Router dispatches tokenized command lines to the hub's components.
type Router struct {
	reg     *registry.Registry
	kv      *kvstore.Store
	bcast   *broadcaster.Engine
	bench   *benchmark.Coordinator
	mr      *mapreduce.Coordinator
	objects *objectstore.Store
	persist KVBackendInfo

	kvMaxKeys int

	logger  *zap.Logger
	metrics *metrics.Hub
}

// New constructs a Router. persist may be nil for memory-only KV
// operation.
func New(reg *registry.Registry, kv *kvstore.Store, bcast *broadcaster.Engine, bench *benchmark.Coordinator, mr *mapreduce.Coordinator, objects *objectstore.Store, persist KVBackendInfo, kvMaxKeys int, logger *zap.Logger, m *metrics.Hub) *Router {
	return &Router{
		reg:       reg,
		kv:        kv,
		bcast:     bcast,
		bench:     bench,
		mr:        mr,
		objects:   objects,
		persist:   persist,
		kvMaxKeys: kvMaxKeys,
		logger:    logger,
		metrics:   m,
	}
}

// Dispatch tokenizes commandText by whitespace, resolves the first token
// (case-insensitive) to a verb, and returns a structured response.
// callerID is the dispatching client's registered id, or "" if the
// caller has not yet joined.
func (r *Router) Dispatch(ctx context.Context, callerID, commandText string) any {
	tokens := strings.Fields(commandText)
	if len(tokens) == 0 {
		return map[string]any{"error": "Unknown command: ", "available": CommandNames}
	}
	verb := strings.ToLower(tokens[0])
	args := tokens[1:]

	if r.metrics != nil {
		r.metrics.CommandsTotal.WithLabelValues(verb).Inc()
	}

	switch verb {
	case "help":
		return map[string]any{"command": "help", "commands": CommandNames}
	case "storage":
		return r.storage()
	case "put":
		return r.put(ctx, args)
	case "get":
		return r.get(ctx, args)
	case "delete":
		return r.delete(ctx, args)
	case "keys":
		return r.keys()
	case "expire":
		return r.expire(ctx, args)
	case "ttl":
		return r.ttl(ctx, args)
	case "peers":
		return r.peers(callerID)
	case "whoami":
		return r.whoami(callerID)
	case "benchmark":
		return r.benchmark(ctx, callerID, args)
	case "broadcast":
		return r.broadcast(ctx, callerID, args)
	case "audio":
		return r.audio(ctx, args)
	case "mapreduce":
		return r.mapreduce(ctx, callerID, args)
	default:
		return map[string]any{"error": fmt.Sprintf("Unknown command: %s", tokens[0]), "available": CommandNames}
	}
}

func errorWithExample(message, example string) map[string]any {
	return map[string]any{"error": message, "example": example}
}

// --- storage / KV verbs (spec.md §4.4, §6.2) ---

func (r *Router) storage() map[string]any {
	_, count, backingSize := r.kv.List()
	resp := map[string]any{
		"command":     "storage",
		"keys":        count,
		"backingSize": backingSize,
		"maxKeys":     r.kvMaxKeys,
	}
	if r.persist == nil {
		resp["backend"] = "memory"
		return resp
	}
	resp["backend"] = r.persist.Backend()
	if err, at := r.persist.LastError(); err != nil {
		resp["lastError"] = err.Error()
		resp["lastErrorAt"] = at
	}
	return resp
}

func (r *Router) put(ctx context.Context, args []string) map[string]any {
	if len(args) < 2 {
		return errorWithExample("put requires a key and a value", "put <key> <value> [ttlSeconds]")
	}
	key, value := args[0], args[1]

	var ttl *int
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return errorWithExample("ttl must be an integer number of seconds", "put <key> <value> [ttlSeconds]")
		}
		ttl = &n
	}

	if err := r.kv.Put(ctx, key, value, ttl); err != nil {
		return map[string]any{"command": "put", "error": err.Error()}
	}
	return map[string]any{"command": "put", "key": key, "ok": true}
}

func (r *Router) get(ctx context.Context, args []string) map[string]any {
	if len(args) < 1 {
		return errorWithExample("get requires a key", "get <key>")
	}
	value, found, expired := r.kv.Get(ctx, args[0])
	if !found {
		resp := map[string]any{"command": "get", "key": args[0], "value": nil}
		if expired {
			resp["expired"] = true
		}
		return resp
	}
	return map[string]any{"command": "get", "key": args[0], "value": json.RawMessage(value)}
}

func (r *Router) delete(ctx context.Context, args []string) map[string]any {
	if len(args) < 1 {
		return errorWithExample("delete requires a key", "delete <key>")
	}
	return map[string]any{"command": "delete", "key": args[0], "deleted": r.kv.Delete(ctx, args[0])}
}

func (r *Router) keys() map[string]any {
	keys, count, backingSize := r.kv.List()
	sort.Strings(keys)
	return map[string]any{"command": "keys", "keys": keys, "count": count, "backingSize": backingSize}
}

func (r *Router) expire(ctx context.Context, args []string) map[string]any {
	if len(args) < 2 {
		return errorWithExample("expire requires a key and a positive number of seconds", "expire <key> <seconds>")
	}
	seconds, err := strconv.Atoi(args[1])
	if err != nil || seconds <= 0 {
		return errorWithExample("seconds must be a positive integer", "expire <key> <seconds>")
	}
	return map[string]any{"command": "expire", "key": args[0], "ok": r.kv.Expire(ctx, args[0], seconds)}
}

func (r *Router) ttl(ctx context.Context, args []string) map[string]any {
	if len(args) < 1 {
		return errorWithExample("ttl requires a key", "ttl <key>")
	}
	return map[string]any{"command": "ttl", "key": args[0], "ttl": r.kv.TTL(ctx, args[0])}
}

// --- registry verbs ---

type peerView struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
	Vector   []float64 `json:"vector"`
	IsMe     bool      `json:"isMe"`
}

func (r *Router) peers(callerID string) map[string]any {
	snapshot := r.reg.Snapshot()
	out := make([]peerView, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, peerView{
			ID:       e.Descriptor.ID,
			JoinedAt: e.Descriptor.JoinedAt,
			Vector:   e.Descriptor.Vector,
			IsMe:     e.Descriptor.ID == callerID,
		})
	}
	return map[string]any{"command": "peers", "peers": out}
}

func (r *Router) whoami(callerID string) map[string]any {
	_, count, _ := r.kv.List()
	resp := map[string]any{
		"command":    "whoami",
		"serverTime": time.Now(),
		"totalPeers": r.reg.Size(),
		"kvKeys":     count,
		"backend":    hubBackend,
	}
	if entry, ok := r.reg.Get(callerID); ok {
		resp["client"] = entry.Descriptor
	} else {
		resp["client"] = nil
	}
	return resp
}

// --- benchmark verb (spec.md §4.5) ---

func (r *Router) benchmark(ctx context.Context, callerID string, args []string) any {
	if len(args) > 0 && strings.EqualFold(args[0], "report") {
		return r.benchmarkReport(callerID, args[1:])
	}
	summary, err := r.bench.Start(ctx, callerID, args)
	if err != nil {
		return map[string]any{"command": "benchmark", "error": err.Error()}
	}
	return summary
}

func (r *Router) benchmarkReport(callerID string, args []string) map[string]any {
	if len(args) < 2 {
		return errorWithExample("benchmark report requires a requestId and durationMs", "benchmark report <requestId> <durationMs> [details]")
	}
	requestID := args[0]
	durationMs, err := strconv.Atoi(args[1])
	if err != nil {
		return errorWithExample("durationMs must be an integer", "benchmark report <requestId> <durationMs> [details]")
	}

	var details json.RawMessage
	if len(args) > 2 {
		details = freeformJSON(strings.Join(args[2:], " "))
	}

	accepted, alreadyReported := r.bench.Report(requestID, callerID, durationMs, 0, nil, details)
	if alreadyReported {
		return map[string]any{"command": "benchmark", "accepted": false, "error": "already reported"}
	}
	return map[string]any{"command": "benchmark", "accepted": accepted}
}

// freeformJSON accepts a trailing command argument that may already be
// JSON (object, array, number, quoted string) or a bare word; bare text
// is wrapped as a JSON string so "details"/"metadata" fields are always
// valid json.RawMessage regardless of how the caller typed them.
func freeformJSON(s string) json.RawMessage {
	var probe any
	if json.Unmarshal([]byte(s), &probe) == nil {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}

// --- broadcast verb (spec.md §4.3, §4.7) ---

func (r *Router) broadcast(ctx context.Context, callerID string, args []string) map[string]any {
	if len(args) == 0 {
		return errorWithExample("broadcast requires a message", "broadcast <words...>")
	}
	msg := map[string]any{
		"type":      "user-message",
		"from":      callerID,
		"message":   strings.Join(args, " "),
		"timestamp": time.Now(),
	}
	return map[string]any{"command": "broadcast", "recipients": r.bcast.Broadcast(ctx, msg)}
}

// --- audio verb (spec.md §6.3) ---

func (r *Router) audio(ctx context.Context, args []string) map[string]any {
	if len(args) == 0 {
		return errorWithExample("audio requires a subcommand", "audio list|get <filename>|upload <filename> <base64>")
	}
	switch strings.ToLower(args[0]) {
	case "list":
		return r.audioList()
	case "get":
		return r.audioGet(ctx, args[1:])
	case "upload":
		return r.audioUpload(ctx, args[1:])
	default:
		// spec.md §9's open question: the source has a fall-through gap
		// here that silently returns undefined for an unrecognized audio
		// subcommand. This is the explicit, corrected response.
		return map[string]any{"error": fmt.Sprintf("Unknown audio subcommand: %s", args[0])}
	}
}

func (r *Router) audioList() map[string]any {
	infos, err := r.objects.List()
	if err != nil {
		return map[string]any{"command": "audio", "subcommand": "list", "error": err.Error()}
	}
	return map[string]any{"command": "audio", "subcommand": "list", "objects": infos}
}

func (r *Router) audioGet(ctx context.Context, args []string) map[string]any {
	if len(args) < 1 {
		return errorWithExample("audio get requires a filename", "audio get <filename>")
	}
	obj, ok, err := r.objects.Get(ctx, args[0])
	if err != nil {
		return map[string]any{"command": "audio", "subcommand": "get", "name": args[0], "error": err.Error()}
	}
	if !ok {
		return map[string]any{"command": "audio", "subcommand": "get", "name": args[0], "found": false}
	}
	return map[string]any{
		"command":     "audio",
		"subcommand":  "get",
		"name":        args[0],
		"found":       true,
		"size":        obj.Size,
		"contentType": obj.ContentType,
		"body":        base64.StdEncoding.EncodeToString(obj.Body),
	}
}

func (r *Router) audioUpload(ctx context.Context, args []string) map[string]any {
	if len(args) < 2 {
		return errorWithExample("audio upload requires a filename and a base64 body", "audio upload <filename> <base64>")
	}
	body, err := decodeBase64Flexible(args[1])
	if err != nil {
		return map[string]any{"command": "audio", "subcommand": "upload", "error": fmt.Sprintf("invalid base64 body: %s", err)}
	}
	if err := r.objects.Put(ctx, args[0], body); err != nil {
		return map[string]any{"command": "audio", "subcommand": "upload", "error": err.Error()}
	}
	return map[string]any{"command": "audio", "subcommand": "upload", "name": args[0], "size": len(body), "ok": true}
}

// decodeBase64Flexible accepts standard or URL-safe alphabets with
// optional padding, mirroring internal/mapreduce's task-payload decoding
// rule (spec.md §9) for the audio upload wire format.
func decodeBase64Flexible(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("no base64 variant matched")
}

// --- mapreduce verb (spec.md §4.6) ---

func (r *Router) mapreduce(ctx context.Context, callerID string, args []string) any {
	if len(args) == 0 {
		return errorWithExample("mapreduce requires a subcommand", "mapreduce start tasks=<payload> [reducer=<name>] [timeout=<ms>]")
	}
	switch strings.ToLower(args[0]) {
	case "start", "run":
		summary, err := r.mr.Start(ctx, callerID, args[1:])
		if err != nil {
			return errorWithExample(err.Error(), "mapreduce start tasks=<payload> [reducer=<name>] [timeout=<ms>]")
		}
		return summary
	case "report":
		return r.mapreduceReport(callerID, args[1:])
	case "status":
		return r.mapreduceStatus(args[1:])
	case "cancel":
		return r.mapreduceCancel(args[1:])
	default:
		return map[string]any{"error": fmt.Sprintf("Unknown mapreduce subcommand: %s", args[0])}
	}
}

func (r *Router) mapreduceStatus(args []string) any {
	if len(args) < 1 {
		return errorWithExample("mapreduce status requires a requestId", "mapreduce status <requestId>")
	}
	summary, ok := r.mr.Status(args[0])
	if !ok {
		return map[string]any{"error": fmt.Sprintf("no such map-reduce request: %s", args[0])}
	}
	return summary
}

func (r *Router) mapreduceCancel(args []string) any {
	if len(args) < 1 {
		return errorWithExample("mapreduce cancel requires a requestId", "mapreduce cancel <requestId>")
	}
	summary, ok := r.mr.Cancel(args[0])
	if !ok {
		return map[string]any{"error": fmt.Sprintf("no such map-reduce request: %s", args[0])}
	}
	return summary
}

func (r *Router) mapreduceReport(callerID string, args []string) any {
	if len(args) < 2 {
		return errorWithExample("mapreduce report requires a requestId and taskId", "mapreduce report <requestId> <taskId> [<result>|result=<v>] [error=<m>] [metadata=<json>]")
	}
	requestID, taskID := args[0], args[1]
	result, errMsg, metadata, err := parseMapReduceReportArgs(args[2:])
	if err != nil {
		return errorWithExample(err.Error(), "mapreduce report <requestId> <taskId> [<result>|result=<v>] [error=<m>] [metadata=<json>]")
	}

	accepted, alreadyReported := r.mr.Report(requestID, taskID, callerID, result, errMsg, metadata)
	if alreadyReported {
		return map[string]any{"command": "mapreduce", "accepted": false, "error": "already reported"}
	}
	return map[string]any{"command": "mapreduce", "accepted": accepted}
}

// parseMapReduceReportArgs applies spec.md §4.6's report argument
// grammar: `result=<v>`/`error=<m>`/`metadata=<json>` key=value pairs,
// plus a bare positional token (the first one not matching a recognized
// key) treated as the result, decoded with the same base64/JSON rule as
// task payloads.
func parseMapReduceReportArgs(argv []string) (result json.RawMessage, errMsg string, metadata json.RawMessage, err error) {
	for _, tok := range argv {
		key, value, hasEq := strings.Cut(tok, "=")
		if hasEq {
			switch strings.ToLower(key) {
			case "result":
				if result, err = mapreduce.DecodeValue(value); err != nil {
					return nil, "", nil, err
				}
				continue
			case "error":
				errMsg = value
				continue
			case "metadata":
				metadata = json.RawMessage(value)
				continue
			}
		}
		if result == nil {
			if result, err = mapreduce.DecodeValue(tok); err != nil {
				return nil, "", nil, err
			}
		}
	}
	return result, errMsg, metadata, nil
}
