// Package hub wires the Hub State (spec.md §3): the Client Registry, the
// KV store, the broadcast engine, the benchmark and map-reduce
// coordinators, the object store, and the Command Router into one
// process-wide value, plus the join operation (spec.md §4.1) and the
// periodic heartbeat (spec.md §5, §9).
//
// Grounded on the teacher's internal/network/clients.go connection
// lifecycle (register → notify peers → deregister-on-close) and
// cmd/cb-monitor/main.go's ticker-driven periodic broadcast loop.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainhub/hub/internal/benchmark"
	"github.com/brainhub/hub/internal/broadcaster"
	"github.com/brainhub/hub/internal/kvstore"
	"github.com/brainhub/hub/internal/mapreduce"
	"github.com/brainhub/hub/internal/metrics"
	"github.com/brainhub/hub/internal/objectstore"
	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/router"
	"github.com/brainhub/hub/internal/session"
)

// ErrMalformedDescriptor is returned by Join when the incoming
// descriptor lacks a required field (spec.md §4.1).
var ErrMalformedDescriptor = errors.New("hub: malformed descriptor")

// ErrJoinDeliveryFailed is returned by Join when the mandatory
// client-list delivery to the joining session fails; the caller must
// treat this as a rejected join (spec.md §4.1: "If step (b) fails, the
// client is removed and join fails").
var ErrJoinDeliveryFailed = errors.New("hub: client-list delivery failed, join rejected")

// JoinRequest is the wire shape of the descriptor a worker sends when
// opening a session (spec.md §4.1). JoinedAt is parsed as RFC3339.
type JoinRequest struct {
	ID       string    `json:"id"`
	JoinedAt string    `json:"joinedAt"`
	Vector   []float64 `json:"vector"`
}

// DeliveryTimeout bounds the client-list and client-match deliveries
// made during Join. The client-joined broadcast goes through the
// broadcaster, whose own DeliveryTimeout bounds each recipient.
const DeliveryTimeout = 5 * time.Second

// Hub bundles every component from spec.md §3's Hub State.
type Hub struct {
	reg     *registry.Registry
	kv      *kvstore.Store
	bcast   *broadcaster.Engine
	bench   *benchmark.Coordinator
	mr      *mapreduce.Coordinator
	objects *objectstore.Store
	router  *router.Router

	logger  *zap.Logger
	metrics *metrics.Hub

	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}
	heartbeatDone     chan struct{}
	heartbeatOnce     sync.Once
}

// Deps bundles the already-constructed components Hub wires together;
// New never constructs them itself, so callers (cmd/hub) control backend
// selection (sqlite/postgres/memory persistence, object store root).
type Deps struct {
	Registry    *registry.Registry
	KV          *kvstore.Store
	Broadcaster *broadcaster.Engine
	Benchmark   *benchmark.Coordinator
	MapReduce   *mapreduce.Coordinator
	Objects     *objectstore.Store
	Persist     router.KVBackendInfo // nil for memory-only KV
	KVMaxKeys   int

	HeartbeatInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Hub
}

// New constructs a Hub from already-wired dependencies. It installs the
// registry's single departure notifier so that every eviction path —
// broadcaster delivery failure, benchmark/map-reduce dispatch failure,
// or an explicit Disconnect — fans out to both coordinators' departure
// handling exactly once, regardless of which call site triggered the
// removal (spec.md §4.5/§4.6 departure semantics).
func New(d Deps) *Hub {
	r := router.New(d.Registry, d.KV, d.Broadcaster, d.Benchmark, d.MapReduce, d.Objects, d.Persist, d.KVMaxKeys, d.Logger, d.Metrics)
	h := &Hub{
		reg:               d.Registry,
		kv:                d.KV,
		bcast:             d.Broadcaster,
		bench:             d.Benchmark,
		mr:                d.MapReduce,
		objects:           d.Objects,
		router:            r,
		logger:            d.Logger,
		metrics:           d.Metrics,
		heartbeatInterval: d.HeartbeatInterval,
		heartbeatStop:     make(chan struct{}),
		heartbeatDone:     make(chan struct{}),
	}
	d.Registry.OnRemove(func(clientID string) {
		h.bench.HandleDeparture(clientID)
		h.mr.HandleDeparture(clientID)
	})
	return h
}

// Router returns the Command Router bound to this Hub's components, for
// the WS read loop to dispatch worker commands against.
func (h *Hub) Router() *router.Router {
	return h.router
}

// Dispatch is a convenience passthrough to Router().Dispatch.
func (h *Hub) Dispatch(ctx context.Context, callerID, commandText string) any {
	return h.router.Dispatch(ctx, callerID, commandText)
}

// Join implements spec.md §4.1: registers sess under the descriptor in
// req, delivers client-list to the joining session, client-match to its
// nearest neighbour (if any), and broadcasts client-joined to everyone.
// Returns the total client count on success.
func (h *Hub) Join(ctx context.Context, sess session.Session, req JoinRequest) (int, error) {
	if req.ID == "" || req.JoinedAt == "" || req.Vector == nil {
		return 0, ErrMalformedDescriptor
	}
	joinedAt, err := time.Parse(time.RFC3339, req.JoinedAt)
	if err != nil {
		return 0, ErrMalformedDescriptor
	}
	descriptor := registry.ClientDescriptor{ID: req.ID, JoinedAt: joinedAt, Vector: req.Vector}

	total := h.reg.Insert(registry.Entry{Session: sess, Descriptor: descriptor})
	if h.metrics != nil {
		h.metrics.ClientsJoined.Inc()
		h.metrics.RegistrySize.Set(float64(total))
	}

	match, hasMatch := h.reg.FindNearest(descriptor)
	snapshot := h.reg.Snapshot()
	clients := make([]registry.ClientDescriptor, 0, len(snapshot))
	for _, e := range snapshot {
		clients = append(clients, e.Descriptor)
	}

	clientList := map[string]any{
		"type":     "client-list",
		"clients":  clients,
		"match":    nil,
		"commands": router.CommandNames,
	}
	if hasMatch {
		clientList["match"] = map[string]any{"peer": match.Peer.Descriptor, "distance": match.Distance}
	}

	dctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	result := sess.Deliver(dctx, clientList)
	cancel()
	if result != session.OK {
		h.reg.RemoveByHandle(sess)
		if h.metrics != nil {
			h.metrics.RegistrySize.Set(float64(h.reg.Size()))
		}
		return 0, ErrJoinDeliveryFailed
	}

	if hasMatch {
		mctx, mcancel := context.WithTimeout(ctx, DeliveryTimeout)
		matchResult := match.Peer.Session.Deliver(mctx, map[string]any{
			"type":     "client-match",
			"client":   descriptor,
			"distance": match.Distance,
			"message":  "hello",
		})
		mcancel()
		if matchResult == session.Dead {
			h.evict(match.Peer.Session)
		} else if matchResult == session.Transient && h.logger != nil {
			h.logger.Warn("transient client-match delivery failure", zap.String("clientId", match.Peer.Descriptor.ID))
		}
	}

	h.bcast.Broadcast(ctx, map[string]any{
		"type":   "client-joined",
		"client": descriptor,
		"total":  total,
	})

	return total, nil
}

// Disconnect handles an explicit session close (the WS read loop
// returning): removes clientID from the registry and broadcasts
// client-left. The registry's departure notifier (wired in New) takes
// care of fanning this removal out to both coordinators. Idempotent.
func (h *Hub) Disconnect(ctx context.Context, clientID string) {
	entry, removed := h.reg.RemoveByID(clientID)
	if !removed {
		return
	}
	entry.Session.Close()

	if h.metrics != nil {
		h.metrics.ClientsLeft.Inc()
		h.metrics.RegistrySize.Set(float64(h.reg.Size()))
	}

	h.bcast.Broadcast(ctx, map[string]any{
		"type":   "client-left",
		"client": entry.Descriptor,
		"total":  h.reg.Size(),
	})
}

func (h *Hub) evict(sess session.Session) {
	if _, ok := h.reg.RemoveByHandle(sess); !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ClientsEvicted.Inc()
		h.metrics.RegistrySize.Set(float64(h.reg.Size()))
	}
}

// StartHeartbeat begins the periodic low-rate broadcast of the current
// wall clock (spec.md §5, §9). Safe to call at most once; subsequent
// calls are no-ops.
func (h *Hub) StartHeartbeat(ctx context.Context) {
	h.heartbeatOnce.Do(func() {
		if h.heartbeatInterval <= 0 {
			close(h.heartbeatDone)
			return
		}
		go h.heartbeatLoop(ctx)
	})
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	defer close(h.heartbeatDone)
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.bcast.Broadcast(ctx, map[string]any{
				"type": "heartbeat",
				"time": time.Now(),
			})
		case <-h.heartbeatStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the heartbeat timer and the KV store's alarm timer, per
// spec.md §9's recommended shutdown behavior.
func (h *Hub) Stop() {
	select {
	case <-h.heartbeatStop:
	default:
		close(h.heartbeatStop)
	}
	<-h.heartbeatDone
	h.kv.Stop()
}

// Registry exposes the Client Registry for the transport layer (e.g. to
// render /debug/peers).
func (h *Hub) Registry() *registry.Registry {
	return h.reg
}
