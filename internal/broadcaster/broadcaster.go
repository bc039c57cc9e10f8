// Package broadcaster implements the Broadcast Engine (spec.md §4.3): a
// parallel fan-out of one message to every currently-registered client,
// tolerant of per-recipient failure, evicting only dead sessions.
//
// Grounded on the teacher's internal/broadcaster/broadcaster.go (a
// tier-aware block-event pub/sub fan-out), narrowed from per-tier
// buffered channels to the spec's simpler "deliver to every snapshot
// entry in parallel, await all" contract.
package broadcaster

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brainhub/hub/internal/metrics"
	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/session"
)

// Engine is the Broadcast Engine.
type Engine struct {
	reg     *registry.Registry
	logger  *zap.Logger
	metrics *metrics.Hub
}

// New constructs a broadcast Engine over reg.
func New(reg *registry.Registry, logger *zap.Logger, m *metrics.Hub) *Engine {
	return &Engine{reg: reg, logger: logger, metrics: m}
}

// DeliveryTimeout bounds a single recipient's delivery within a
// broadcast fan-out so one stuck write cannot hang Broadcast forever.
const DeliveryTimeout = 5 * time.Second

// Broadcast fans message out to every entry in a registry snapshot taken
// at call time, in parallel, and awaits all deliveries before returning.
// Returns the registry size at function entry (spec.md §4.3). Recipients
// whose delivery classifies Dead are evicted from the registry; any
// other failure is logged only.
func (e *Engine) Broadcast(ctx context.Context, message any) int {
	start := time.Now()
	snapshot := e.reg.Snapshot()

	var g errgroup.Group
	for _, entry := range snapshot {
		entry := entry
		g.Go(func() error {
			e.deliverOne(ctx, entry, message)
			return nil
		})
	}
	_ = g.Wait()

	if e.metrics != nil {
		e.metrics.BroadcastsTotal.Inc()
		e.metrics.BroadcastFanout.Observe(time.Since(start).Seconds())
	}
	return len(snapshot)
}

// deliverOne delivers message to a single recipient and applies the
// dead-session eviction policy from spec.md §4.1/§4.3.
func (e *Engine) deliverOne(ctx context.Context, entry registry.Entry, message any) {
	dctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	result := entry.Session.Deliver(dctx, message)
	switch result {
	case session.OK:
		return
	case session.Dead:
		if _, evicted := e.reg.RemoveByHandle(entry.Session); evicted {
			if e.metrics != nil {
				e.metrics.ClientsEvicted.Inc()
				e.metrics.RegistrySize.Set(float64(e.reg.Size()))
			}
			if e.logger != nil {
				e.logger.Info("evicted dead session during broadcast",
					zap.String("clientId", entry.Descriptor.ID))
			}
		}
	case session.Transient:
		if e.logger != nil {
			e.logger.Warn("transient broadcast delivery failure",
				zap.String("clientId", entry.Descriptor.ID))
		}
	}
}
