// Command hub runs the Brain Hub process: it accepts worker WebSocket
// sessions, wires the registry/KV store/broadcast engine/benchmark and
// map-reduce coordinators/object store into an internal/hub.Hub, and
// serves a separate admin HTTP surface (health, Prometheus metrics, a
// read-only registry dump).
//
// Grounded on the teacher's cmd/cb-monitor/main.go (gorilla/mux router,
// WS upgrade handler, signal-driven graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brainhub/hub/internal/benchmark"
	"github.com/brainhub/hub/internal/broadcaster"
	"github.com/brainhub/hub/internal/config"
	"github.com/brainhub/hub/internal/hub"
	"github.com/brainhub/hub/internal/kvpersist"
	"github.com/brainhub/hub/internal/kvstore"
	"github.com/brainhub/hub/internal/logging"
	"github.com/brainhub/hub/internal/mapreduce"
	"github.com/brainhub/hub/internal/metrics"
	"github.com/brainhub/hub/internal/middleware"
	"github.com/brainhub/hub/internal/objectstore"
	"github.com/brainhub/hub/internal/registry"
	"github.com/brainhub/hub/internal/router"
	"github.com/brainhub/hub/internal/session"
)

var startedAt = time.Now()

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	objects, err := objectstore.New(cfg.ObjectStoreDir, logger)
	if err != nil {
		logger.Fatal("objectstore init failed", zap.Error(err))
	}

	var persist *kvpersist.Store
	switch cfg.KVBackend {
	case config.KVBackendSQLite:
		persist, err = kvpersist.NewSQLite(cfg.KVBackendDSN, logger)
	case config.KVBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		persist, err = kvpersist.NewPostgres(ctx, cfg.KVBackendDSN, logger)
		cancel()
	case config.KVBackendNone:
		persist, err = nil, nil
	}
	if err != nil {
		logger.Fatal("kvpersist init failed", zap.Error(err))
	}

	reg := registry.New()

	var persister kvstore.Persister
	var backendInfo router.KVBackendInfo
	if persist != nil {
		persister = persist
		backendInfo = persist
	}
	kv := kvstore.New(cfg.KVMaxKeys, persister, logger, m)
	if err := kv.Restore(context.Background()); err != nil {
		logger.Warn("kvstore restore failed, starting empty", zap.Error(err))
	}

	bcast := broadcaster.New(reg, logger, m)
	bench := benchmark.New(reg, logger, m)
	mr := mapreduce.New(reg, logger, m)

	h := hub.New(hub.Deps{
		Registry:          reg,
		KV:                kv,
		Broadcaster:       bcast,
		Benchmark:         bench,
		MapReduce:         mr,
		Objects:           objects,
		Persist:           backendInfo,
		KVMaxKeys:         cfg.KVMaxKeys,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
		Metrics:           m,
	})

	ctx, cancelHeartbeat := context.WithCancel(context.Background())
	h.StartHeartbeat(ctx)

	mainRouter := mux.NewRouter()
	mainRouter.HandleFunc("/ws", newWSHandler(h, logger))

	if cfg.EnableAdminServer {
		admin := mainRouter.PathPrefix("").Subrouter()
		admin.Use(func(next http.Handler) http.Handler {
			return middleware.Chain(middleware.RequestID(), middleware.Recovery(logger), middleware.Logger(logger))(next)
		})
		admin.HandleFunc("/healthz", handleHealthz).Methods("GET")
		admin.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods("GET")
		admin.HandleFunc("/debug/peers", handleDebugPeers(h)).Methods("GET")
		if cfg.Debug {
			mainRouter.PathPrefix("/debug/pprof/").Handler(middleware.Profiling())
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mainRouter,
		ReadTimeout:  cfg.AdminReadTimeout,
		WriteTimeout: cfg.AdminWriteTimeout,
	}

	go func() {
		logger.Info("hub listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancelHeartbeat()
	h.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	if persist != nil {
		if err := persist.Close(); err != nil {
			logger.Warn("kvpersist close error", zap.Error(err))
		}
	}
	logger.Info("hub stopped")
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newWSHandler upgrades one worker connection, performs the join
// handshake (spec.md §4.1), then loops dispatching each subsequent text
// frame through the Command Router until the connection closes.
func newWSHandler(h *hub.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws upgrade failed", zap.Error(err))
			return
		}

		sess := session.NewWS(conn, logger)

		_, raw, err := conn.ReadMessage()
		if err != nil {
			sess.Close()
			return
		}
		var joinReq hub.JoinRequest
		if err := json.Unmarshal(raw, &joinReq); err != nil {
			sess.Deliver(r.Context(), map[string]any{"error": "malformed descriptor"})
			sess.Close()
			return
		}

		clientID := joinReq.ID
		if _, err := h.Join(r.Context(), sess, joinReq); err != nil {
			sess.Close()
			return
		}
		defer h.Disconnect(context.Background(), clientID)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			response := h.Dispatch(r.Context(), clientID, string(raw))
			if sess.Deliver(r.Context(), response) == session.Dead {
				return
			}
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(startedAt).String(),
	})
}

type peerView struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
	Vector   []float64 `json:"vector"`
}

func handleDebugPeers(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := h.Registry().Snapshot()
		out := make([]peerView, 0, len(snapshot))
		for _, e := range snapshot {
			out = append(out, peerView{ID: e.Descriptor.ID, JoinedAt: e.Descriptor.JoinedAt, Vector: e.Descriptor.Vector})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"peers": out})
	}
}
