// Package config loads runtime configuration for the hub from the
// environment, with sane defaults for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// KVBackend selects the persisted backing store for the KV store.
type KVBackend string

const (
	KVBackendSQLite   KVBackend = "sqlite"
	KVBackendPostgres KVBackend = "postgres"
	KVBackendNone     KVBackend = "none"
)

// Config holds runtime configuration for the hub process.
type Config struct {
	// Session transport
	ListenAddr string // worker WS + admin HTTP listen address

	// Admin surface
	AdminReadTimeout  time.Duration
	AdminWriteTimeout time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration

	// Benchmark defaults (spec.md §4.5). Loaded from the environment but
	// not read by internal/benchmark, which applies its own built-in
	// defaults (50000 iterations, 5000 ms).
	DefaultBenchmarkIterations int
	DefaultBenchmarkTimeout    time.Duration

	// Map-reduce defaults (spec.md §4.6). Not read by internal/mapreduce,
	// which applies its own built-in 30000 ms timeout.
	DefaultMapReduceTimeout time.Duration

	// KV store
	KVAlarmFloor  time.Duration // loaded from HUB_KV_ALARM_FLOOR_MS; the KV store does not read it
	KVMaxKeys     int           // list() bound, spec.md §4.4
	KVBackend     KVBackend
	KVBackendDSN  string // sqlite file path or postgres connection string

	// Object store
	ObjectStoreDir string

	NodeID string

	EnableAdminServer bool
	Debug             bool
}

// Load builds a Config from the environment, loading a local .env file
// first (if present) the way the teacher's config layer does.
func Load() Config {
	loadEnvironmentConfig()

	cfg := Config{
		ListenAddr:                 getEnv("HUB_LISTEN_ADDR", ":8787"),
		AdminReadTimeout:           time.Duration(getEnvInt("HUB_ADMIN_READ_TIMEOUT_SEC", 15)) * time.Second,
		AdminWriteTimeout:          time.Duration(getEnvInt("HUB_ADMIN_WRITE_TIMEOUT_SEC", 15)) * time.Second,
		HeartbeatInterval:          time.Duration(getEnvInt("HUB_HEARTBEAT_INTERVAL_SEC", 30)) * time.Second,
		DefaultBenchmarkIterations: getEnvInt("HUB_BENCHMARK_ITERATIONS", 50_000),
		DefaultBenchmarkTimeout:    time.Duration(getEnvInt("HUB_BENCHMARK_TIMEOUT_MS", 5_000)) * time.Millisecond,
		DefaultMapReduceTimeout:    time.Duration(getEnvInt("HUB_MAPREDUCE_TIMEOUT_MS", 30_000)) * time.Millisecond,
		KVAlarmFloor:               time.Duration(getEnvInt("HUB_KV_ALARM_FLOOR_MS", 50)) * time.Millisecond,
		KVMaxKeys:                  getEnvInt("HUB_KV_MAX_KEYS", 1000),
		KVBackend:                  KVBackend(getEnv("HUB_KV_BACKEND", string(KVBackendSQLite))),
		KVBackendDSN:               getEnv("HUB_KV_BACKEND_DSN", "./hub-kv.sqlite3"),
		ObjectStoreDir:             getEnv("HUB_OBJECT_STORE_DIR", "./hub-objects"),
		NodeID:                     getEnv("HUB_NODE_ID", "hub-1"),
		EnableAdminServer:          getEnvBool("HUB_ENABLE_ADMIN_SERVER", true),
		Debug:                      getEnvBool("HUB_DEBUG", false),
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}
}
