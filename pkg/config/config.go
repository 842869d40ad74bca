// Package config loads pipeline configuration from environment variables.
//
// Every knob has a built-in default so a bare process starts against local
// backends; deployments override through the environment (or a .env file
// loaded by main).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object for all pipeline processes.
// Each process reads only the sections it needs.
type Config struct {
	Ingress   *IngressConfig
	EventBus  *EventBusConfig
	Metadata  *MetadataConfig
	Columnar  *ColumnarConfig
	Worker    *WorkerConfig
	Broadcast *BroadcastConfig
}

// Load builds a Config from the environment on top of the built-in defaults.
// Unparseable values are configuration errors and abort startup.
func Load() (*Config, error) {
	cfg := &Config{
		Ingress:   DefaultIngressConfig(),
		EventBus:  DefaultEventBusConfig(),
		Metadata:  DefaultMetadataConfig(),
		Columnar:  DefaultColumnarConfig(),
		Worker:    DefaultWorkerConfig(),
		Broadcast: DefaultBroadcastConfig(),
	}

	var err error
	if cfg.Ingress.Port, err = envInt("INGRESS_PORT", cfg.Ingress.Port); err != nil {
		return nil, err
	}
	if cfg.Ingress.MaxBodyBytes, err = envInt64("INGRESS_MAX_BODY_BYTES", cfg.Ingress.MaxBodyBytes); err != nil {
		return nil, err
	}
	if cfg.Ingress.RequestTimeout, err = envMillis("INGRESS_REQUEST_TIMEOUT_MS", cfg.Ingress.RequestTimeout); err != nil {
		return nil, err
	}
	cfg.Ingress.AllowedOrigins = envList("ALLOWED_ORIGINS", cfg.Ingress.AllowedOrigins)

	cfg.EventBus.URL = getEnvOrDefault("EVENTBUS_URL", cfg.EventBus.URL)
	if cfg.EventBus.StreamMaxLen, err = envInt64("EVENTBUS_STREAM_MAXLEN", cfg.EventBus.StreamMaxLen); err != nil {
		return nil, err
	}

	cfg.Metadata.URL = getEnvOrDefault("METADATA_STORE_URL", cfg.Metadata.URL)

	cfg.Columnar.URL = getEnvOrDefault("COLUMNAR_STORE_URL", cfg.Columnar.URL)
	if cfg.Columnar.InsertRetryBudget, err = envInt("COLUMNAR_INSERT_RETRY_BUDGET", cfg.Columnar.InsertRetryBudget); err != nil {
		return nil, err
	}

	if cfg.Worker.BatchSize, err = envInt("WORKER_BATCH_SIZE", cfg.Worker.BatchSize); err != nil {
		return nil, err
	}
	if cfg.Worker.FlushInterval, err = envMillis("WORKER_FLUSH_INTERVAL_MS", cfg.Worker.FlushInterval); err != nil {
		return nil, err
	}
	cfg.Worker.Roles = envList("WORKER_ROLES", cfg.Worker.Roles)
	cfg.Worker.SpillPath = getEnvOrDefault("WORKER_SPILL_PATH", cfg.Worker.SpillPath)

	if cfg.Broadcast.Port, err = envInt("BROADCAST_PORT", cfg.Broadcast.Port); err != nil {
		return nil, err
	}
	if cfg.Broadcast.SubscriberQueueSize, err = envInt("BROADCAST_SUBSCRIBER_QUEUE_SIZE", cfg.Broadcast.SubscriberQueueSize); err != nil {
		return nil, err
	}
	cfg.Broadcast.AllowedOrigins = envList("ALLOWED_ORIGINS", cfg.Broadcast.AllowedOrigins)

	return cfg, nil
}

// ResolvePodID returns a stable identity for this process, used as the
// EventBus consumer name suffix and in log banners.
func ResolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
