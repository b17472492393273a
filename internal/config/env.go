package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays FLO_* environment variables onto cfg. Unparsable values
// are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FLO_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("FLO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLO_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FLO_FSYNC"); v != "" {
		cfg.Storage.Fsync = v
	}
	envDuration("FLO_FSYNC_INTERVAL", &cfg.Storage.FsyncInterval)
	envDuration("FLO_RETENTION_MAX_AGE", &cfg.Retention.MaxAge)
	if v := os.Getenv("FLO_RETENTION_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Retention.MaxBytes = n
		}
	}
	if v := os.Getenv("FLO_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	if v := os.Getenv("FLO_KAFKA_TOPIC_PREFIX"); v != "" {
		cfg.Kafka.TopicPrefix = v
	}
	envInt("FLO_PROCESSOR_CONCURRENCY", &cfg.Processor.Concurrency)
	envInt("FLO_PROCESSOR_PARTITIONS", &cfg.Processor.Partitions)
	if v := os.Getenv("FLO_PROCESSOR_CODEC"); v != "" {
		cfg.Processor.Codec = v
	}
	if v := os.Getenv("FLO_PROCESSOR_DYNAMIC_ASSIGNMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Processor.DynamicAssignment = b
		}
	}
	if v := os.Getenv("FLO_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
