package config

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/rzbill/flostream/internal/codec"
	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// Backends accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendKafka  = "kafka"
)

// Duration reads "1s"-style strings from JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return errors.NotValidf("duration %q", string(b))
	}
	*d = Duration(v)
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Backend   string          `json:"backend" yaml:"backend"`
	DataDir   string          `json:"dataDir" yaml:"dataDir"`
	Log       logpkg.Config   `json:"log" yaml:"log"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	Processor ProcessorConfig `json:"processor" yaml:"processor"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
}

// StorageConfig tunes the pebble backend.
type StorageConfig struct {
	Fsync         string   `json:"fsync" yaml:"fsync"`
	FsyncInterval Duration `json:"fsyncInterval" yaml:"fsyncInterval"`
}

// RetentionConfig bounds the pebble logs; zero disables a bound.
type RetentionConfig struct {
	MaxAge        Duration `json:"maxAge" yaml:"maxAge"`
	MaxBytes      int64    `json:"maxBytes" yaml:"maxBytes"`
	CheckInterval Duration `json:"checkInterval" yaml:"checkInterval"`
}

type KafkaConfig struct {
	Brokers           []string `json:"brokers" yaml:"brokers"`
	TopicPrefix       string   `json:"topicPrefix" yaml:"topicPrefix"`
	ClientID          string   `json:"clientId" yaml:"clientId"`
	ReplicationFactor int16    `json:"replicationFactor" yaml:"replicationFactor"`
	AdminTimeout      Duration `json:"adminTimeout" yaml:"adminTimeout"`
}

// ProcessorConfig holds the defaults of processors started by the CLI.
type ProcessorConfig struct {
	Concurrency        int      `json:"concurrency" yaml:"concurrency"`
	Partitions         int      `json:"partitions" yaml:"partitions"`
	Codec              string   `json:"codec" yaml:"codec"`
	CheckpointInterval Duration `json:"checkpointInterval" yaml:"checkpointInterval"`
	ReadTimeout        Duration `json:"readTimeout" yaml:"readTimeout"`
	DynamicAssignment  bool     `json:"dynamicAssignment" yaml:"dynamicAssignment"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Backend: BackendPebble,
		DataDir: DefaultDataDir(),
		Log:     logpkg.Config{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Fsync:         pebblestore.FsyncModeInterval.String(),
			FsyncInterval: Duration(5 * time.Millisecond),
		},
		Retention: RetentionConfig{CheckInterval: Duration(time.Minute)},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			TopicPrefix:       "flostream.",
			ClientID:          "flostream",
			ReplicationFactor: 1,
			AdminTimeout:      Duration(10 * time.Second),
		},
		Processor: ProcessorConfig{
			Concurrency:        1,
			Partitions:         4,
			Codec:              codec.LegacyName,
			CheckpointInterval: Duration(time.Second),
			ReadTimeout:        Duration(100 * time.Millisecond),
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top
// of the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "read config %s", path)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, errors.Annotatef(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerations and bounds.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendKafka:
	case BackendPebble:
		if c.DataDir == "" {
			return errors.NotValidf("empty dataDir for the pebble backend")
		}
	default:
		return errors.NotValidf("backend %q", c.Backend)
	}
	if _, err := pebblestore.ParseFsyncMode(c.Storage.Fsync); err != nil {
		return err
	}
	if c.Backend == BackendKafka && len(c.Kafka.Brokers) == 0 {
		return errors.NotValidf("kafka backend without brokers")
	}
	if c.Processor.Codec != "" {
		if _, err := codec.ByName(c.Processor.Codec); err != nil {
			return err
		}
	}
	if c.Processor.Concurrency < 0 || c.Processor.Partitions < 0 {
		return errors.NotValidf("negative processor sizing")
	}
	return nil
}
