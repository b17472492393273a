package runtime

import (
	"context"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/flostream/internal/codec"
	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/metrics"
	"github.com/rzbill/flostream/internal/processor"
	"github.com/rzbill/flostream/internal/scheduler"
	pebblestore "github.com/rzbill/flostream/internal/storage/pebble"
	"github.com/rzbill/flostream/internal/streamlog"
	"github.com/rzbill/flostream/internal/streamlog/kafkalog"
	"github.com/rzbill/flostream/internal/streamlog/local"
	"github.com/rzbill/flostream/internal/streamlog/memory"
	"github.com/rzbill/flostream/internal/streamlog/pebblelog"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Runtime owns the backend and the managers running on it.
type Runtime struct {
	config     cfgpkg.Config
	logger     logpkg.Logger
	registry   *prometheus.Registry
	logs       streamlog.Manager
	processors *processor.StreamManager
	scheduler  *scheduler.WorkManager
}

// Open validates the configuration and opens the configured backend.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			return nil, errors.Annotate(err, "logger")
		}
		logger = l
	}
	registry, err := metrics.NewRegistry()
	if err != nil {
		return nil, err
	}
	logs, err := openBackend(ctx, cfg, logger, registry)
	if err != nil {
		return nil, err
	}

	popts := []processor.Option{
		processor.WithLogger(logger),
		processor.WithDynamicAssignment(cfg.Processor.DynamicAssignment),
	}
	if d := cfg.Processor.ReadTimeout.Std(); d > 0 {
		popts = append(popts, processor.WithReadTimeout(d))
	}
	rt := &Runtime{
		config:     cfg,
		logger:     logger,
		registry:   registry,
		logs:       logs,
		processors: processor.NewStreamManager(logs, popts...),
		scheduler:  scheduler.NewWorkManager(logs, scheduler.Options{Logger: logger}),
	}
	for _, c := range []prometheus.Collector{metrics.NewLogs(logs), metrics.NewProcessors(rt.processors, logger)} {
		if err := registry.Register(c); err != nil {
			_ = rt.Close()
			return nil, errors.Trace(err)
		}
	}
	logger.Info("runtime opened", logpkg.Str("backend", cfg.Backend))
	return rt, nil
}

func openBackend(ctx context.Context, cfg cfgpkg.Config, logger logpkg.Logger, registry *prometheus.Registry) (streamlog.Manager, error) {
	switch cfg.Backend {
	case cfgpkg.BackendMemory:
		return memory.NewManager(local.WithLogger(logger)), nil
	case cfgpkg.BackendKafka:
		return kafkalog.NewManager(kafkalog.Options{
			Brokers:           cfg.Kafka.Brokers,
			TopicPrefix:       cfg.Kafka.TopicPrefix,
			ClientID:          cfg.Kafka.ClientID,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
			AdminTimeout:      cfg.Kafka.AdminTimeout.Std(),
			Logger:            logger,
		})
	}
	fsync, err := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)
	if err != nil {
		return nil, err
	}
	storage := metrics.NewStorage()
	if err := registry.Register(storage); err != nil {
		return nil, errors.Trace(err)
	}
	return pebblelog.NewManager(pebblelog.Options{
		Dir:           cfg.DataDir,
		Fsync:         fsync,
		FsyncInterval: cfg.Storage.FsyncInterval.Std(),
		Retention: pebblelog.Retention{
			MaxAge:        cfg.Retention.MaxAge.Std(),
			MaxBytes:      cfg.Retention.MaxBytes,
			CheckInterval: cfg.Retention.CheckInterval.Std(),
		},
		Logger:  logger,
		Metrics: storage,
	}, local.WithLogger(logger))
}

// Close stops the scheduler and processors, then closes the backend.
func (r *Runtime) Close() error {
	var firstErr error
	for _, closer := range []func() error{r.scheduler.Close, r.processors.Close, r.logs.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckHealth lists the logs of the backend.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.logs == nil {
		return streamlog.ErrClosed
	}
	_ = r.logs.ListAll()
	return nil
}

// Settings returns a fresh copy of the configured processor settings.
func (r *Runtime) Settings() *processor.Settings { return SettingsOf(r.config) }

// SettingsOf builds processor settings from the processor section of cfg.
func SettingsOf(cfg cfgpkg.Config) *processor.Settings {
	p := cfg.Processor
	s := processor.NewSettings(p.Concurrency, p.Partitions)
	if c, err := codec.ByName(p.Codec); err == nil {
		s.WithCodec(c)
	}
	if d := p.CheckpointInterval.Std(); d > 0 {
		s.WithCheckpointInterval(d)
	}
	return s
}

func (r *Runtime) Logs() streamlog.Manager              { return r.logs }
func (r *Runtime) Processors() *processor.StreamManager { return r.processors }
func (r *Runtime) Scheduler() *scheduler.WorkManager    { return r.scheduler }
func (r *Runtime) Registry() *prometheus.Registry       { return r.registry }
func (r *Runtime) Logger() logpkg.Logger                { return r.logger }
func (r *Runtime) Config() cfgpkg.Config                { return r.config }
