package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/flostream/internal/config"
	"github.com/rzbill/flostream/internal/runtime"
	httpserver "github.com/rzbill/flostream/internal/server/http"
	logpkg "github.com/rzbill/flostream/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// HTTPAddr overrides Config.HTTP.Addr.
	HTTPAddr string
	// Ready, when set, is called once the runtime is open.
	Ready func(*runtime.Runtime)
}

// Run opens the runtime, serves HTTP and blocks until ctx is cancelled or
// SIGINT/SIGTERM is received.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.Backend == cfgpkg.BackendPebble && cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	logger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		return err
	}
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := opts.HTTPAddr
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	logger.Info("Starting flostream server",
		logpkg.Str("backend", cfg.Backend),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("http", addr),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	hsrv := httpserver.New(rt, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, addr); err != nil && sctx.Err() == nil {
			logger.Error("http error", logpkg.Err(err))
			stop()
		}
	}()
	if opts.Ready != nil {
		opts.Ready(rt)
	}

	<-sctx.Done()
	// servers stop before the runtime closes the backend
	hsrv.Close()
	wg.Wait()
	logger.Info("flostream server stopped")
	return nil
}
