package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/epirake/hierarchy"
	"github.com/dshills/epirake/internal/config"
	"github.com/dshills/epirake/internal/log"
	"github.com/dshills/epirake/pipeline"
	"github.com/dshills/epirake/pipeline/emit"
	"github.com/dshills/epirake/pipeline/store"
	"github.com/dshills/epirake/rake"
)

// runStore is the store a run needs: per-stage state persistence plus the
// task registry. All three backends implement it.
type runStore interface {
	store.Store[rake.TaskState]
	store.Registry
}

// runtime holds everything a launch or single-task run wires together.
// Close releases stores, flushes event sinks, and shuts down telemetry.
type runtime struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    runStore
	pipeline *rake.Pipeline
	emitter  emit.Emitter
	metrics  *pipeline.Metrics

	closers []func() error
}

func (r *runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildRuntime loads the config and assembles the store, pipeline,
// emitters, and telemetry for a run.
func buildRuntime(cfgPath string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log.Configure(log.Config{Level: cfg.Telemetry.LogLevel, JSON: cfg.Telemetry.LogJSON})
	r := &runtime{cfg: cfg, logger: log.WithComponent("epirake")}

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	r.store = st
	if closeStore != nil {
		r.closers = append(r.closers, closeStore)
	}

	hier, err := hierarchy.Load(cfg.Paths.HierarchyFile)
	if err != nil {
		closeRuntime(r)
		return nil, err
	}

	emitter, err := r.buildEmitter()
	if err != nil {
		closeRuntime(r)
		return nil, err
	}
	r.emitter = emitter

	addr := metricsAddr
	if addr == "" {
		addr = cfg.Telemetry.MetricsAddr
	}
	if addr != "" {
		r.metrics = pipeline.NewMetrics(prometheus.DefaultRegisterer)
		r.closers = append(r.closers, serveMetrics(r.logger, addr))
	}

	imputes, err := cfg.ImputeMap()
	if err != nil {
		closeRuntime(r)
		return nil, err
	}
	p, err := rake.NewPipeline(rake.PipelineOptions{
		Layout:          cfg.Layout(),
		Hierarchy:       hier,
		Level:           cfg.Run.AdminLevel,
		ImputeMap:       imputes,
		FactorWarnAbove: cfg.Run.FactorWarnAbove,
		Overwrite:       cfg.Run.Overwrite,
		StageTimeout:    cfg.Run.StageTimeout.Std(),
		Store:           r.store,
		Emitter:         r.emitter,
		Metrics:         r.metrics,
	})
	if err != nil {
		closeRuntime(r)
		return nil, err
	}
	r.pipeline = p
	return r, nil
}

func closeRuntime(r *runtime) {
	if err := r.Close(); err != nil {
		logger := log.WithComponent("epirake")
		logger.Warn().Err(err).Msg("cleanup failed")
	}
}

func openStore(cfg config.Store) (runStore, func() error, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return store.NewMemStore[rake.TaskState](), nil, nil
	case config.StoreSQLite:
		st, err := store.NewSQLiteStore[rake.TaskState](cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, st.Close, nil
	case config.StoreMySQL:
		st, err := store.NewMySQLStore[rake.TaskState](cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mysql store: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildEmitter assembles the event fan-out: a per-run events.jsonl artifact
// when log_dir is set, plus OTel spans when tracing is enabled.
func (r *runtime) buildEmitter() (emit.Emitter, error) {
	var emitters []emit.Emitter

	if dir := r.cfg.Paths.LogDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		name := fmt.Sprintf("events-%s.jsonl", time.Now().UTC().Format("20060102-150405"))
		f, err := os.Create(filepath.Join(dir, name)) // #nosec G304 -- log dir comes from config
		if err != nil {
			return nil, fmt.Errorf("creating events file: %w", err)
		}
		buffered := emit.NewBufferedEmitterWithSink(f, 64)
		r.closers = append(r.closers, func() error {
			if err := buffered.Flush(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
		emitters = append(emitters, buffered)
	}

	if r.cfg.Telemetry.OTelEnabled {
		tp := sdktrace.NewTracerProvider()
		r.closers = append(r.closers, func() error {
			ctx, cancel := shutdownContext()
			defer cancel()
			return tp.Shutdown(ctx)
		})
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("epirake")))
	}

	switch len(emitters) {
	case 0:
		return emit.NewNullEmitter(), nil
	case 1:
		return emitters[0], nil
	default:
		return emit.NewMultiEmitter(emitters...), nil
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// serveMetrics exposes /metrics on addr for the duration of the run and
// returns the shutdown closer.
func serveMetrics(logger zerolog.Logger, addr string) func() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	return func() error {
		ctx, cancel := shutdownContext()
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
