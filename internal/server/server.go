package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectio/objectio/internal/accesslog"
	"github.com/objectio/objectio/internal/backend"
	"github.com/objectio/objectio/internal/config"
	"github.com/objectio/objectio/internal/engine"
	"github.com/objectio/objectio/internal/gc"
	"github.com/objectio/objectio/internal/metadata"
	"github.com/objectio/objectio/internal/metrics"
	"github.com/objectio/objectio/internal/middleware"
	"github.com/objectio/objectio/internal/multipart"
	"github.com/objectio/objectio/internal/notify"
	"github.com/objectio/objectio/internal/ratelimit"
	"github.com/objectio/objectio/internal/versioning"
)

// Server wires the storage backend, metadata store, coordinator, and
// background workers behind one HTTP listener.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *metadata.Store
	back      backend.Backend
	eng       *engine.Engine
	mpm       *multipart.Manager
	reclaimer *gc.Reclaimer
	pruner    *versioning.Pruner
	dispatch  *notify.Dispatcher
	collector *metrics.Collector
	limiter   *ratelimit.Limiter
	access    *accesslog.Logger
	startTime time.Time
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	back, err := buildBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage backend: %w", err)
	}

	store, err := metadata.NewStore(cfg.Metadata.Path)
	if err != nil {
		return nil, fmt.Errorf("init metadata store: %w", err)
	}

	eng := engine.New(store, back, engine.Options{
		CommitRetries: cfg.Commit.MaxRetries,
	}, logger)

	mpm := multipart.NewManager(eng, multipart.Config{
		MinPartSize:   cfg.Multipart.MinPartSizeBytes,
		IdleDeadline:  time.Duration(cfg.Multipart.IdleDeadlineSecs) * time.Second,
		SweepInterval: time.Duration(cfg.Multipart.SweepIntervalSecs) * time.Second,
	}, logger)

	reclaimer := gc.New(store, back, gc.Config{
		Interval:   time.Duration(cfg.Reclaim.IntervalSecs) * time.Second,
		BatchSize:  cfg.Reclaim.BatchSize,
		MaxRetries: cfg.Reclaim.MaxRetries,
	}, logger)

	pruner := versioning.New(store, versioning.Config{
		RetainLast: cfg.Retention.RetainLast,
		Interval:   time.Duration(cfg.Retention.PruneIntervalSecs) * time.Second,
	}, logger)

	dispatch, err := buildDispatcher(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if dispatch != nil {
		eng.SetEventFunc(dispatch.Dispatch)
	}

	var limiter *ratelimit.Limiter
	if cfg.Server.RateLimitRPS > 0 {
		burst := cfg.Server.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.Server.RateLimitRPS)
		}
		limiter = ratelimit.NewLimiter(cfg.Server.RateLimitRPS, burst)
	}

	var access *accesslog.Logger
	if cfg.Logging.AccessLog != "" {
		access, err = accesslog.New(cfg.Logging.AccessLog)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open access log: %w", err)
		}
	}

	return &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		back:      back,
		eng:       eng,
		mpm:       mpm,
		reclaimer: reclaimer,
		pruner:    pruner,
		dispatch:  dispatch,
		collector: metrics.NewCollector(store),
		limiter:   limiter,
		access:    access,
		startTime: time.Now(),
	}, nil
}

func buildBackend(cfg *config.Config) (backend.Backend, error) {
	var (
		back backend.Backend
		err  error
	)
	switch cfg.Storage.Kind {
	case "filesystem":
		back, err = backend.NewFileSystem(cfg.Storage.DataDir)
	case "memory":
		back = backend.NewMemory()
	case "erasure":
		back, err = backend.NewErasure(backend.ErasureConfig{
			Root:         cfg.Storage.DataDir,
			DataShards:   cfg.Storage.Erasure.DataShards,
			ParityShards: cfg.Storage.Erasure.ParityShards,
		})
	case "s3":
		back, err = backend.NewRemote(backend.RemoteConfig{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			Bucket:    cfg.Storage.S3.Bucket,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Encryption.Enabled {
		key, err := cfg.Encryption.KeyBytes()
		if err != nil {
			return nil, err
		}
		back, err = backend.NewEncrypted(back, key)
		if err != nil {
			return nil, err
		}
	}
	return back, nil
}

func buildDispatcher(cfg *config.Config, logger *slog.Logger) (*notify.Dispatcher, error) {
	nc := cfg.Notifications
	if len(nc.Sinks) == 0 {
		return nil, nil
	}

	d := notify.NewDispatcher(nc.MaxWorkers, nc.QueueSize, nc.MaxRetries, logger)
	for _, sc := range nc.Sinks {
		rule := notify.Rule{Events: sc.Events, Prefix: sc.Prefix, Suffix: sc.Suffix}
		switch sc.Kind {
		case "webhook":
			d.AddSink(notify.NewWebhook(sc.Endpoint, 0), rule)
		case "redis":
			d.AddSink(notify.NewRedis(sc.Endpoint, sc.Topic, sc.ListKey), rule)
		case "nats":
			sink, err := notify.NewNATS(sc.Endpoint, sc.Topic)
			if err != nil {
				logger.Warn("nats sink unavailable", "endpoint", sc.Endpoint, "error", err)
				continue
			}
			d.AddSink(sink, rule)
		case "kafka":
			d.AddSink(notify.NewKafka(sc.Brokers, sc.Topic), rule)
		default:
			d.Close()
			return nil, fmt.Errorf("unknown notification sink kind %q", sc.Kind)
		}
	}
	return d, nil
}

// Run starts the listener and background workers and blocks until a
// shutdown signal arrives or a component fails.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var api http.Handler = NewHandler(s.eng, s.mpm, s.logger)
	if s.access != nil {
		api = s.access.Middleware(api)
	}
	if s.limiter != nil {
		api = s.limiter.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler())
	mux.HandleFunc("/ready", s.readyHandler())
	mux.Handle("/metrics", s.collector)
	mux.Handle("/", api)

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: middleware.RequestID(middleware.PanicRecovery(middleware.Observe(s.collector, mux))),
	}

	s.logger.Info("server starting",
		"addr", s.cfg.ListenAddr(),
		"storage", s.cfg.Storage.Kind,
		"metadata", s.cfg.Metadata.Path,
		"encryption", s.cfg.Encryption.Enabled)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.mpm.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		s.reclaimer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.pruner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSecs) * time.Second
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return httpServer.Shutdown(shutCtx)
	})

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

// Close releases resources after Run returns.
func (s *Server) Close() {
	if s.dispatch != nil {
		s.dispatch.Close()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.access != nil {
		s.access.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}
