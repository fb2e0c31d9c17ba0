// Package resilience assembles the controller: topology, namespace, both
// schedulers, checkpointing and the admin and metrics servers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dCache/dcache-sub032/pkg/admin"
	"github.com/dCache/dcache-sub032/pkg/checkpoint"
	"github.com/dCache/dcache-sub032/pkg/config"
	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/metrics"
	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/poolops"
	"github.com/dCache/dcache-sub032/pkg/tasks"
	"github.com/dCache/dcache-sub032/pkg/topology"
)

// Service owns every component of a running controller.
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	health  *metrics.HealthEndpoint

	source topology.Source
	topo   *topology.Map
	store  *namespace.Store

	fileExecutor *tasks.Executor
	scanExecutor *tasks.Executor
	mover        *tasks.RecordingMover
	handler      *fileops.Handler
	files        *fileops.Map
	pools        *poolops.Map
	checkpoints  *checkpoint.Checkpointer
	admin        *admin.Server

	adminListener net.Listener
	httpServer    *http.Server

	refreshMu      sync.Mutex
	lastRefreshErr atomic.Pointer[error]
	fatal          atomic.Pointer[error]
	ready          atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// New opens the namespace store and the topology file named by cfg.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := namespace.Open(cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace: %w", err)
	}
	return NewWithDeps(cfg, topology.NewFileSource(cfg.Topology.Path, logger), store, logger), nil
}

// NewWithDeps builds a service around an existing topology source and
// namespace store. The service closes the store on Stop.
func NewWithDeps(cfg *config.Config, source topology.Source, store *namespace.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("instance", uuid.NewString()))
	m := metrics.New()

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		health:  metrics.NewHealthEndpoint(m, logger),
		source:  source,
		topo:    topology.NewMap(),
		store:   store,
	}

	s.fileExecutor = tasks.NewExecutor(cfg.Files.Workers, cfg.Files.QueueSize, logger.With(zap.String("executor", "files")))
	s.scanExecutor = tasks.NewExecutor(cfg.Pools.MaxRunning, cfg.Pools.MaxRunning, logger.With(zap.String("executor", "scans")))
	s.mover = tasks.NewRecordingMover(store, cfg.Mover.Delay.Duration, logger)

	s.handler = fileops.NewHandler(store, s.topo, s.mover, s.fileExecutor, logger)
	s.files = fileops.NewMap(cfg.FileOps(), s.topo, s.handler, nil, m, logger)
	s.pools = poolops.NewMap(cfg.PoolOps(), s.topo, store, s.handler, s.files, s.scanExecutor, m, logger)
	s.handler.Attach(s.files, s.pools)

	var checkpoints admin.Checkpointer
	if cfg.Checkpoint.Path != "" {
		s.checkpoints = checkpoint.New(cfg.Checkpointing(), s.files, m, logger)
		checkpoints = s.checkpoints
	}
	s.admin = admin.NewServer(s.files, s.handler, s.pools, checkpoints, logger)

	s.health.AddCheck("topology", func() error {
		if p := s.lastRefreshErr.Load(); p != nil && *p != nil {
			return *p
		}
		return nil
	})
	s.health.AddCheck("service", func() error {
		if !s.ready.Load() {
			return errors.New("not started")
		}
		return nil
	})
	return s
}

func (s *Service) Files() *fileops.Map { return s.files }

func (s *Service) Pools() *poolops.Map { return s.pools }

func (s *Service) Handler() *fileops.Handler { return s.handler }

func (s *Service) Topology() *topology.Map { return s.topo }

func (s *Service) Store() *namespace.Store { return s.store }

func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Checkpointer is nil when checkpointing is disabled.
func (s *Service) Checkpointer() *checkpoint.Checkpointer { return s.checkpoints }

// AdminAddr is the address the admin server listens on once started.
func (s *Service) AdminAddr() string {
	if s.adminListener == nil {
		return ""
	}
	return s.adminListener.Addr().String()
}

// Start loads the topology and the checkpoint, then runs every loop in the
// background. The initial topology must be consistent and satisfiable.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.refreshTopology(ctx, true); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Admin.Address, err)
	}
	s.adminListener = listener

	s.fileExecutor.Start()
	s.scanExecutor.Start()

	if s.checkpoints != nil {
		loaded, dropped, err := s.checkpoints.Load(ctx, s.handler)
		if err != nil {
			s.logger.Error("Failed to reload checkpoint, starting empty",
				zap.Bool("alarm", true),
				zap.String("alarm_type", "checkpoint_unreadable"),
				zap.String("path", s.checkpoints.Path()),
				zap.Error(err))
		} else if loaded+dropped > 0 {
			s.logger.Info("Resumed file operations", zap.Int("loaded", loaded), zap.Int("dropped", dropped))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error { return s.files.Run(gctx) })
	g.Go(func() error { return s.pools.Run(gctx) })
	if s.checkpoints != nil {
		g.Go(func() error { return s.checkpoints.Run(gctx) })
	}
	g.Go(func() error { return s.refreshLoop(gctx) })
	if fs, ok := s.source.(*topology.FileSource); ok && s.cfg.Topology.Watch {
		g.Go(func() error {
			return fs.Watch(gctx, s.cfg.Topology.WatchDebounce.Duration, func() {
				if _, err := s.refreshTopology(gctx, false); errors.Is(err, topology.ErrInconsistent) {
					s.fail(err)
				}
			})
		})
	}
	g.Go(func() error { return s.admin.Serve(listener) })
	g.Go(func() error {
		<-gctx.Done()
		s.admin.Stop()
		return nil
	})

	s.httpServer = metrics.StartServer(s.cfg.Metrics.Address, s.health, s.logger)

	s.ready.Store(true)
	s.logger.Info("Resilience service started",
		zap.String("admin_address", listener.Addr().String()),
		zap.String("metrics_address", s.cfg.Metrics.Address),
		zap.String("topology", s.cfg.Topology.Path))
	return nil
}

// fail stops the service because its state can no longer be trusted.
func (s *Service) fail(err error) {
	s.fatal.CompareAndSwap(nil, &err)
	s.cancel()
}

// Wait blocks until the service stops, returning the first loop error.
func (s *Service) Wait() error {
	if s.group == nil {
		return nil
	}
	err := s.group.Wait()
	if p := s.fatal.Load(); p != nil && err == nil {
		err = *p
	}
	return err
}

// Stop shuts every loop down and closes the namespace store. Only the
// first call does any work.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Service) stop() error {
	s.ready.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	err := s.Wait()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Warn("Failed to shut down metrics server", zap.Error(shutdownErr))
		}
		cancel()
	}

	s.fileExecutor.Stop()
	s.scanExecutor.Stop()

	if closeErr := s.store.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close namespace: %w", closeErr))
	}
	s.logger.Info("Resilience service stopped")
	return err
}

func (s *Service) refreshLoop(ctx context.Context) error {
	interval := s.cfg.Topology.RefreshInterval.Duration
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.refreshTopology(ctx, false); errors.Is(err, topology.ErrInconsistent) {
				return err
			}
		}
	}
}

// RefreshTopology pulls a snapshot from the source now and applies it.
func (s *Service) RefreshTopology(ctx context.Context) (*topology.ApplyResult, error) {
	return s.refreshTopology(ctx, false)
}

func (s *Service) refreshTopology(ctx context.Context, initial bool) (res *topology.ApplyResult, err error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	defer func() {
		s.lastRefreshErr.Store(&err)
		result := "success"
		if err != nil {
			result = "failure"
		}
		s.metrics.TopologyRefreshes.WithLabelValues(result).Inc()
	}()

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("Failed to fetch topology", zap.Error(err))
		return nil, fmt.Errorf("failed to fetch topology: %w", err)
	}
	diff, err := s.topo.Compare(snap)
	if err != nil {
		s.logger.Warn("Failed to compare topology", zap.Error(err))
		return nil, fmt.Errorf("failed to compare topology: %w", err)
	}
	res, err = s.topo.Apply(diff)
	if err != nil {
		s.logger.Error("Topology index is inconsistent",
			zap.Bool("alarm", true),
			zap.String("alarm_type", "topology_inconsistent"),
			zap.Error(err))
		return nil, err
	}

	pools, _, _ := s.topo.Counts()
	s.metrics.TopologyPools.Set(float64(pools))

	if verifyErr := s.topo.VerifyAll(); verifyErr != nil {
		s.logger.Error("Replication constraints cannot be satisfied",
			zap.Bool("alarm", true),
			zap.String("alarm_type", "constraints_unsatisfiable"),
			zap.Error(verifyErr))
		if initial {
			return nil, verifyErr
		}
	}

	s.pools.ApplyTopology(res)
	s.logger.Info("Topology applied",
		zap.Bool("initial", initial),
		zap.Int("pools", pools),
		zap.Int("status_changes", len(res.StatusChanges)),
		zap.Strings("joined", res.Joined),
		zap.Strings("left", res.Left),
		zap.Strings("changed_units", res.ChangedUnits))
	return res, nil
}
