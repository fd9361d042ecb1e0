// Package server assembles a Mangle node from its configuration and runs it
// until the context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vmware/mangle-sub000/pkg/api"
	"github.com/vmware/mangle-sub000/pkg/cluster"
	"github.com/vmware/mangle-sub000/pkg/config"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/factory"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/orchestrator"
	"github.com/vmware/mangle-sub000/pkg/plugin"
	"github.com/vmware/mangle-sub000/pkg/reconciler"
	"github.com/vmware/mangle-sub000/pkg/scheduler"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
	"github.com/vmware/mangle-sub000/pkg/validator"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server is a fully wired Mangle node
type Server struct {
	cfg     *config.Config
	version string

	store       storage.Store
	replica     *cluster.StoreReplica
	broker      *events.Broker
	layer       cluster.Layer
	closeLayer  func() error
	coordinator *cluster.Coordinator
	plugins     *plugin.Registry
	scheduler   *scheduler.Scheduler
	orch        *orchestrator.Orchestrator
	reconciler  *reconciler.Reconciler
	collector   *metrics.Collector
	health      *api.HealthServer
	grpc        *api.GRPCServer

	runCtx      context.Context
	recoverOnce sync.Once
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

// New opens the store, joins the cluster layer and builds every component.
// Nothing runs until Run is called.
func New(cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		version: version,
		logger:  log.WithComponent("server"),
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	s.store = store
	metrics.RegisterComponent("storage", true, cfg.Storage.Driver)

	if err := s.joinLayer(); err != nil {
		_ = store.Close()
		return nil, err
	}
	store = s.store

	s.broker = events.NewBroker()
	s.coordinator = cluster.NewCoordinator(s.layer, store, s.broker)

	s.plugins = plugin.NewRegistry()
	if err := plugin.RegisterBuiltins(s.plugins, plugin.DryRunExecutor{}, nil); err != nil {
		_ = s.release()
		return nil, fmt.Errorf("failed to load built-in plugin: %w", err)
	}

	s.scheduler = scheduler.New(store, s.coordinator, s.broker, scheduler.Config{
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
	})
	s.orch = orchestrator.New(orchestrator.Config{
		NodeID:      cfg.NodeID,
		Tasks:       store,
		Endpoints:   store,
		Credentials: store,
		Validator:   validator.New(store),
		Factory:     factory.New(s.plugins),
		Plugins:     s.plugins,
		Events:      s.broker,
		Gate:        s.coordinator,
		Scheduler:   s.scheduler,
	})
	s.scheduler.SetRunner(s.orch)
	if s.replica != nil {
		s.replica.OnScheduleChange(s.scheduler.Sync)
	}

	s.reconciler = reconciler.NewReconciler(s.orch, s.coordinator, reconciler.Config{
		Interval:         cfg.Sweep.Interval,
		ThresholdMinutes: cfg.Sweep.ThresholdMinutes,
	})
	s.collector = metrics.NewCollector(store, s.coordinator, collectInterval)
	s.health = api.NewHealthServer(store, s.coordinator, version)
	s.grpc = api.NewGRPCServer()

	s.coordinator.OnStatusChange(s.handleQuorumChange)
	s.coordinator.OnMemberLeft(s.handleMemberLeft)

	metrics.SetVersion(version)
	return s, nil
}

// joinLayer starts the cluster layer. In CLUSTER mode task, schedule,
// endpoint and credential writes go through the raft log to every node's
// local store, so s.store is replaced by the replicated view.
func (s *Server) joinLayer() error {
	switch s.cfg.Cluster.DeploymentMode {
	case types.DeploymentModeCluster:
		peers := make([]cluster.Peer, 0, len(s.cfg.Cluster.Peers))
		for _, p := range s.cfg.Cluster.Peers {
			peers = append(peers, cluster.Peer{ID: p.ID, Addr: p.Addr})
		}
		s.replica = cluster.NewStoreReplica(s.store)
		layer, err := cluster.NewRaftLayer(cluster.RaftConfig{
			NodeID:   s.cfg.NodeID,
			BindAddr: s.cfg.Cluster.BindAddr,
			DataDir:  filepath.Join(s.cfg.DataDir, "raft"),
			Peers:    peers,
			Replicas: map[string]cluster.Replica{cluster.StoreTopic: s.replica},
		})
		if err != nil {
			return fmt.Errorf("failed to start raft layer: %w", err)
		}
		s.layer = layer
		s.closeLayer = layer.Close
		s.store = cluster.NewReplicatedStore(s.store, layer)
	default:
		layer := cluster.NewHub().Join(s.cfg.NodeID)
		s.layer = layer
		s.closeLayer = layer.Leave
	}
	return nil
}

// Coordinator exposes the quorum coordinator of the node
func (s *Server) Coordinator() *cluster.Coordinator { return s.coordinator }

// Orchestrator exposes the task engine of the node
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Scheduler exposes the schedule engine of the node
func (s *Server) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Plugins exposes the plugin registry of the node
func (s *Server) Plugins() *plugin.Registry { return s.plugins }

// Run boots the coordinator, starts the background loops and serves the
// health and gRPC endpoints until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.runCtx = gctx

	s.broker.Start()
	s.scheduler.Start()
	metrics.RegisterComponent("scheduler", true, "")

	if err := s.coordinator.Boot(cluster.Options{
		ClusterName:     s.cfg.Cluster.Name,
		DeploymentMode:  s.cfg.Cluster.DeploymentMode,
		Quorum:          s.cfg.Cluster.Quorum,
		ValidationToken: s.cfg.Cluster.Token,
	}); err != nil {
		s.scheduler.Stop()
		s.broker.Stop()
		_ = s.release()
		return fmt.Errorf("failed to boot cluster coordinator: %w", err)
	}

	s.reconciler.Start()
	s.collector.Start()
	metrics.RegisterComponent("collector", true, "")

	s.logger.Info().
		Str("node", s.cfg.NodeID).
		Str("mode", string(s.cfg.Cluster.DeploymentMode)).
		Str("health_addr", s.cfg.API.HealthAddr).
		Str("grpc_addr", s.cfg.API.GRPCAddr).
		Msg("mangle node started")

	g.Go(func() error { return s.health.Start(s.cfg.API.HealthAddr) })
	g.Go(func() error { return s.grpc.Start(s.cfg.API.GRPCAddr) })
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown stops the endpoints first, then the loops that create work, then
// the running handlers, and finally the layer and the store.
func (s *Server) shutdown() error {
	s.logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.health.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
	}
	s.grpc.Stop()

	s.reconciler.Stop()
	s.collector.Stop()
	metrics.UpdateComponent("collector", false, "stopped")
	s.scheduler.Stop()
	metrics.UpdateComponent("scheduler", false, "stopped")

	s.wg.Wait()
	s.orch.Close()
	s.broker.Stop()

	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) release() error {
	var errs []error
	if s.closeLayer != nil {
		if err := s.closeLayer(); err != nil {
			errs = append(errs, fmt.Errorf("failed to leave cluster: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	metrics.UpdateComponent("storage", false, "closed")
	return errors.Join(errs...)
}

func (s *Server) handleQuorumChange(status types.QuorumStatus) {
	present := status == types.QuorumPresent
	metrics.UpdateComponent("cluster", present, string(status))
	s.grpc.SetQuorumStatus(status)
	s.scheduler.HandleQuorumChange(status)

	if present {
		s.recoverOnce.Do(func() {
			s.wg.Add(1)
			go s.recover()
		})
	}
}

// recover resolves the attempts this node left behind at its last shutdown.
// It runs once, the first time the node holds quorum.
func (s *Server) recover() {
	defer s.wg.Done()
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.orch.RecoverOnBoot(ctx, s.cfg.Sweep.ThresholdMinutes)
	if err != nil {
		s.logger.Error().Err(err).Msg("boot recovery failed")
		return
	}
	s.logger.Info().
		Int("failed", res.Failed).
		Int("redispatched", res.Redispatched).
		Int("skipped", res.Skipped).
		Msg("boot recovery complete")
}

func (s *Server) handleMemberLeft(member string) {
	taken, err := s.orch.HandleMemberRemoved(member)
	if err != nil {
		s.logger.Error().Err(err).Str("member", member).Msg("failed to take over tasks of departed member")
		return
	}
	if taken > 0 {
		s.logger.Info().Str("member", member).Int("tasks", taken).Msg("took over tasks of departed member")
	}
}
