package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// Sweeper fails attempts that have been running too long
type Sweeper interface {
	CleanupInprogressTasks(ctx context.Context, thresholdMinutes int) (int, error)
}

// Cluster recomputes the quorum gate
type Cluster interface {
	Resync(trigger string) types.QuorumStatus
	IsMaster() bool
}

// Config tunes the reconciler
type Config struct {
	Interval         time.Duration
	ThresholdMinutes int
}

// Reconciler periodically resyncs the quorum gate and sweeps stuck tasks
type Reconciler struct {
	sweeper   Sweeper
	cluster   Cluster
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(sweeper Sweeper, cluster Cluster, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ThresholdMinutes <= 0 {
		cfg.ThresholdMinutes = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		sweeper:   sweeper,
		cluster:   cluster,
		interval:  cfg.Interval,
		threshold: cfg.ThresholdMinutes,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		<-r.done
	})
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(r.ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation failed")
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// reconcile performs one reconciliation cycle. The sweep only runs on the
// master of a cluster holding quorum; a node outside the majority must not
// rewrite shared task state.
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if status := r.cluster.Resync("periodic"); status != types.QuorumPresent {
		r.logger.Debug().Msg("quorum not present, sweep skipped")
		return nil
	}
	if !r.cluster.IsMaster() {
		return nil
	}

	failed, err := r.sweeper.CleanupInprogressTasks(ctx, r.threshold)
	if err != nil {
		return fmt.Errorf("failed to sweep in-progress tasks: %w", err)
	}
	if failed > 0 {
		r.logger.Warn().
			Int("failed", failed).
			Int("threshold_minutes", r.threshold).
			Msg("stuck tasks failed")
	}
	return nil
}
