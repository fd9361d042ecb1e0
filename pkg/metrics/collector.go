package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// StateSource is the read-only view the collector samples
type StateSource interface {
	ListTasks() ([]*types.Task, error)
	ListSchedules() ([]*types.SchedulerSpec, error)
}

// ClusterView reports the coordinator state
type ClusterView interface {
	State() types.ClusterState
}

// Collector periodically turns stored state into gauges
type Collector struct {
	source   StateSource
	cluster  ClusterView
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector. cluster may be nil.
func NewCollector(source StateSource, cluster ClusterView, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		cluster:  cluster,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	c.collectTaskMetrics()
	c.collectScheduleMetrics()
	c.collectClusterMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.source.ListTasks()
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to list tasks")
		return
	}

	type key struct {
		taskType types.TaskType
		status   types.TaskStatus
	}
	counts := make(map[key]int)
	for _, task := range tasks {
		counts[key{task.Type, task.Status()}]++
	}

	TasksTotal.Reset()
	for k, count := range counts {
		TasksTotal.WithLabelValues(string(k.taskType), string(k.status)).Set(float64(count))
	}
}

func (c *Collector) collectScheduleMetrics() {
	schedules, err := c.source.ListSchedules()
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to list schedules")
		return
	}

	counts := make(map[types.SchedulerStatus]int)
	for _, spec := range schedules {
		counts[spec.Status]++
	}

	SchedulesTotal.Reset()
	for status, count := range counts {
		SchedulesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectClusterMetrics() {
	if c.cluster == nil {
		return
	}
	state := c.cluster.State()
	QuorumPresent.Set(BoolGauge(state.QuorumStatus == types.QuorumPresent))
	ClusterLiveMembers.Set(float64(len(state.LiveMembers)))
	ClusterQuorum.Set(float64(state.Quorum))
}
