package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/events"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// ConfigStore persists the cluster configuration
type ConfigStore interface {
	GetClusterConfig() (*types.ClusterConfig, error)
	SaveClusterConfig(cfg *types.ClusterConfig) error
}

// Publisher receives coordinator events
type Publisher interface {
	Publish(event *events.Event)
}

// RetryConfig bounds the broadcast retry
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig retries a failed broadcast for up to five seconds
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

// Options configure a coordinator at boot
type Options struct {
	ClusterName    string
	DeploymentMode types.DeploymentMode

	// Quorum is used only when no configuration is persisted yet. Zero means
	// majority of the members visible at boot.
	Quorum          int
	ValidationToken string
	Retry           RetryConfig
}

// syncMessage is broadcast on SyncTopic after every accepted change
type syncMessage struct {
	Origin         string               `json:"origin"`
	Token          string               `json:"token,omitempty"`
	DeploymentMode types.DeploymentMode `json:"deploymentMode"`
	Quorum         int                  `json:"quorum"`
}

// Coordinator owns the process-wide quorum gate. The deployment mode, the
// quorum and the gate are read and written under mu.
type Coordinator struct {
	mu     sync.Mutex
	layer  Layer
	store  ConfigStore
	events Publisher
	retry  RetryConfig
	logger zerolog.Logger
	config *types.ClusterConfig
	status types.QuorumStatus
	live   []string
	booted bool
	left   bool

	// updateMu serializes configuration changes so mu can be released
	// while a broadcast retries
	updateMu sync.Mutex

	listenerMu sync.RWMutex
	onStatus   []func(types.QuorumStatus)
	onLeft     []func(member string)
}

// NewCoordinator creates a coordinator over layer. Boot must be called
// before the gate reports anything but NOT_PRESENT.
func NewCoordinator(layer Layer, store ConfigStore, publisher Publisher) *Coordinator {
	return &Coordinator{
		layer:  layer,
		store:  store,
		events: publisher,
		retry:  DefaultRetryConfig(),
		logger: log.WithComponent("cluster"),
		status: types.QuorumNotPresent,
	}
}

// OnStatusChange registers fn to run after every gate transition
func (c *Coordinator) OnStatusChange(fn func(types.QuorumStatus)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnMemberLeft registers fn to run when a member leaves while quorum holds
func (c *Coordinator) OnMemberLeft(fn func(member string)) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.onLeft = append(c.onLeft, fn)
}

// Boot loads the persisted cluster configuration, creating it on first start,
// subscribes to the sync topic and membership changes, and computes the
// initial gate.
func (c *Coordinator) Boot(opts Options) error {
	c.mu.Lock()
	if opts.Retry.MaxElapsedTime > 0 {
		c.retry = opts.Retry
	}

	cfg, err := c.store.GetClusterConfig()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg, err = c.initialConfig(opts)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	case err != nil:
		c.mu.Unlock()
		return errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to load cluster config: %w", err))
	default:
		if cfg.ValidationToken == "" && opts.ValidationToken != "" {
			cfg.ValidationToken = opts.ValidationToken
		}
	}
	c.config = cfg
	c.booted = true
	c.mu.Unlock()

	c.layer.Subscribe(SyncTopic, c.handleSync)
	c.layer.OnMembershipChange(c.handleMembership)

	c.logger.Info().
		Str("cluster", cfg.ClusterName).
		Str("mode", string(cfg.DeploymentMode)).
		Int("quorum", cfg.Quorum).
		Msg("cluster coordinator booted")

	c.Resync("boot")
	return nil
}

func (c *Coordinator) initialConfig(opts Options) (*types.ClusterConfig, error) {
	mode := opts.DeploymentMode
	if mode == "" {
		mode = types.DeploymentModeStandalone
	}
	members, err := c.layer.Members()
	if err != nil {
		members = []string{c.layer.LocalMember()}
	}
	quorum := opts.Quorum
	if quorum <= 0 || mode == types.DeploymentModeStandalone {
		quorum = Majority(mode, len(members))
	}

	cfg := &types.ClusterConfig{
		ID:              uuid.New().String(),
		ClusterName:     opts.ClusterName,
		ValidationToken: opts.ValidationToken,
		DeploymentMode:  mode,
		Quorum:          quorum,
		Members:         slices.Clone(members),
		Master:          members[0],
		UpdatedAt:       time.Now(),
	}
	if err := c.store.SaveClusterConfig(cfg); err != nil {
		return nil, errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to save cluster config: %w", err))
	}
	return cfg, nil
}

// IsQuorumPresent is the gate consulted before scheduled work runs
func (c *Coordinator) IsQuorumPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == types.QuorumPresent
}

// IsMaster reports whether this node is the oldest live member of a cluster
// holding quorum. Scheduled jobs fire only on the master.
func (c *Coordinator) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != types.QuorumPresent {
		return false
	}
	if c.config.DeploymentMode == types.DeploymentModeStandalone {
		return true
	}
	return len(c.live) > 0 && c.live[0] == c.layer.LocalMember()
}

// State returns a snapshot of the coordinator
func (c *Coordinator) State() types.ClusterState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := types.ClusterState{
		LiveMembers:  slices.Clone(c.live),
		LocalMember:  c.layer.LocalMember(),
		QuorumStatus: c.status,
	}
	if c.config != nil {
		state.DeploymentMode = c.config.DeploymentMode
		state.Quorum = c.config.Quorum
	}
	return state
}

// Config returns a copy of the current cluster configuration
func (c *Coordinator) Config() types.ClusterConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config == nil {
		return types.ClusterConfig{}
	}
	cfg := *c.config
	cfg.Members = slices.Clone(c.config.Members)
	return cfg
}

// Resync recomputes the gate from the live membership. In CLUSTER mode a node
// that held quorum and can no longer see a quorum of members turns
// NOT_PRESENT and leaves the cluster. A node that never held quorum keeps
// waiting for members. Clustering failures degrade to NOT_PRESENT.
func (c *Coordinator) Resync(trigger string) types.QuorumStatus {
	c.mu.Lock()
	prev := c.status
	leave := c.resyncLocked(trigger)
	status := c.status
	c.mu.Unlock()

	if leave {
		c.leave()
	}
	c.notify(prev, status, trigger)
	return status
}

// resyncLocked recomputes the gate and reports whether this node has to leave
func (c *Coordinator) resyncLocked(trigger string) bool {
	if !c.booted || c.left {
		c.status = types.QuorumNotPresent
		return false
	}

	if c.config.DeploymentMode == types.DeploymentModeStandalone {
		c.live = []string{c.layer.LocalMember()}
		c.status = types.QuorumPresent
		return false
	}

	members, err := c.layer.Members()
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("trigger", trigger).
			Msg("failed to read cluster members, closing the quorum gate")
		c.live = nil
		c.status = types.QuorumNotPresent
		return false
	}
	c.live = members
	metrics.ClusterLiveMembers.Set(float64(len(members)))
	metrics.ClusterQuorum.Set(float64(c.config.Quorum))

	wasPresent := c.status == types.QuorumPresent
	c.status = Evaluate(c.config.DeploymentMode, len(members), c.config.Quorum)
	if c.status == types.QuorumNotPresent {
		if !wasPresent {
			return false
		}
		c.logger.Warn().
			Str("trigger", trigger).
			Int("live", len(members)).
			Int("quorum", c.config.Quorum).
			Msg("quorum lost, leaving the cluster")
		return true
	}

	c.recordMembersLocked(members)
	return false
}

// recordMembersLocked persists the live membership and the oldest member as
// master when either changed
func (c *Coordinator) recordMembersLocked(members []string) {
	master := ""
	if len(members) > 0 {
		master = members[0]
	}
	if slices.Equal(c.config.Members, members) && c.config.Master == master {
		return
	}

	c.config.Members = slices.Clone(members)
	c.config.Master = master
	c.config.UpdatedAt = time.Now()
	if err := c.store.SaveClusterConfig(c.config); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist cluster members")
	}
}

func (c *Coordinator) leave() {
	c.mu.Lock()
	c.left = true
	c.mu.Unlock()

	if err := c.layer.Leave(); err != nil {
		c.logger.Error().Err(err).Msg("failed to leave the cluster")
	}
}

// UpdateMangleQuorum sets the quorum threshold. The threshold may not exceed
// the live member count. The change is persisted and broadcast; if the
// broadcast fails the previous configuration is restored.
func (c *Coordinator) UpdateMangleQuorum(quorum int) error {
	if quorum < 1 {
		return errcode.New(errcode.ErrBadRequest, "quorum must be at least 1")
	}

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	if !c.booted {
		c.mu.Unlock()
		return errcode.New(errcode.ErrClusterQuorumNotMet)
	}
	mode := c.config.DeploymentMode
	c.mu.Unlock()

	members, err := c.layer.Members()
	if err != nil {
		return errcode.Wrap(errcode.ErrClusterQuorumNotMet, fmt.Errorf("failed to list cluster members: %w", err))
	}
	if quorum > len(members) {
		return errcode.New(errcode.ErrClusterConfigLesserQuorum, quorum, len(members))
	}

	if err := c.apply(mode, quorum); err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.status
	c.live = members
	c.status = Evaluate(c.config.DeploymentMode, len(members), c.config.Quorum)
	status := c.status
	c.mu.Unlock()

	c.logger.Info().Int("quorum", quorum).Msg("cluster quorum updated")
	c.notify(prev, status, "quorum-update")
	return nil
}

// HandleQuorumForNewNodeAddition raises the threshold to the majority of the
// grown membership. The threshold never shrinks here.
func (c *Coordinator) HandleQuorumForNewNodeAddition() error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	if !c.booted || c.config.DeploymentMode == types.DeploymentModeStandalone {
		c.mu.Unlock()
		return nil
	}
	mode, current := c.config.DeploymentMode, c.config.Quorum
	c.mu.Unlock()

	members, err := c.layer.Members()
	if err != nil {
		return fmt.Errorf("failed to list cluster members: %w", err)
	}

	if quorum := Majority(types.DeploymentModeCluster, len(members)); quorum > current {
		if err := c.apply(mode, quorum); err != nil {
			return err
		}
		c.logger.Info().
			Int("members", len(members)).
			Int("quorum", quorum).
			Msg("quorum raised for new member")
	}

	c.mu.Lock()
	prev := c.status
	leave := c.resyncLocked("member-added")
	status := c.status
	c.mu.Unlock()

	if leave {
		c.leave()
	}
	c.notify(prev, status, "member-added")
	return nil
}

// UpdateMangleDeploymentType switches between STANDALONE and CLUSTER.
// Switching to CLUSTER sets the quorum to the majority of the larger of the
// live and the persisted membership and fails when the live members cannot
// meet it.
func (c *Coordinator) UpdateMangleDeploymentType(mode types.DeploymentMode) error {
	if mode != types.DeploymentModeStandalone && mode != types.DeploymentModeCluster {
		return errcode.New(errcode.ErrBadRequest, "unknown deployment mode "+string(mode))
	}

	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	if !c.booted {
		c.mu.Unlock()
		return errcode.New(errcode.ErrClusterQuorumNotMet)
	}
	if c.config.DeploymentMode == mode {
		c.mu.Unlock()
		return errcode.New(errcode.ErrClusterAlreadyInState, mode)
	}
	known := len(c.config.Members)
	c.mu.Unlock()

	quorum := 1
	if mode == types.DeploymentModeCluster {
		members, err := c.layer.Members()
		if err != nil {
			return errcode.Wrap(errcode.ErrClusterQuorumNotMet, fmt.Errorf("failed to list cluster members: %w", err))
		}
		quorum = Majority(mode, max(len(members), known))
		if quorum > len(members) {
			return errcode.New(errcode.ErrClusterTypeConfigLesserQuorum, mode, quorum, len(members))
		}
	}

	if err := c.apply(mode, quorum); err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.status
	leave := c.resyncLocked("deployment-switch")
	status := c.status
	c.mu.Unlock()

	if leave {
		c.leave()
	}

	c.logger.Info().
		Str("mode", string(mode)).
		Int("quorum", quorum).
		Msg("deployment mode switched")
	c.publish(events.New(events.EventClusterDeploymentSwitch, "deployment mode switched",
		"mode", string(mode), "quorum", strconv.Itoa(quorum)))
	c.notify(prev, status, "deployment-switch")
	return nil
}

// apply persists and broadcasts a new mode and quorum, restoring the
// previous mode and quorum when either step fails. The caller holds updateMu;
// mu is released while the broadcast retries.
func (c *Coordinator) apply(mode types.DeploymentMode, quorum int) error {
	c.mu.Lock()
	prevMode, prevQuorum := c.config.DeploymentMode, c.config.Quorum

	c.config.DeploymentMode = mode
	c.config.Quorum = quorum
	c.config.UpdatedAt = time.Now()
	if err := c.store.SaveClusterConfig(c.config); err != nil {
		c.config.DeploymentMode, c.config.Quorum = prevMode, prevQuorum
		c.mu.Unlock()
		return errcode.Wrap(errcode.ErrDBError, fmt.Errorf("failed to save cluster config: %w", err))
	}
	msg := syncMessage{
		Origin:         c.layer.LocalMember(),
		Token:          c.config.ValidationToken,
		DeploymentMode: mode,
		Quorum:         quorum,
	}
	c.mu.Unlock()

	if err := c.broadcast(msg); err != nil {
		c.mu.Lock()
		c.config.DeploymentMode, c.config.Quorum = prevMode, prevQuorum
		c.config.UpdatedAt = time.Now()
		if rbErr := c.store.SaveClusterConfig(c.config); rbErr != nil {
			c.logger.Error().Err(rbErr).Msg("failed to restore cluster config after broadcast failure")
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to broadcast cluster config: %w", err)
	}

	metrics.ClusterQuorum.Set(float64(quorum))
	return nil
}

func (c *Coordinator) broadcast(msg syncMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sync message: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = c.retry.MaxElapsedTime

	return backoff.RetryNotify(func() error {
		err := c.layer.Publish(SyncTopic, payload)
		if errors.Is(err, ErrNotMember) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", next).Msg("sync broadcast failed, retrying")
	})
}

// handleSync applies a configuration broadcast by another node and
// recomputes the local gate
func (c *Coordinator) handleSync(payload []byte) {
	var msg syncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("ignoring malformed sync message")
		return
	}
	if msg.Origin == c.layer.LocalMember() {
		return
	}

	c.mu.Lock()
	if !c.booted || !tokenMatches(c.config.ValidationToken, msg.Token) {
		c.mu.Unlock()
		c.logger.Warn().Str("origin", msg.Origin).Msg("ignoring sync message from another cluster")
		return
	}
	prev := c.status
	c.config.DeploymentMode = msg.DeploymentMode
	c.config.Quorum = msg.Quorum
	c.config.UpdatedAt = time.Now()
	if err := c.store.SaveClusterConfig(c.config); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist synced cluster config")
	}
	leave := c.resyncLocked("sync")
	status := c.status
	c.mu.Unlock()

	c.logger.Info().
		Str("origin", msg.Origin).
		Str("mode", string(msg.DeploymentMode)).
		Int("quorum", msg.Quorum).
		Msg("cluster config synced")

	if leave {
		c.leave()
	}
	c.notify(prev, status, "sync")
}

func (c *Coordinator) handleMembership(ev MembershipEvent) {
	switch ev.Type {
	case MemberJoined:
		c.publish(events.New(events.EventClusterMemberJoined, "member joined", "member", ev.Member))
		if err := c.HandleQuorumForNewNodeAddition(); err != nil {
			c.logger.Error().Err(err).Str("member", ev.Member).Msg("failed to handle new member")
		}

	case MemberLeft:
		c.publish(events.New(events.EventClusterMemberLeft, "member left", "member", ev.Member))
		if c.Resync("member-left") != types.QuorumPresent {
			return
		}
		c.listenerMu.RLock()
		fns := slices.Clone(c.onLeft)
		c.listenerMu.RUnlock()
		for _, fn := range fns {
			fn(ev.Member)
		}
	}
}

func (c *Coordinator) notify(prev, status types.QuorumStatus, trigger string) {
	metrics.QuorumPresent.Set(metrics.BoolGauge(status == types.QuorumPresent))
	if prev == status {
		return
	}

	metrics.QuorumTransitions.WithLabelValues(string(status)).Inc()
	c.logger.Info().
		Str("from", string(prev)).
		Str("to", string(status)).
		Str("trigger", trigger).
		Msg("quorum status changed")
	c.publish(events.New(events.EventQuorumChanged, "quorum status changed",
		"status", string(status), "trigger", trigger))

	c.listenerMu.RLock()
	fns := slices.Clone(c.onStatus)
	c.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (c *Coordinator) publish(ev *events.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}
