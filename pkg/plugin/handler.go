package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// DefaultPluginID owns the built-in handlers. It cannot be unloaded.
const DefaultPluginID = "mangle-default-plugin"

// Type keys of the built-in handlers
const (
	KeySystemResource  = "system-resource"
	KeyByteman         = "byteman"
	KeyK8sSpecific     = "k8s-specific"
	KeyDockerSpecific  = "docker-specific"
	KeyVCenterSpecific = "vcenter-specific"
	KeyK8sFaultTrigger = "k8s-fault-trigger"
)

// Key returns the type key of a fault contributed by a plugin
func Key(pluginID, faultName string) string {
	return pluginID + "/" + faultName
}

// Result is what a handler reports once an attempt finishes
type Result struct {
	Output string

	// ChildSpecs are faults fanned out by the attempt, one per target. The
	// orchestrator turns each into a child task.
	ChildSpecs []*types.FaultSpec
}

// Handler executes one kind of fault.
//
// Init builds the task for a spec without side effects. Execute performs the
// attempt described by the task's current trigger and may block for as long
// as the fault runs; callers run it off the request path.
type Handler interface {
	Init(spec *types.FaultSpec, taskID string) (*types.Task, error)
	Execute(ctx context.Context, task *types.Task) (*Result, error)
}

// Executor runs commands against the endpoint of a spec
type Executor interface {
	Run(ctx context.Context, spec *types.FaultSpec, commands []string) (string, error)
}

// DryRunExecutor logs commands instead of running them
type DryRunExecutor struct{}

func (DryRunExecutor) Run(ctx context.Context, spec *types.FaultSpec, commands []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	logger := log.WithComponent("executor")
	logger.Info().
		Str("endpoint", spec.EndpointName).
		Str("kind", string(spec.Kind)).
		Strs("commands", commands).
		Msg("dry run")
	return strings.Join(commands, "\n"), nil
}

// NewTask builds the INJECTION task a handler returns from Init. The first
// trigger is IN_PROGRESS and not yet dispatched.
func NewTask(spec *types.FaultSpec, taskID, extension string) *types.Task {
	now := time.Now().UTC()
	spec.ID = taskID
	return &types.Task{
		ID:              taskID,
		Name:            taskName(spec, taskID),
		Type:            types.TaskTypeInjection,
		Description:     fmt.Sprintf("%s fault on endpoint %s", spec.Kind, spec.EndpointName),
		Data:            spec,
		IsScheduledTask: spec.IsScheduled(),
		ExtensionName:   extension,
		Triggers: []*types.TaskTrigger{
			{TaskStatus: types.TaskStatusInProgress, StartTime: now},
		},
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func taskName(spec *types.FaultSpec, taskID string) string {
	base := spec.FaultName
	if base == "" {
		base = strings.ToLower(string(spec.Kind))
	}
	suffix := taskID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return base + "-" + suffix
}
