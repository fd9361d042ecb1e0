// Package factory turns fault specs into tasks by dispatching them to the
// handler registered for their type key.
package factory

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/plugin"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// Extensions resolves type keys to handlers
type Extensions interface {
	GetExtension(key string) plugin.Handler
}

// Factory builds injection and remediation tasks
type Factory struct {
	extensions Extensions
	logger     zerolog.Logger
}

// New creates a factory dispatching through extensions
func New(extensions Extensions) *Factory {
	return &Factory{
		extensions: extensions,
		logger:     log.WithComponent("factory"),
	}
}

// HandlerKey returns the type key that executes spec
func HandlerKey(spec *types.FaultSpec) string {
	if meta := spec.PluginMetaInfo; meta != nil {
		return plugin.Key(meta.PluginID, meta.FaultName)
	}

	switch spec.Kind {
	case types.FaultKindK8sFaultTrigger:
		return plugin.KeyK8sFaultTrigger
	case types.FaultKindK8s:
		return plugin.KeyK8sSpecific
	case types.FaultKindDocker:
		return plugin.KeyDockerSpecific
	case types.FaultKindVM:
		return plugin.KeyVCenterSpecific
	case types.FaultKindJVM:
		if spec.JVMProperties != nil {
			return plugin.KeyByteman
		}
	}
	return plugin.KeySystemResource
}

// NeedsFanOut reports whether a spec addresses pods by label on a Kubernetes
// endpoint and must be expanded into one child task per pod
func NeedsFanOut(spec *types.FaultSpec) bool {
	if spec.Kind == types.FaultKindK8sFaultTrigger || spec.PluginMetaInfo != nil {
		return false
	}
	if spec.Endpoint == nil || spec.Endpoint.EndpointType != types.EndpointTypeK8sCluster {
		return false
	}
	return spec.K8sArguments != nil && spec.K8sArguments.PodInAction == ""
}

// WrapFanOut moves spec under a K8S_FAULT_TRIGGER parent. The parent keeps the
// schedule; the child template does not carry one.
func WrapFanOut(spec *types.FaultSpec) *types.FaultSpec {
	child := spec.Clone()
	child.Schedule = nil
	return &types.FaultSpec{
		Kind:            types.FaultKindK8sFaultTrigger,
		FaultName:       spec.FaultName,
		EndpointName:    spec.EndpointName,
		CredentialsName: spec.CredentialsName,
		Endpoint:        spec.Endpoint,
		Credentials:     spec.Credentials,
		Schedule:        spec.Schedule,
		Tags:            spec.Tags,
		ChildSpec:       child,
	}
}

// GetTask builds the injection task for spec. A new ID is generated when
// taskID is empty.
func (f *Factory) GetTask(spec *types.FaultSpec, taskID string) (*types.Task, error) {
	if spec == nil {
		return nil, errcode.New(errcode.ErrFieldValueEmpty, "faultSpec")
	}
	if taskID == "" {
		taskID = uuid.New().String()
	}
	if NeedsFanOut(spec) {
		spec = WrapFanOut(spec)
	}

	key := HandlerKey(spec)
	handler := f.extensions.GetExtension(key)
	if handler == nil {
		return nil, errcode.New(errcode.ErrExtensionNotFound, key)
	}

	task, err := handler.Init(spec, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task for %s: %w", key, err)
	}
	task.ExtensionName = key

	f.logger.Debug().
		Str("task_id", task.ID).
		Str("extension", key).
		Msg("task built")
	return task, nil
}

// GetRemediationTask builds the REMEDIATION task reversing injected. The
// remediation runs the injected spec's remediation commands once, without a
// schedule.
func (f *Factory) GetRemediationTask(injected *types.Task, taskID string) (*types.Task, error) {
	if injected == nil {
		return nil, errcode.New(errcode.ErrNoTaskFound, "")
	}
	if injected.Type != types.TaskTypeInjection {
		return nil, errcode.New(errcode.ErrNotAnInjectionTask, injected.ID)
	}
	if status := injected.Status(); status != types.TaskStatusCompleted {
		return nil, errcode.New(errcode.ErrInvalidStateForRemediation, injected.ID, status)
	}
	if injected.IsRemediated {
		return nil, errcode.New(errcode.ErrFaultAlreadyRemediated, injected.ID)
	}
	if tr := injected.CurrentTrigger(); len(tr.ChildTaskIDs) > 0 {
		return nil, errcode.New(errcode.ErrRemediationK8sTask, injected.Name)
	}

	spec := injected.Data.Target().Clone()
	if spec == nil || len(spec.RemediationCommands) == 0 {
		return nil, errcode.New(errcode.ErrFaultRemediationNotSupported, injected.ID)
	}
	spec.Schedule = nil

	if taskID == "" {
		taskID = uuid.New().String()
	}
	key := HandlerKey(spec)
	handler := f.extensions.GetExtension(key)
	if handler == nil {
		return nil, errcode.New(errcode.ErrExtensionNotFound, key)
	}

	task, err := handler.Init(spec, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize remediation for %s: %w", injected.ID, err)
	}
	task.Type = types.TaskTypeRemediation
	task.Name = "remediation-" + injected.Name
	task.Description = "remediation of " + injected.Name
	task.IsScheduledTask = false
	task.InjectionTaskID = injected.ID
	task.ExtensionName = key

	f.logger.Debug().
		Str("task_id", task.ID).
		Str("injection_task_id", injected.ID).
		Msg("remediation task built")
	return task, nil
}
