package plugin

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// commandHandler turns a spec into a command list and hands it to an Executor.
// The built-in handlers differ only in the tool they drive.
type commandHandler struct {
	key      string
	tool     string
	executor Executor
}

func (h *commandHandler) Init(spec *types.FaultSpec, taskID string) (*types.Task, error) {
	if spec == nil {
		return nil, errcode.New(errcode.ErrFieldValueEmpty, "faultSpec")
	}
	return NewTask(spec, taskID, h.key), nil
}

func (h *commandHandler) Execute(ctx context.Context, task *types.Task) (*Result, error) {
	spec := task.Data
	var commands []string
	switch {
	case task.Type == types.TaskTypeRemediation:
		commands = spec.RemediationCommands
	case len(spec.InjectionCommands) > 0:
		commands = spec.InjectionCommands
	default:
		commands = []string{h.command(spec)}
	}

	out, err := h.executor.Run(ctx, spec, commands)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s commands: %w", h.key, err)
	}
	return &Result{Output: out}, nil
}

func (h *commandHandler) command(spec *types.FaultSpec) string {
	parts := []string{h.tool, "inject", strings.ToLower(string(spec.Kind))}

	switch {
	case spec.K8sArguments != nil:
		if spec.K8sArguments.PodInAction != "" {
			parts = append(parts, "--pod="+spec.K8sArguments.PodInAction)
		}
		if spec.K8sArguments.ContainerName != "" {
			parts = append(parts, "--container="+spec.K8sArguments.ContainerName)
		}
	case spec.DockerArguments != nil:
		parts = append(parts, "--containers="+strings.Join(spec.DockerArguments.ContainerNames, ","))
	case spec.JVMProperties != nil:
		parts = append(parts, "--process="+spec.JVMProperties.JVMProcess, fmt.Sprintf("--port=%d", spec.JVMProperties.Port))
	case spec.KillProcess != nil:
		target := spec.KillProcess.ProcessIdentifier
		if target == "" {
			target = spec.KillProcess.ProcessID
		}
		parts = append(parts, "--process="+target)
	}

	keys := make([]string, 0, len(spec.Args))
	for k := range spec.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("--%s=%s", k, spec.Args[k]))
	}
	if spec.Timeout > 0 {
		parts = append(parts, "--timeout="+spec.Timeout.String())
	}
	return strings.Join(parts, " ")
}

// PodLister resolves the pods selected by a label query on a Kubernetes endpoint
type PodLister interface {
	ListPods(ctx context.Context, endpoint *types.Endpoint, labels string) ([]string, error)
}

// StaticPodLister serves pod names from a fixed label to pods table
type StaticPodLister map[string][]string

func (l StaticPodLister) ListPods(_ context.Context, _ *types.Endpoint, labels string) ([]string, error) {
	return l[labels], nil
}

// triggerHandler fans a wrapped child spec out to the pods selected by its
// labels: every pod, or a single random one when random injection is enabled.
// The attempt itself runs nothing; it reports one child spec per pod.
type triggerHandler struct {
	pods PodLister
}

func (h *triggerHandler) Init(spec *types.FaultSpec, taskID string) (*types.Task, error) {
	if spec == nil || spec.ChildSpec == nil {
		return nil, errcode.New(errcode.ErrFieldValueEmpty, "childSpec")
	}
	return NewTask(spec, taskID, KeyK8sFaultTrigger), nil
}

func (h *triggerHandler) Execute(ctx context.Context, task *types.Task) (*Result, error) {
	if task.Type == types.TaskTypeRemediation {
		return nil, errcode.New(errcode.ErrRemediationK8sTask, task.Name)
	}
	child := task.Data.ChildSpec
	if child == nil || child.K8sArguments == nil {
		return nil, errcode.New(errcode.ErrK8sArgumentsRequired, task.Data.EndpointName)
	}

	pods, err := h.pods.ListPods(ctx, task.Data.Endpoint, child.K8sArguments.PodLabels)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	if len(pods) == 0 {
		return nil, errcode.New(errcode.ErrNoPodsIdentified, child.K8sArguments.PodLabels)
	}
	if child.K8sArguments.EnableRandomInjection {
		pods = []string{pods[rand.IntN(len(pods))]}
	}

	result := &Result{Output: fmt.Sprintf("selected pods: %s", strings.Join(pods, ","))}
	for _, pod := range pods {
		spec := child.Clone()
		spec.K8sArguments.PodInAction = pod
		spec.Schedule = nil
		result.ChildSpecs = append(result.ChildSpecs, spec)
	}
	return result, nil
}

// RegisterBuiltins loads the default plugin with every built-in handler
func RegisterBuiltins(r *Registry, executor Executor, pods PodLister) error {
	if executor == nil {
		executor = DryRunExecutor{}
	}
	if pods == nil {
		pods = StaticPodLister{}
	}
	return r.Load(DefaultPluginID, map[string]Handler{
		KeySystemResource:  &commandHandler{key: KeySystemResource, tool: "infra-agent", executor: executor},
		KeyByteman:         &commandHandler{key: KeyByteman, tool: "bmsubmit", executor: executor},
		KeyK8sSpecific:     &commandHandler{key: KeyK8sSpecific, tool: "kubectl", executor: executor},
		KeyDockerSpecific:  &commandHandler{key: KeyDockerSpecific, tool: "docker", executor: executor},
		KeyVCenterSpecific: &commandHandler{key: KeyVCenterSpecific, tool: "govc", executor: executor},
		KeyK8sFaultTrigger: &triggerHandler{pods: pods},
	})
}
