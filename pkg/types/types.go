package types

import (
	"encoding/json"
	"time"
)

// EndpointType identifies the kind of infrastructure a fault targets
type EndpointType string

const (
	EndpointTypeMachine    EndpointType = "MACHINE"
	EndpointTypeDocker     EndpointType = "DOCKER"
	EndpointTypeK8sCluster EndpointType = "K8S_CLUSTER"
	EndpointTypeVCenter    EndpointType = "VCENTER"
	EndpointTypeAWS        EndpointType = "AWS"
	EndpointTypeAzure      EndpointType = "AZURE"
	EndpointTypeDatabase   EndpointType = "DATABASE"
)

// Endpoint represents a target infrastructure resource
type Endpoint struct {
	ID                         string
	Name                       string
	EndpointType               EndpointType
	CredentialsName            string
	DockerConnectionProperties *DockerConnectionProperties `json:",omitempty"`
	Tags                       map[string]string           `json:",omitempty"`
	CreatedAt                  time.Time
}

// DockerConnectionProperties holds how a Docker host is reached
type DockerConnectionProperties struct {
	Host             string
	Port             int
	TLSEnabled       bool
	CertificatesName string
}

// Credentials represents the login material for an endpoint.
// Secret fields are stored as-is; encryption is handled outside this module.
type Credentials struct {
	ID         string
	Name       string
	Type       string
	Username   string
	Password   string `json:",omitempty"`
	PrivateKey string `json:",omitempty"`
	CreatedAt  time.Time
}

// FaultKind is the concrete variant of a FaultSpec
type FaultKind string

const (
	FaultKindKillProcess      FaultKind = "KILL_PROCESS"
	FaultKindCPU              FaultKind = "CPU"
	FaultKindMemory           FaultKind = "MEMORY"
	FaultKindDiskIO           FaultKind = "DISK_IO"
	FaultKindDiskSpace        FaultKind = "DISK_SPACE"
	FaultKindNetwork          FaultKind = "NETWORK"
	FaultKindDBConnectionLeak FaultKind = "DB_CONNECTION_LEAK"
	FaultKindDBTransaction    FaultKind = "DB_TRANSACTION_ERROR"
	FaultKindJVM              FaultKind = "JVM"
	FaultKindK8s              FaultKind = "K8S"
	FaultKindDocker           FaultKind = "DOCKER"
	FaultKindVM               FaultKind = "VM"
	FaultKindAWS              FaultKind = "AWS"
	FaultKindCustom           FaultKind = "CUSTOM"
	FaultKindK8sFaultTrigger  FaultKind = "K8S_FAULT_TRIGGER"
)

// Schedule describes when a scheduled fault fires.
// Exactly one of CronExpression and TimeInMilliseconds is set.
type Schedule struct {
	CronExpression     string `json:",omitempty"`
	TimeInMilliseconds *int64 `json:",omitempty"`
	Description        string `json:",omitempty"`
}

// DockerArguments selects containers on a Docker endpoint
type DockerArguments struct {
	ContainerNames []string
}

// K8sArguments selects pods on a Kubernetes endpoint
type K8sArguments struct {
	ContainerName         string
	PodLabels             string
	PodInAction           string
	EnableRandomInjection bool
}

// KillProcessArguments carries the process target of a kill-process fault
type KillProcessArguments struct {
	ProcessIdentifier  string
	ProcessID          string
	KillAll            bool
	RemediationCommand *string `json:",omitempty"`
}

// JVMProperties targets a JVM process for agent based faults
type JVMProperties struct {
	JVMProcess string
	Port       int
	User       string
}

// PluginMetaInfo links a fault to the plugin that contributes it
type PluginMetaInfo struct {
	PluginID  string
	FaultName string
}

// FaultSpec is the definition of a disruptive action against an endpoint
type FaultSpec struct {
	ID                  string
	Kind                FaultKind
	FaultName           string
	EndpointName        string
	CredentialsName     string
	Endpoint            *Endpoint             `json:",omitempty"`
	Credentials         *Credentials          `json:",omitempty"`
	Schedule            *Schedule             `json:",omitempty"`
	DockerArguments     *DockerArguments      `json:",omitempty"`
	K8sArguments        *K8sArguments         `json:",omitempty"`
	KillProcess         *KillProcessArguments `json:",omitempty"`
	JVMProperties       *JVMProperties        `json:",omitempty"`
	PluginMetaInfo      *PluginMetaInfo       `json:",omitempty"`
	ExtensionName       string                `json:",omitempty"`
	Args                map[string]string     `json:",omitempty"`
	InjectionCommands   []string              `json:",omitempty"`
	RemediationCommands []string              `json:",omitempty"`
	Timeout             time.Duration         `json:",omitempty"`
	Tags                map[string]string     `json:",omitempty"`

	// ChildSpec is set on K8S_FAULT_TRIGGER specs and holds the fault that is
	// fanned out to every selected pod.
	ChildSpec *FaultSpec `json:",omitempty"`
}

// IsScheduled reports whether the spec carries a schedule
func (s *FaultSpec) IsScheduled() bool {
	return s != nil && s.Schedule != nil
}

// Target returns the spec that actually addresses an endpoint, following the
// child indirection of fan-out specs.
func (s *FaultSpec) Target() *FaultSpec {
	if s != nil && s.Kind == FaultKindK8sFaultTrigger && s.ChildSpec != nil {
		return s.ChildSpec
	}
	return s
}

// Clone returns a deep copy of the spec
func (s *FaultSpec) Clone() *FaultSpec {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out FaultSpec
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// TaskType defines what a task does
type TaskType string

const (
	TaskTypeInjection       TaskType = "INJECTION"
	TaskTypeRemediation     TaskType = "REMEDIATION"
	TaskTypeResiliencyScore TaskType = "RESILIENCY_SCORE"
)

// TaskStatus represents the state of one trigger of a task
type TaskStatus string

const (
	TaskStatusInitializing TaskStatus = "INITIALIZING"
	TaskStatusInProgress   TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted    TaskStatus = "COMPLETED"
	TaskStatusFailed       TaskStatus = "FAILED"
	TaskStatusSkipped      TaskStatus = "TASK_SKIPPED"
)

// IsTerminal reports whether no further status change is expected
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusSkipped
}

// TaskTrigger is one execution attempt of a task
type TaskTrigger struct {
	TaskStatus    TaskStatus
	StartTime     time.Time
	EndTime       time.Time `json:",omitempty"`
	Node          string    `json:",omitempty"` // node that dispatched the attempt
	Output        string    `json:",omitempty"`
	FailureReason string    `json:",omitempty"`
	ChildTaskIDs  []string  `json:",omitempty"`
}

// Dispatched reports whether the attempt has been handed to a handler
func (t *TaskTrigger) Dispatched() bool {
	return t.Node != ""
}

// Task is a tracked unit of fault work.
// Triggers is append-only; the last element is the current attempt.
type Task struct {
	ID              string
	Name            string
	Type            TaskType
	Description     string
	Data            *FaultSpec
	Triggers        []*TaskTrigger
	IsScheduledTask bool
	IsRemediated    bool
	TaskRetriggered bool
	ChildTaskIDs    []string `json:",omitempty"`
	ExtensionName   string

	// InjectionTaskID is set on REMEDIATION tasks. It is resolved through the
	// task store, never held as a pointer.
	InjectionTaskID string `json:",omitempty"`

	CreatedAt   time.Time
	LastUpdated time.Time
}

// CurrentTrigger returns the most recent trigger, or nil for a task without
// triggers.
func (t *Task) CurrentTrigger() *TaskTrigger {
	if len(t.Triggers) == 0 {
		return nil
	}
	return t.Triggers[len(t.Triggers)-1]
}

// Status returns the effective status, which is the status of the current trigger
func (t *Task) Status() TaskStatus {
	if tr := t.CurrentTrigger(); tr != nil {
		return tr.TaskStatus
	}
	return TaskStatusInitializing
}

// AppendTrigger pushes a new attempt; earlier attempts are left untouched
func (t *Task) AppendTrigger(tr *TaskTrigger) {
	t.Triggers = append(t.Triggers, tr)
}

// IsRemediable reports whether the task can be the target of a remediation
func (t *Task) IsRemediable() bool {
	return t.Type == TaskTypeInjection
}

// SchedulerStatus is the state of a schedule record
type SchedulerStatus string

const (
	SchedulerStatusInitializing SchedulerStatus = "INITIALIZING"
	SchedulerStatusScheduled    SchedulerStatus = "SCHEDULED"
	SchedulerStatusPaused       SchedulerStatus = "PAUSED"
	SchedulerStatusCancelled    SchedulerStatus = "CANCELLED"
)

// IsActive reports whether a schedule may still fire or be resumed
func (s SchedulerStatus) IsActive() bool {
	return s == SchedulerStatusScheduled || s == SchedulerStatusPaused || s == SchedulerStatusInitializing
}

// SchedulerSpec is the persisted record of a recurring or delayed job.
// Its ID is the ID of the scheduled task.
type SchedulerSpec struct {
	ID                 string
	Status             SchedulerStatus
	CronExpression     string `json:",omitempty"`
	TimeInMilliseconds *int64 `json:",omitempty"`
	Description        string `json:",omitempty"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastFiredAt        time.Time `json:",omitempty"`
}

// IsFixedDelay reports whether the job fires once after a delay
func (s *SchedulerSpec) IsFixedDelay() bool {
	return s.CronExpression == "" && s.TimeInMilliseconds != nil
}

// DeploymentMode is how the platform is deployed
type DeploymentMode string

const (
	DeploymentModeStandalone DeploymentMode = "STANDALONE"
	DeploymentModeCluster    DeploymentMode = "CLUSTER"
)

// QuorumStatus is the process-wide gate for scheduled execution
type QuorumStatus string

const (
	QuorumPresent    QuorumStatus = "PRESENT"
	QuorumNotPresent QuorumStatus = "NOT_PRESENT"
)

// ClusterConfig is the persisted cluster configuration
type ClusterConfig struct {
	ID              string
	ClusterName     string
	ValidationToken string `json:",omitempty"`
	DeploymentMode  DeploymentMode
	Quorum          int
	Members         []string
	Master          string `json:",omitempty"`
	UpdatedAt       time.Time
}

// ClusterState is a point-in-time view of the coordinator
type ClusterState struct {
	DeploymentMode DeploymentMode
	Quorum         int
	LiveMembers    []string
	LocalMember    string
	QuorumStatus   QuorumStatus
}
