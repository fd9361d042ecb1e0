// Package validator checks fault specs before a task is built from them.
package validator

import (
	"errors"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/vmware/mangle-sub000/pkg/errcode"
	"github.com/vmware/mangle-sub000/pkg/storage"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// CronParser accepts the 6-field grammar with a leading seconds field, plus
// descriptors such as @hourly. The scheduler arms jobs with the same parser.
var CronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// EndpointLookup resolves endpoints by name
type EndpointLookup interface {
	GetEndpointByName(name string) (*types.Endpoint, error)
}

// Validator validates fault specs
type Validator struct {
	endpoints EndpointLookup
}

// New creates a validator resolving endpoints through endpoints
func New(endpoints EndpointLookup) *Validator {
	return &Validator{endpoints: endpoints}
}

// ValidateSpec checks that the spec's endpoint exists and its schedule, if
// any, is well formed
func (v *Validator) ValidateSpec(spec *types.FaultSpec) error {
	if spec == nil {
		return errcode.New(errcode.ErrFieldValueEmpty, "faultSpec")
	}
	target := spec.Target()
	if strings.TrimSpace(target.EndpointName) == "" {
		return errcode.New(errcode.ErrFieldValueEmpty, "endpointName")
	}
	if _, err := v.endpoints.GetEndpointByName(target.EndpointName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errcode.New(errcode.ErrNoRecordFound, "endpointName", target.EndpointName)
		}
		return errcode.Wrap(errcode.ErrDBError, err)
	}
	return ValidateSchedule(spec.Schedule)
}

// ValidateSchedule checks a schedule. A nil schedule means the fault runs
// immediately and is valid.
func ValidateSchedule(s *types.Schedule) error {
	if s == nil {
		return nil
	}
	cronExpr := strings.TrimSpace(s.CronExpression)
	hasCron := cronExpr != ""
	hasDelay := s.TimeInMilliseconds != nil

	if hasCron == hasDelay {
		return errcode.New(errcode.ErrInvalidScheduleInputs)
	}
	if hasDelay && *s.TimeInMilliseconds <= 0 {
		return errcode.New(errcode.ErrInvalidScheduleInputs)
	}
	if hasCron {
		if _, err := CronParser.Parse(cronExpr); err != nil {
			return errcode.Wrap(errcode.ErrInvalidCronExpression, err, cronExpr)
		}
	}
	return nil
}

// ValidateEndpointTypeSpecificArguments checks that the argument block
// required by the endpoint type is present
func (v *Validator) ValidateEndpointTypeSpecificArguments(spec *types.FaultSpec) error {
	target := spec.Target()
	endpoint := target.Endpoint
	if endpoint == nil {
		ep, err := v.endpoints.GetEndpointByName(target.EndpointName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errcode.New(errcode.ErrNoRecordFound, "endpointName", target.EndpointName)
			}
			return errcode.Wrap(errcode.ErrDBError, err)
		}
		endpoint = ep
	}

	switch endpoint.EndpointType {
	case types.EndpointTypeK8sCluster:
		if target.K8sArguments == nil {
			return errcode.New(errcode.ErrK8sArgumentsRequired, endpoint.Name)
		}
	case types.EndpointTypeDocker:
		if target.DockerArguments == nil || len(target.DockerArguments.ContainerNames) == 0 {
			return errcode.New(errcode.ErrDockerArgumentsRequired, endpoint.Name)
		}
	}
	return nil
}

// ValidateKillProcessFaultSpec checks the process target of a kill-process
// fault, then runs ValidateSpec
func (v *Validator) ValidateKillProcessFaultSpec(spec *types.FaultSpec) error {
	args := spec.KillProcess
	if args == nil {
		return errcode.New(errcode.ErrBadRequest, "process arguments must be set")
	}
	if args.RemediationCommand != nil && strings.TrimSpace(*args.RemediationCommand) == "" {
		return errcode.New(errcode.ErrBadRequest, "remediationCommand: must not be empty")
	}
	if strings.TrimSpace(args.ProcessIdentifier) == "" && strings.TrimSpace(args.ProcessID) == "" {
		return errcode.New(errcode.ErrBadRequest, "one of processIdentifier or processId must be set")
	}
	return v.ValidateSpec(spec)
}
