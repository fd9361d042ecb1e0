package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMatchesSentinel(t *testing.T) {
	err := New(ErrNoTaskFound, "abc")

	assert.ErrorIs(t, err, ErrNoTaskFound)
	assert.NotErrorIs(t, err, ErrNotAnInjectionTask)
	assert.Equal(t, "FI0044: no task found with id abc", err.Error())
}

func TestWrappedChain(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("failed to save task: %w", Wrap(ErrDBError, cause))

	assert.ErrorIs(t, err, ErrDBError)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "FI506", CodeOf(err))
	assert.Equal(t, KindInfrastructure, KindOf(err))
}

func TestCodeOfUncoded(t *testing.T) {
	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, KindOf(nil))
}

func TestStableCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		code string
	}{
		{ErrCannotRerunFault, "FI0118"},
		{ErrRerunPluginUnavailable, "FI0128"},
		{ErrInvalidCronExpression, "FI0079"},
		{ErrInvalidScheduleInputs, "FI0080"},
		{ErrClusterConfigLesserQuorum, "FIHZ003"},
		{ErrClusterQuorumNotMet, "FIHZ004"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}
