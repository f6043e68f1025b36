package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("jobs.build.needs[0]", ErrCodeValidation, "unknown job")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "jobs.build.needs[0]", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("jobs.build.stages[0].id", ErrCodeValidation, "missing id")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r2 := &ValidationResult{}
	r2.AddError("jobs", ErrCodeDependencyCycle, "err2")
	r2.AddWarning("jobs.a", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError_KeepsSingleCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("jobs", ErrCodeDependencyCycle, "cycle a -> b -> a")

	err := r.ToError()
	require.Error(t, err)
	fe, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeDependencyCycle, fe.Code)
	assert.Contains(t, fe.Message, "cycle a -> b -> a")
	assert.Equal(t, 1, fe.Details["error_count"])
	assert.True(t, IsFatal(err))
}

func TestValidationResult_ToError_MultipleErrorsPromoteCycle(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("jobs.a.stages", ErrCodeValidation, "empty")
	r.AddError("jobs", ErrCodeDependencyCycle, "cycle")

	err := r.ToError()
	assert.True(t, HasCode(err, ErrCodeDependencyCycle))
}

func TestErrorInfoFrom(t *testing.T) {
	assert.Nil(t, ErrorInfoFrom(nil))

	info := ErrorInfoFrom(NewErrorf(ErrCodeTemplateResolution, "key %q not found", "rows"))
	assert.Equal(t, &ErrorInfo{Name: "TemplateResolutionError", Message: `key "rows" not found`}, info)

	info = ErrorInfoFrom(&PanicError{Value: "boom"})
	assert.Equal(t, ErrNamePanic, info.Name)
	assert.Equal(t, "panic: boom", info.Message)

	info = ErrorInfoFrom(assert.AnError)
	assert.Equal(t, ErrNameStage, info.Name)
}

func TestFlowError_Is(t *testing.T) {
	err := NewError(ErrCodeProviderFault, "queue down").WithUnit("build")
	assert.ErrorIs(t, err, &FlowError{Code: ErrCodeProviderFault})
	assert.NotErrorIs(t, err, &FlowError{Code: ErrCodeTimeout})
	assert.Equal(t, "[ProviderFault] build: queue down", err.Error())
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "workflow definition is nil", ValidationIssue{Path: "/", Message: "workflow definition is nil"}.String())
	assert.Equal(t, "jobs.a: empty", ValidationIssue{Path: "jobs.a", Message: "empty"}.String())
}
