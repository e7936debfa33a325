package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fighter4/ChartSight/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contractReasons(t *testing.T, err error) []string {
	t.Helper()
	var ce *ContractError
	require.True(t, errors.As(err, &ce), "expected ContractError, got %v", err)
	return ce.Reasons
}

func anyContains(reasons []string, sub string) bool {
	for _, r := range reasons {
		if strings.Contains(r, sub) {
			return true
		}
	}
	return false
}

func TestValidate_AcceptsConformingOutput(t *testing.T) {
	raw := json.RawMessage(`{"patterns":[{"name":"Bull Flag","probability":72,"status":"Active","type":"Continuation"}]}`)

	got, err := Validate[models.PatternReport](raw)
	require.NoError(t, err)
	require.Len(t, got.Patterns, 1)
	assert.Equal(t, models.PatternActive, got.Patterns[0].Status)
	assert.Equal(t, 72, got.Patterns[0].Probability)
}

func TestValidate_ToleratesUnknownFields(t *testing.T) {
	_, err := Validate[note](json.RawMessage(`{"text":"ok","extra":42}`))
	assert.NoError(t, err)
}

func TestValidate_RejectsOutOfEnumStatus(t *testing.T) {
	raw := json.RawMessage(`{"patterns":[{"name":"Wedge","probability":40,"status":"Maybe"}]}`)

	_, err := Validate[models.PatternReport](raw)
	reasons := contractReasons(t, err)
	assert.True(t, anyContains(reasons, "status=Maybe"), "reasons: %v", reasons)
}

func TestValidate_RejectsOutOfRangeNumbers(t *testing.T) {
	tests := []struct {
		name string
		run  func() error
		want string
	}{
		{
			name: "probability above 100",
			run: func() error {
				_, err := Validate[models.PatternReport](json.RawMessage(
					`{"patterns":[{"name":"Wedge","probability":150,"status":"Forming"}]}`))
				return err
			},
			want: "probability=150 is above 100",
		},
		{
			name: "persona confidence above 10",
			run: func() error {
				_, err := Validate[models.PersonaProposal](json.RawMessage(
					`{"persona":"bull","bias":"long","viable":true,"thesis":"t","key_points":["a"],"justification":"j","confidence":11}`))
				return err
			},
			want: "confidence=11 is above 10",
		},
		{
			name: "reading confidence below 1",
			run: func() error {
				_, err := Validate[models.TimeframeReading](json.RawMessage(
					`{"timeframe":"1h","trend":"Uptrend","structure":"HH/HL","key_levels":[1.1],"setup":"long","confidence":0}`))
				return err
			},
			want: "confidence=0 is below 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasons := contractReasons(t, tt.run())
			assert.True(t, anyContains(reasons, tt.want), "reasons: %v", reasons)
		})
	}
}

func TestValidate_RejectsWholeOutputOnSingleViolation(t *testing.T) {
	raw := json.RawMessage(`{"patterns":[
		{"name":"Flag","probability":60,"status":"Active"},
		{"name":"","probability":60,"status":"Active"}
	]}`)

	got, err := Validate[models.PatternReport](raw)
	require.Error(t, err)
	assert.Nil(t, got.Patterns)
}

func TestValidate_RejectsTypeMismatch(t *testing.T) {
	_, err := Validate[models.PatternReport](json.RawMessage(
		`{"patterns":[{"name":"Flag","probability":"high","status":"Active"}]}`))
	reasons := contractReasons(t, err)
	assert.True(t, anyContains(reasons, "probability"), "reasons: %v", reasons)
}

func TestValidate_RejectsMissingRequired(t *testing.T) {
	_, err := Validate[models.PatternReport](json.RawMessage(`{}`))
	reasons := contractReasons(t, err)
	assert.Contains(t, reasons, "patterns is required")
}

func TestValidate_RejectsMalformedInput(t *testing.T) {
	tests := map[string]struct {
		raw  string
		want string
	}{
		"empty":    {raw: "  ", want: "empty output"},
		"trailing": {raw: `{"text":"a"} {"text":"b"}`, want: "trailing data"},
		"broken":   {raw: `{"text":`, want: "malformed JSON"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Validate[note](json.RawMessage(tt.raw))
			reasons := contractReasons(t, err)
			assert.True(t, anyContains(reasons, tt.want), "reasons: %v", reasons)
		})
	}
}

func TestShape_DecodeReturnsTypedValue(t *testing.T) {
	v, err := noteShape.Decode(json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, note{Text: "hello"}, v)
	assert.Equal(t, "note", noteShape.Name())
}

func TestShape_SkeletonListsEveryField(t *testing.T) {
	s := NewShape[models.TimeframeSynthesis]("timeframe_synthesis")

	var sk map[string]any
	require.NoError(t, json.Unmarshal(s.Skeleton(), &sk))
	for _, key := range []string{"trend", "structure", "key_levels", "patterns", "RRR", "bias"} {
		assert.Contains(t, sk, key)
	}

	patterns, ok := sk["patterns"].([]any)
	require.True(t, ok)
	require.Len(t, patterns, 1)
	assert.Contains(t, patterns[0], "status")
}
