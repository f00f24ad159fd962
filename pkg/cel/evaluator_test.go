package cel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

func newEnvelope(t *testing.T, data map[string]interface{}) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelopeBuilder().
		WithType("POST_TELEMETRY_REQUEST").
		WithTenantID(uuid.New()).
		WithOriginator(models.NewEntityID(models.EntityTypeDevice, uuid.New())).
		WithMetadata(models.NewMetadata("deviceName", "sensor-1", "deviceType", "thermometer")).
		WithData(data).
		Build()
	require.NoError(t, err)
	return env
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidate(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		script    script.Script
		wantError bool
	}{
		{
			name:   "filter on payload field",
			script: script.Script{Kind: script.KindFilter, Source: `msg.temperature > 25`},
		},
		{
			name:   "filter on metadata",
			script: script.Script{Kind: script.KindFilter, Source: `metadata.deviceType == "thermometer"`},
		},
		{
			name:      "filter returning string",
			script:    script.Script{Kind: script.KindFilter, Source: `"yes"`},
			wantError: true,
		},
		{
			name:   "switch returning list",
			script: script.Script{Kind: script.KindSwitch, Source: `msg.temperature > 25 ? ["Hot"] : ["Cold"]`},
		},
		{
			name:      "transform returning bool",
			script:    script.Script{Kind: script.KindTransform, Source: `true`},
			wantError: true,
		},
		{
			name:      "syntax error",
			script:    script.Script{Kind: script.KindFilter, Source: `invalid syntax here!!!`},
			wantError: true,
		},
		{
			name:      "undefined variable",
			script:    script.Script{Kind: script.KindFilter, Source: `undefinedVar == "test"`},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.Validate(tt.script)
			if tt.wantError {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrScript)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecute_Filter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	filter := script.Script{ID: "hot", Kind: script.KindFilter, Source: `msg.temperature > 25`}

	tests := []struct {
		name        string
		temperature interface{}
		want        bool
	}{
		{name: "above threshold", temperature: 30, want: true},
		{name: "below threshold", temperature: 10, want: false},
		{name: "fractional", temperature: 25.5, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnvelope(t, map[string]interface{}{"temperature": tt.temperature})
			result, err := eval.Execute(context.Background(), filter, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Match)
		})
	}
}

func TestExecute_FilterMissingField(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	env := newEnvelope(t, map[string]interface{}{"humidity": 40})
	_, err = eval.Execute(context.Background(), script.Script{Kind: script.KindFilter, Source: `msg.temperature > 25`}, env)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrScript)
	assert.False(t, apperrors.IsTransient(err))
}

func TestExecute_Switch(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	env := newEnvelope(t, map[string]interface{}{"temperature": 30})
	result, err := eval.Execute(context.Background(), script.Script{
		Kind:   script.KindSwitch,
		Source: `msg.temperature > 25 ? ["Hot", "Alarm"] : ["Cold"]`,
	}, env)

	require.NoError(t, err)
	assert.Equal(t, []string{"Hot", "Alarm"}, result.Relations)
}

func TestExecute_Transform(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	env := newEnvelope(t, map[string]interface{}{"temperature": 30})
	result, err := eval.Execute(context.Background(), script.Script{
		Kind: script.KindTransform,
		Source: `{
			"msg": {"temperatureF": msg.temperature * 9.0 / 5.0 + 32.0},
			"metadata": {"deviceName": metadata.deviceName, "unit": "F"},
			"msgType": "CONVERTED"
		}`,
	}, env)
	require.NoError(t, err)

	out := result.Envelope
	assert.Equal(t, env.ID(), out.ID())
	assert.Equal(t, "CONVERTED", out.Type())
	assert.Equal(t, []string{"deviceName", "unit"}, out.Metadata().Keys())
	assert.Equal(t, "F", out.Metadata().Value("unit"))

	data, err := out.Data()
	require.NoError(t, err)
	assert.InDelta(t, 86.0, data["temperatureF"], 0.001)

	original, err := env.Data()
	require.NoError(t, err)
	assert.Equal(t, float64(30), original["temperature"])
}

func TestExecute_TransformKeepsOmittedParts(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	env := newEnvelope(t, map[string]interface{}{"temperature": 30})
	result, err := eval.Execute(context.Background(), script.Script{
		Kind:   script.KindTransform,
		Source: `{"msgType": "RENAMED"}`,
	}, env)
	require.NoError(t, err)

	assert.Equal(t, "RENAMED", result.Envelope.Type())
	assert.Equal(t, env.PayloadString(), result.Envelope.PayloadString())
	assert.Equal(t, env.Metadata().Keys(), result.Envelope.Metadata().Keys())
}

func TestExecute_String(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	env := newEnvelope(t, map[string]interface{}{"temperature": 30})
	result, err := eval.Execute(context.Background(), script.Script{
		Kind:   script.KindString,
		Source: `"device " + metadata.deviceName + " sent " + msgType`,
	}, env)

	require.NoError(t, err)
	assert.Equal(t, "device sensor-1 sent POST_TELEMETRY_REQUEST", result.Text)
}

func TestExecute_ContextExpired(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	env := newEnvelope(t, map[string]interface{}{"temperature": 30})
	_, err = eval.Execute(ctx, script.Script{
		Kind:   script.KindFilter,
		Source: `[1, 2, 3, 4, 5, 6, 7, 8, 9, 10].all(x, [1, 2, 3, 4, 5, 6, 7, 8, 9, 10].all(y, [1, 2, 3, 4, 5, 6, 7, 8, 9, 10].all(z, x + y + z > 0)))`,
	}, env)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.True(t, apperrors.IsTransient(err))
}

func TestCompileCache(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	s := script.Script{Kind: script.KindFilter, Source: `msgType == "POST_TELEMETRY_REQUEST"`}
	first, err := eval.compile(s)
	require.NoError(t, err)
	second, err := eval.compile(s)
	require.NoError(t, err)

	assert.Same(t, first, second)
}
