package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "ruleengine/pkg/errors"
	"ruleengine/pkg/jsoncodec"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/models"
	"ruleengine/pkg/script"
)

const (
	defaultCostLimit        = 1_000_000
	interruptCheckFrequency = 100
)

var (
	jsonValueType  = reflect.TypeOf(&structpb.Value{})
	stringListType = reflect.TypeOf([]string{})
)

type Option func(*Evaluator)

// WithCostLimit bounds the runtime cost of a single evaluation.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) {
		e.costLimit = limit
	}
}

// Evaluator compiles and runs CEL scripts against envelopes. Compiled programs
// are cached by kind and source, so a script shared by several nodes is compiled once.
type Evaluator struct {
	env       *cel.Env
	costLimit uint64
	programs  sync.Map
}

type compiled struct {
	program cel.Program
}

var _ script.Executor = (*Evaluator)(nil)

func NewEvaluator(opts ...Option) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("msgType", cel.StringType),
		cel.Variable("originator", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("ts", cel.TimestampType),
		cel.Variable("msg", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("raw", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{env: env, costLimit: defaultCostLimit}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Validate compiles s and checks that its static output type fits its kind.
func (e *Evaluator) Validate(s script.Script) error {
	_, err := e.compile(s)
	return err
}

func (e *Evaluator) compile(s script.Script) (*compiled, error) {
	cacheKey := string(s.Kind) + "\x00" + s.Source
	if cached, ok := e.programs.Load(cacheKey); ok {
		return cached.(*compiled), nil
	}

	ast, issues := e.env.Compile(s.Source)
	if issues != nil && issues.Err() != nil {
		return nil, apperrors.ErrScript.WithCause(issues.Err()).WithDetail("script_id", s.ID)
	}

	if err := checkOutputType(s.Kind, ast.OutputType()); err != nil {
		return nil, apperrors.ErrScript.WithCause(err).WithDetail("script_id", s.ID)
	}

	program, err := e.env.Program(ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(interruptCheckFrequency),
	)
	if err != nil {
		return nil, apperrors.ErrScript.WithCause(fmt.Errorf("failed to create CEL program: %w", err))
	}

	c := &compiled{program: program}
	actual, _ := e.programs.LoadOrStore(cacheKey, c)
	return actual.(*compiled), nil
}

func checkOutputType(kind script.Kind, out *cel.Type) error {
	if out.Kind() == types.DynKind {
		return nil
	}
	var allowed []types.Kind
	switch kind {
	case script.KindFilter:
		allowed = []types.Kind{types.BoolKind}
	case script.KindSwitch:
		allowed = []types.Kind{types.ListKind, types.StringKind}
	case script.KindTransform:
		allowed = []types.Kind{types.MapKind}
	case script.KindString:
		return nil
	default:
		return fmt.Errorf("unknown script kind %q", kind)
	}
	for _, k := range allowed {
		if out.Kind() == k {
			return nil
		}
	}
	return fmt.Errorf("%s script returns unsupported type %v", kind, out)
}

// Execute evaluates s against env. The context deadline interrupts long running
// comprehensions and is reported as TIMEOUT.
func (e *Evaluator) Execute(ctx context.Context, s script.Script, env models.Envelope) (script.Result, error) {
	start := time.Now()
	result, err := e.execute(ctx, s, env)

	status := "success"
	if err != nil {
		status = apperrors.CodeOf(err)
	}
	metrics.ObserveScript(string(s.Kind), status, time.Since(start))

	return result, err
}

func (e *Evaluator) execute(ctx context.Context, s script.Script, env models.Envelope) (script.Result, error) {
	c, err := e.compile(s)
	if err != nil {
		return script.Result{}, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return script.Result{}, apperrors.ErrTimeout.WithCause(ctxErr).WithDetail("script_id", s.ID)
	}

	out, _, err := c.program.ContextEval(ctx, activation(env))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return script.Result{}, apperrors.ErrTimeout.WithCause(ctxErr).WithDetail("script_id", s.ID)
		}
		return script.Result{}, apperrors.ErrScript.WithCause(err).WithDetail("script_id", s.ID)
	}

	switch s.Kind {
	case script.KindFilter:
		match, ok := out.Value().(bool)
		if !ok {
			return script.Result{}, scriptTypeError(s, "bool", out)
		}
		return script.Result{Match: match}, nil

	case script.KindSwitch:
		native, err := out.ConvertToNative(stringListType)
		if err != nil {
			if str, ok := out.Value().(string); ok {
				return script.Result{Relations: []string{str}}, nil
			}
			return script.Result{}, scriptTypeError(s, "list(string)", out)
		}
		return script.Result{Relations: native.([]string)}, nil

	case script.KindTransform:
		transformed, err := applyTransform(env, out)
		if err != nil {
			return script.Result{}, apperrors.ErrScript.WithCause(err).WithDetail("script_id", s.ID)
		}
		return script.Result{Envelope: transformed}, nil

	case script.KindString:
		if str, ok := out.Value().(string); ok {
			return script.Result{Text: str}, nil
		}
		raw, err := toJSON(out)
		if err != nil {
			return script.Result{Text: fmt.Sprint(out.Value())}, nil
		}
		return script.Result{Text: string(raw)}, nil
	}

	return script.Result{}, apperrors.ErrScript.WithMessage(fmt.Sprintf("unknown script kind %q", s.Kind))
}

func scriptTypeError(s script.Script, want string, out ref.Val) error {
	return apperrors.ErrScript.
		WithMessage(fmt.Sprintf("%s script did not return %s, got %s", s.Kind, want, out.Type().TypeName())).
		WithDetail("script_id", s.ID)
}

func activation(env models.Envelope) map[string]interface{} {
	msg, err := env.Data()
	if err != nil || msg == nil {
		msg = map[string]interface{}{}
	}

	originator := env.Originator()
	return map[string]interface{}{
		"id":      env.ID(),
		"msgType": env.Type(),
		"originator": map[string]string{
			"type": string(originator.Type),
			"id":   originator.ID.String(),
		},
		"ts":       env.CreatedAt(),
		"msg":      msg,
		"raw":      env.PayloadString(),
		"metadata": env.Metadata().ToMap(),
	}
}

type transformOutput struct {
	Msg      json.RawMessage        `json:"msg"`
	Metadata map[string]interface{} `json:"metadata"`
	MsgType  *string                `json:"msgType"`
}

// applyTransform builds the output envelope from a transform result. Keys the
// script omits are carried over from the input unchanged.
func applyTransform(env models.Envelope, out ref.Val) (models.Envelope, error) {
	raw, err := toJSON(out)
	if err != nil {
		return models.Envelope{}, err
	}

	var result transformOutput
	if err := jsoncodec.Unmarshal(raw, &result); err != nil {
		return models.Envelope{}, fmt.Errorf("transform result must be a map: %w", err)
	}

	transformed := env
	if len(result.Msg) > 0 && string(result.Msg) != "null" {
		transformed = transformed.WithPayload(result.Msg)
	}
	if result.Metadata != nil {
		transformed = transformed.WithMetadata(orderedMetadata(env.Metadata(), result.Metadata))
	}
	if result.MsgType != nil {
		if *result.MsgType == "" {
			return models.Envelope{}, fmt.Errorf("transform result msgType must not be empty")
		}
		transformed = transformed.WithType(*result.MsgType)
	}
	return transformed, nil
}

// orderedMetadata keeps the input order for keys that survive and appends new keys sorted.
func orderedMetadata(previous models.Metadata, next map[string]interface{}) models.Metadata {
	entries := make([]models.MetadataEntry, 0, len(next))
	seen := make(map[string]struct{}, len(next))
	for _, key := range previous.Keys() {
		if value, ok := next[key]; ok {
			entries = append(entries, models.MetadataEntry{Key: key, Value: metadataString(value)})
			seen[key] = struct{}{}
		}
	}

	added := make([]string, 0, len(next))
	for key := range next {
		if _, ok := seen[key]; !ok {
			added = append(added, key)
		}
	}
	sort.Strings(added)
	for _, key := range added {
		entries = append(entries, models.MetadataEntry{Key: key, Value: metadataString(next[key])})
	}
	return models.MetadataFromEntries(entries)
}

func metadataString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprint(v)
	default:
		raw, err := jsoncodec.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

func toJSON(val ref.Val) ([]byte, error) {
	native, err := val.ConvertToNative(jsonValueType)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON compatible: %w", err)
	}
	msg, ok := native.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected JSON conversion result %T", native)
	}
	return protojson.Marshal(msg)
}
