package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// ErrUnknownTool is returned when a tool name is not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolTimeout marks a tool failure caused by its time bound.
var ErrToolTimeout = errors.New("tool call timed out")

// ToolStatus is the outcome class of a tool call.
type ToolStatus string

const (
	StatusOK      ToolStatus = "ok"
	StatusError   ToolStatus = "error"
	StatusTimeout ToolStatus = "timeout"
)

// ToolCallRequest is a model-proposed invocation of a registered tool.
type ToolCallRequest struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the single outcome of a ToolCallRequest. Transport is set
// when the remote boundary stayed unreachable after retries.
type ToolCallResult struct {
	CallID      string        `json:"call_id"`
	Status      ToolStatus    `json:"status"`
	Payload     string        `json:"payload,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	WallTime    time.Duration `json:"wall_time"`
	Transport   bool          `json:"transport,omitempty"`
}

// Content is the text reported back to the model.
func (r ToolCallResult) Content() string {
	switch r.Status {
	case StatusOK:
		return r.Payload
	case StatusTimeout:
		if r.Payload != "" {
			return "Error: " + r.ErrorDetail + "\n" + r.Payload
		}
	}
	return "Error: " + r.ErrorDetail
}

func errorResult(callID, format string, args ...interface{}) ToolCallResult {
	return ToolCallResult{CallID: callID, Status: StatusError, ErrorDetail: fmt.Sprintf(format, args...)}
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Tool is one capability the model can invoke.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	// Validate checks arguments against the tool's schema without side effects.
	Validate(args json.RawMessage) error
	Execute(ctx context.Context, args json.RawMessage, env ExecutionEnvironment) (string, error)
	// RequiresConfirmation reports whether the call mutates the workspace or
	// runs commands and so passes through the approval gate.
	RequiresConfirmation() bool
}

// ToolRegistry is an immutable name-to-tool mapping built at startup.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

// NewToolRegistry builds a registry from tools. Duplicate names are an error.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Filter returns a registry restricted to the allowed names, keeping
// registration order. An empty list allows every tool.
func (r *ToolRegistry) Filter(allowed []string) (*ToolRegistry, error) {
	if len(allowed) == 0 {
		return r, nil
	}
	keep := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if _, ok := r.tools[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		keep[name] = true
	}
	var tools []Tool
	for _, name := range r.order {
		if keep[name] {
			tools = append(tools, r.tools[name])
		}
	}
	return NewToolRegistry(tools...)
}

var argValidator = newArgValidator()

func newArgValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// typedTool adapts a function over a decoded argument struct A to Tool. The
// JSON schema advertised to the model is reflected from A, and validate tags
// on A are enforced before execution.
type typedTool[A any] struct {
	name        string
	description string
	confirm     bool
	parameters  map[string]interface{}
	run         func(ctx context.Context, args A, env ExecutionEnvironment) (string, error)
}

func newTypedTool[A any](name, description string, confirm bool, run func(context.Context, A, ExecutionEnvironment) (string, error)) *typedTool[A] {
	return &typedTool[A]{
		name:        name,
		description: description,
		confirm:     confirm,
		parameters:  reflectParameters(new(A)),
		run:         run,
	}
}

func reflectParameters(v interface{}) map[string]interface{} {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		panic(fmt.Sprintf("decode tool schema: %v", err))
	}
	delete(params, "$schema")
	delete(params, "$id")
	return params
}

func (t *typedTool[A]) Name() string               { return t.name }
func (t *typedTool[A]) RequiresConfirmation() bool { return t.confirm }

func (t *typedTool[A]) Definition() ToolDefinition {
	return ToolDefinition{Name: t.name, Description: t.description, Parameters: t.parameters}
}

func (t *typedTool[A]) decode(raw json.RawMessage) (A, error) {
	var args A
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}
	if err := argValidator.Struct(args); err != nil {
		return args, fmt.Errorf("invalid arguments for %s: %s", t.name, describeValidation(err))
	}
	return args, nil
}

func (t *typedTool[A]) Validate(raw json.RawMessage) error {
	_, err := t.decode(raw)
	return err
}

func (t *typedTool[A]) Execute(ctx context.Context, raw json.RawMessage, env ExecutionEnvironment) (string, error) {
	args, err := t.decode(raw)
	if err != nil {
		return "", err
	}
	return t.run(ctx, args, env)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
