// Package filter provides an optional CEL-based predicate shared by the
// Transport's Subscribe and the State Store's Scan, layered on top of their
// plain eq/lt/gt comparisons rather than replacing them.
package filter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program. A zero-value Filter (or one built from
// an empty expression) is always-true.
type Filter struct {
	prog    cel.Program
	enabled bool
}

func env() (*cel.Env, error) {
	return cel.NewEnv(
		// envelope-shaped variables
		cel.Variable("subject", cel.StringType),
		cel.Variable("message_id", cel.StringType),
		cel.Variable("timestamp_ms", cel.IntType),
		cel.Variable("trace_id", cel.StringType),
		// state-record-shaped variables
		cel.Variable("key", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		// shared payload access
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
}

// New compiles expr into a Filter. An empty or whitespace-only expression
// yields an always-true Filter.
func New(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	e, err := env()
	if err != nil {
		return Filter{}, err
	}
	ast, iss := e.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := e.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := e.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Enabled reports whether the Filter carries a compiled expression.
func (f Filter) Enabled() bool { return f.enabled }

// EnvelopeVars describes an envelope for EvalEnvelope.
type EnvelopeVars struct {
	Subject     string
	MessageID   string
	TimestampMs int64
	TraceID     string
	Payload     []byte
}

// EvalEnvelope evaluates the filter against an envelope's fields. Always true
// when the Filter is disabled.
func (f Filter) EvalEnvelope(v EnvelopeVars) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(v.Payload, &jsonObj)
	return f.eval(map[string]any{
		"subject":      v.Subject,
		"message_id":   v.MessageID,
		"timestamp_ms": v.TimestampMs,
		"trace_id":     v.TraceID,
		"key":          "",
		"fields":       map[string]any{},
		"size":         int64(len(v.Payload)),
		"text":         string(v.Payload),
		"json":         jsonObj,
		"now_ms":       time.Now().UnixMilli(),
	})
}

// EvalRecord evaluates the filter against a State Store record's key and
// fields. Always true when the Filter is disabled.
func (f Filter) EvalRecord(key string, fields map[string]any) bool {
	if !f.enabled {
		return true
	}
	return f.eval(map[string]any{
		"subject":      "",
		"message_id":   "",
		"timestamp_ms": int64(0),
		"trace_id":     "",
		"key":          key,
		"fields":       fields,
		"size":         int64(0),
		"text":         "",
		"json":         nil,
		"now_ms":       time.Now().UnixMilli(),
	})
}

func (f Filter) eval(vars map[string]any) bool {
	out, _, err := f.prog.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
