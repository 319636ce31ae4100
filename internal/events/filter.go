package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// celFilter wraps a compiled CEL program shared by every evaluation of one
// subscription. When disabled, Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("queue", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("job_id", cel.StringType),
		cel.Variable("dispatch_id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("retries", cel.IntType),
		cel.Variable("error", cel.StringType),
		// Parsed result payload for field filtering
		cel.Variable("json", cel.DynType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against one event. Evaluation errors and
// non-boolean results filter the event out.
func (f celFilter) Eval(ev Event) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &jsonObj)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"queue":       ev.Queue,
		"kind":        ev.Kind,
		"job_id":      ev.JobID,
		"dispatch_id": ev.DispatchID,
		"status":      string(ev.Status),
		"retries":     int64(ev.Retries),
		"error":       ev.Error,
		"json":        jsonObj,
		"now_ms":      time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
