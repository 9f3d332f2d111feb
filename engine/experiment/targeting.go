package experiment

import (
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/store"
)

// targeting is a compiled experiment audience expression. Expressions see
// two map variables, e.g.:
//
//	customer.age >= 50 && platform.source == "web"
type targeting struct {
	source string
	prg    cel.Program
}

// compileTargeting builds the evaluator for an audience expression. An
// empty expression targets everyone and compiles to nil.
func compileTargeting(expr string) (*targeting, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("customer", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("platform", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create targeting environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid targeting expression %q", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build targeting program")
	}
	return &targeting{source: expr, prg: prg}, nil
}

// matches evaluates the expression for a customer on a platform. Evaluation
// errors count as not targeted; they must never fail the caller's turn.
func (t *targeting) matches(customer store.CustomerData, platform store.PlatformConfig) bool {
	if t == nil {
		return true
	}
	out, _, err := t.prg.Eval(map[string]any{
		"customer": map[string]any{
			"id":        customer.ID,
			"name":      customer.Name,
			"email":     customer.Email,
			"age":       customer.Age,
			"interests": customer.Interests,
		},
		"platform": map[string]any{
			"source":          platform.Source,
			"mode":            platform.Mode,
			"enable_voice":    platform.EnableVoice,
			"enable_transfer": platform.EnableTransfer,
		},
	})
	if err != nil {
		slog.Debug("experiment: targeting evaluation failed", "expression", t.source, "error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
