// Package condition compiles live channel conditions, written in a subset of RQL,
// into CEL programs evaluated against twin documents.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"
	"github.com/tidwall/gjson"

	"github.com/openfga/twinguard/pkg/signals"
)

var ErrEvaluationFailed = errors.New("failed to evaluate live channel condition")

var celBaseEnv *cel.Env

func init() {
	env, err := cel.NewEnv(cel.EagerlyValidateDeclarations(true))
	if err != nil {
		panic(fmt.Sprintf("failed to construct CEL base env: %v", err))
	}

	celBaseEnv = env
}

// Condition is a compiled live channel condition. It is immutable and safe for concurrent use.
type Condition struct {
	Expression string

	// CEL is the expression the condition was translated to.
	CEL string

	paths      []string
	celProgram cel.Program
}

// Compile validates expression and compiles it into a [Condition].
func Compile(expression string) (*Condition, error) {
	root, err := parse(expression)
	if err != nil {
		return nil, &CompilationError{Condition: expression, Cause: err}
	}

	vars := &variables{}
	source, err := root.cel(vars)
	if err != nil {
		return nil, &CompilationError{Condition: expression, Cause: err}
	}

	envOpts := make([]cel.EnvOption, 0, 2*len(vars.paths))
	paths := make([]string, len(vars.paths))
	for i, path := range vars.paths {
		paths[i] = signals.JSONPath(path)
		envOpts = append(envOpts,
			cel.Variable(valueVar(i), cel.DynType),
			cel.Variable(existsVar(i), cel.BoolType),
		)
	}

	env, err := celBaseEnv.Extend(envOpts...)
	if err != nil {
		return nil, &CompilationError{Condition: expression, Cause: err}
	}

	ast, issues := env.CompileSource(common.NewStringSource(source, expression))
	if issues != nil {
		if err := issues.Err(); err != nil {
			return nil, &CompilationError{Condition: expression, Cause: err}
		}
	}

	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, &CompilationError{
			Condition: expression,
			Cause:     fmt.Errorf("expected a bool condition expression output, but got '%s'", ast.OutputType()),
		}
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, &CompilationError{
			Condition: expression,
			Cause:     fmt.Errorf("condition expression construction: %w", err),
		}
	}

	return &Condition{
		Expression: expression,
		CEL:        source,
		paths:      paths,
		celProgram: prg,
	}, nil
}

// Evaluate reports whether the twin document satisfies the condition.
// Properties missing from the document never satisfy a comparison.
func (c *Condition) Evaluate(document json.RawMessage) (bool, error) {
	if !gjson.ValidBytes(document) {
		return false, &EvaluationError{Condition: c.Expression, Cause: fmt.Errorf("twin document is not valid JSON")}
	}

	activation := make(map[string]any, 2*len(c.paths))
	for i, path := range c.paths {
		res := gjson.GetBytes(document, path)
		activation[existsVar(i)] = res.Exists()
		activation[valueVar(i)] = res.Value()
	}

	out, _, err := c.celProgram.Eval(activation)
	if err != nil {
		return false, &EvaluationError{
			Condition: c.Expression,
			Cause:     fmt.Errorf("failed to evaluate condition expression: %v", err),
		}
	}

	conditionMetVal, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, &EvaluationError{
			Condition: c.Expression,
			Cause:     fmt.Errorf("failed to convert condition output to bool: %v", err),
		}
	}

	conditionMet, ok := conditionMetVal.(bool)
	if !ok {
		return false, &EvaluationError{
			Condition: c.Expression,
			Cause:     fmt.Errorf("expected CEL type conversion to return native Go bool"),
		}
	}

	return conditionMet, nil
}
