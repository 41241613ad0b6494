package typology

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/heuristics"
)

// GateCompiler compiles typology gate expressions.
//
// A gate is a CEL boolean expression evaluated once per candidate, with:
//
//	count         int             operations (or links) behind the candidate
//	amount        double          candidate amount
//	party_id      string          implicated party, empty for graph-level findings
//	transactions  list(string)    implicated transaction ids
//	evidence      map(string,dyn) detector evidence
//
// For example: `amount > 50000.0 && count >= 8`.
type GateCompiler struct {
	env *cel.Env
}

// NewGateCompiler creates the CEL environment for gates.
func NewGateCompiler() (*GateCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("count", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("party_id", cel.StringType),
		cel.Variable("transactions", cel.ListType(cel.StringType)),
		cel.Variable("evidence", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &GateCompiler{env: env}, nil
}

// Gate is a compiled gate expression. A nil Gate admits every candidate.
type Gate struct {
	Expression string
	program    cel.Program
}

// Compile parses and type-checks expr. An empty expression yields a nil gate.
func (c *GateCompiler) Compile(expr string) (*Gate, error) {
	if expr == "" {
		return nil, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile gate: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("gate must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate program: %w", err)
	}
	return &Gate{Expression: expr, program: program}, nil
}

// Allow evaluates the gate against a candidate.
func (g *Gate) Allow(c heuristics.Candidate) (bool, error) {
	if g == nil {
		return true, nil
	}

	ids := c.TransactionIDs
	if ids == nil {
		ids = []string{}
	}
	activation := map[string]any{
		"count":        int64(c.Count),
		"amount":       c.Amount.InexactFloat64(),
		"party_id":     c.PartyID,
		"transactions": ids,
		"evidence":     celMap(c.Evidence),
	}

	out, _, err := g.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("gate evaluation: %w", err)
	}
	allowed, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("gate returned %s", out.Type())
	}
	return bool(allowed), nil
}

// celMap converts evidence into values the CEL type adapter understands.
func celMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.InexactFloat64()
	case int:
		return int64(x)
	case map[string]any:
		return celMap(x)
	case []string:
		return x
	default:
		return v
	}
}
