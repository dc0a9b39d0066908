package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"

	"github.com/tiger/voice-orchestrator/internal/runtime/tools"
)

const maxExpressionLen = 256

var allowedExpression = regexp.MustCompile(`^[0-9+\-*/().\s]+$`)

// CalculateTool evaluates arithmetic over numbers, + - * / and parentheses.
func CalculateTool() tools.Definition {
	return tools.Definition{
		Name:        Calculate,
		Description: "Evaluate an arithmetic expression. Supports numbers, + - * / and parentheses.",
		Schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1, "maxLength": 256, "description": "for example (25*4)+3"}
  },
  "required": ["expression"],
  "additionalProperties": false
}`),
		Handler: calculate,
	}
}

func calculate(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	v, err := Evaluate(in.Expression)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"result": strconv.FormatFloat(v, 'f', -1, 64)})
}

// Evaluate computes an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	if len(expr) > maxExpressionLen {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLen)
	}
	if !allowedExpression.MatchString(expr) {
		return 0, errors.New("expression may only contain numbers, + - * / and parentheses")
	}
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

func eval(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return eval(n.X)
	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x, nil
		case token.SUB:
			return -x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, errors.New("division by zero")
			}
			return x / y, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", n.Op)
	default:
		return 0, fmt.Errorf("unsupported expression %T", node)
	}
}
