package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TimeTool and Calculator are minimal stand-ins for the business-logic
// tools the original source wires up (calculator, time, directory
// lookup). Their own implementation is out of scope; they exist here only
// so the reasoning loop's multi-round dispatch and round-cap behavior has
// something real to dispatch to in tests.

type TimeTool struct {
	Now func() time.Time
}

func NewTimeTool() *TimeTool { return &TimeTool{Now: time.Now} }

func (t *TimeTool) Name() string        { return "time_tool" }
func (t *TimeTool) Description() string { return "Returns the current time." }
func (t *TimeTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *TimeTool) Invoke(ctx context.Context, argsJSON string) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return now().Format("15:04:05"), nil
}

type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

func (c *Calculator) Name() string        { return "calculator" }
func (c *Calculator) Description() string { return "Evaluates a simple arithmetic expression: sqrt, add, sub, mul, div." }

func (c *Calculator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"sqrt", "add", "sub", "mul", "div"}},
			"a":         map[string]any{"type": "number"},
			"b":         map[string]any{"type": "number"},
			"precision": map[string]any{"type": "integer"},
		},
		"required": []string{"operation", "a"},
	}
}

type calcArgs struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
	Precision *int    `json:"precision"`
}

func (c *Calculator) Invoke(ctx context.Context, argsJSON string) (string, error) {
	var args calcArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", err
	}
	var result float64
	switch args.Operation {
	case "sqrt":
		if args.A < 0 {
			return "", fmt.Errorf("cannot take sqrt of a negative number")
		}
		result = math.Sqrt(args.A)
	case "add":
		result = args.A + args.B
	case "sub":
		result = args.A - args.B
	case "mul":
		result = args.A * args.B
	case "div":
		if args.B == 0 {
			return "", fmt.Errorf("division by zero")
		}
		result = args.A / args.B
	default:
		return "", fmt.Errorf("unknown operation %q", args.Operation)
	}
	precision := 3
	if args.Precision != nil && *args.Precision >= 0 {
		precision = *args.Precision
	}
	return fmt.Sprintf("%.*f", precision, result), nil
}
