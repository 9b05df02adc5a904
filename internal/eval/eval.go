// Package eval implements the expression evaluator (spec component C): it walks
// an AST produced by package expr against a pre-loaded Context and produces a
// tagged Value, never issuing I/O of its own.
package eval

import (
	"time"

	"github.com/jnarwell/trellis/internal/expr"
	"github.com/jnarwell/trellis/internal/fn"
	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/value"
)

const defaultMaxDepth = 50

// Context carries everything the evaluator needs without touching storage:
// the current entity, every entity it might reach, and the relationship
// adjacency required to walk PropertyReference chains.
type Context struct {
	TenantID       string
	CurrentEntity  *model.Entity
	EntityCache    map[string]*model.Entity
	// RelationshipCache maps entity id -> relationship name -> ordered target entity ids.
	RelationshipCache map[string]map[string][]string

	stack            map[string]bool
	depth            int
	maxDepth         int
	accessedEntities map[string]bool
}

// NewContext constructs an evaluation context for currentEntity.
func NewContext(tenantID string, currentEntity *model.Entity, entityCache map[string]*model.Entity, relCache map[string]map[string][]string) *Context {
	return &Context{
		TenantID:          tenantID,
		CurrentEntity:     currentEntity,
		EntityCache:       entityCache,
		RelationshipCache: relCache,
		stack:             make(map[string]bool),
		maxDepth:          defaultMaxDepth,
		accessedEntities:  make(map[string]bool),
	}
}

// Result is the outer envelope the computation service and HTTP layer consume.
type Result struct {
	Success          bool
	Value            value.Value
	Err              error
	AccessedEntities []string
	DurationMS       float64
}

// Eval evaluates n against ctx and returns a full Result, never panicking: any
// evaluation error is captured in Result.Err rather than propagated, matching
// the documented { success, value?, error?, accessed_entities[], duration_ms }
// contract.
func Eval(ctx *Context, n expr.Node) Result {
	start := time.Now()
	v, err := evalNode(ctx, n)
	accessed := make([]string, 0, len(ctx.accessedEntities))
	for id := range ctx.accessedEntities {
		accessed = append(accessed, id)
	}
	return Result{
		Success:          err == nil,
		Value:            v,
		Err:              err,
		AccessedEntities: accessed,
		DurationMS:       float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func typeErr(msg string) error {
	return kernelerr.New(kernelerr.TypeMismatch, msg)
}

func evalNode(ctx *Context, n expr.Node) (value.Value, error) {
	switch v := n.(type) {
	case *expr.Literal:
		return v.Value, nil
	case *expr.Identifier:
		return resolvePropertyOnEntity(ctx, ctx.CurrentEntity, v.Name)
	case *expr.PropertyReference:
		return evalPropertyReference(ctx, v)
	case *expr.UnaryExpression:
		return evalUnary(ctx, v)
	case *expr.BinaryExpression:
		return evalBinary(ctx, v)
	case *expr.CallExpression:
		return evalCall(ctx, v)
	default:
		return value.Null, kernelerr.New(kernelerr.Internal, "unrecognized expression node")
	}
}

func evalUnary(ctx *Context, u *expr.UnaryExpression) (value.Value, error) {
	arg, err := evalNode(ctx, u.Arg)
	if err != nil {
		return value.Null, err
	}
	if arg.IsNull() {
		return value.Null, nil
	}
	switch u.Op {
	case "!":
		b, ok := arg.AsBoolean()
		if !ok {
			return value.Null, typeErr("'!' requires a boolean operand")
		}
		return value.Boolean(!b), nil
	case "-":
		n, ok := arg.AsNumber()
		if !ok {
			return value.Null, typeErr("unary '-' requires a numeric operand")
		}
		return value.Number(-n), nil
	default:
		return value.Null, kernelerr.New(kernelerr.Internal, "unknown unary operator")
	}
}

func evalBinary(ctx *Context, b *expr.BinaryExpression) (value.Value, error) {
	switch b.Op {
	case "&&":
		left, err := evalNode(ctx, b.Left)
		if err != nil {
			return value.Null, err
		}
		if left.IsNull() {
			return value.Null, nil
		}
		lb, ok := left.AsBoolean()
		if !ok {
			return value.Null, typeErr("'&&' requires boolean operands")
		}
		if !lb {
			return value.Boolean(false), nil
		}
		right, err := evalNode(ctx, b.Right)
		if err != nil {
			return value.Null, err
		}
		if right.IsNull() {
			return value.Null, nil
		}
		rb, ok := right.AsBoolean()
		if !ok {
			return value.Null, typeErr("'&&' requires boolean operands")
		}
		return value.Boolean(rb), nil
	case "||":
		left, err := evalNode(ctx, b.Left)
		if err != nil {
			return value.Null, err
		}
		if left.IsNull() {
			return value.Null, nil
		}
		lb, ok := left.AsBoolean()
		if !ok {
			return value.Null, typeErr("'||' requires boolean operands")
		}
		if lb {
			return value.Boolean(true), nil
		}
		right, err := evalNode(ctx, b.Right)
		if err != nil {
			return value.Null, err
		}
		if right.IsNull() {
			return value.Null, nil
		}
		rb, ok := right.AsBoolean()
		if !ok {
			return value.Null, typeErr("'||' requires boolean operands")
		}
		return value.Boolean(rb), nil
	case "==", "!=":
		left, err := evalNode(ctx, b.Left)
		if err != nil {
			return value.Null, err
		}
		right, err := evalNode(ctx, b.Right)
		if err != nil {
			return value.Null, err
		}
		eq := value.Equals(left, right)
		if b.Op == "!=" {
			eq = !eq
		}
		return value.Boolean(eq), nil
	case "<", ">", "<=", ">=":
		left, err := evalNode(ctx, b.Left)
		if err != nil {
			return value.Null, err
		}
		right, err := evalNode(ctx, b.Right)
		if err != nil {
			return value.Null, err
		}
		if left.IsNull() || right.IsNull() {
			return value.Null, nil
		}
		ln, ok := left.AsNumber()
		if !ok {
			return value.Null, typeErr("comparison requires numeric operands")
		}
		rn, ok := right.AsNumber()
		if !ok {
			return value.Null, typeErr("comparison requires numeric operands")
		}
		var r bool
		switch b.Op {
		case "<":
			r = ln < rn
		case ">":
			r = ln > rn
		case "<=":
			r = ln <= rn
		case ">=":
			r = ln >= rn
		}
		return value.Boolean(r), nil
	case "+", "-", "*", "/", "%":
		left, err := evalNode(ctx, b.Left)
		if err != nil {
			return value.Null, err
		}
		right, err := evalNode(ctx, b.Right)
		if err != nil {
			return value.Null, err
		}
		if left.IsNull() || right.IsNull() {
			return value.Null, nil
		}
		ln, ok := left.AsNumber()
		if !ok {
			return value.Null, typeErr("arithmetic requires numeric operands")
		}
		rn, ok := right.AsNumber()
		if !ok {
			return value.Null, typeErr("arithmetic requires numeric operands")
		}
		switch b.Op {
		case "+":
			return value.Number(ln + rn), nil
		case "-":
			return value.Number(ln - rn), nil
		case "*":
			return value.Number(ln * rn), nil
		case "/":
			if rn == 0 {
				return value.Null, kernelerr.New(kernelerr.DivisionByZero, "division by zero")
			}
			return value.Number(ln / rn), nil
		case "%":
			if rn == 0 {
				return value.Null, kernelerr.New(kernelerr.DivisionByZero, "modulo by zero")
			}
			return value.Number(float64(int64(ln) % int64(rn))), nil
		}
	}
	return value.Null, kernelerr.New(kernelerr.Internal, "unknown binary operator")
}

func evalCall(ctx *Context, c *expr.CallExpression) (value.Value, error) {
	name := c.Callee
	if fn.Lazy[upperName(name)] {
		return evalIf(ctx, c)
	}
	f, ok := fn.Lookup(name)
	if !ok {
		return value.Null, kernelerr.New(kernelerr.UnknownFunction, "unknown function: "+name)
	}
	args := make([]value.Value, len(c.Args))
	for i, a := range c.Args {
		v, err := evalNode(ctx, a)
		if err != nil {
			return value.Null, err
		}
		args[i] = v
	}
	return f(args)
}

func upperName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func evalIf(ctx *Context, c *expr.CallExpression) (value.Value, error) {
	if len(c.Args) != 3 {
		return value.Null, typeErr("IF takes exactly 3 arguments")
	}
	cond, err := evalNode(ctx, c.Args[0])
	if err != nil {
		return value.Null, err
	}
	if cond.IsNull() {
		return value.Null, nil
	}
	b, ok := cond.AsBoolean()
	if !ok {
		return value.Null, typeErr("IF condition must be boolean")
	}
	if b {
		return evalNode(ctx, c.Args[1])
	}
	return evalNode(ctx, c.Args[2])
}
