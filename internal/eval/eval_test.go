package eval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnarwell/trellis/internal/expr"
	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/model"
	"github.com/jnarwell/trellis/internal/value"
)

func entityWith(props map[string]model.Property) *model.Entity {
	return &model.Entity{ID: "e1", Type: "widget", Properties: props}
}

func evalSrc(t *testing.T, ctx *Context, src string) Result {
	t.Helper()
	node, err := expr.Parse(src)
	require.NoError(t, err)
	return Eval(ctx, node)
}

func TestEvalArithmeticAndPrecedence(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, "1 + 2 * 3")
	require.True(t, res.Success)
	n, ok := res.Value.AsNumber()
	require.True(t, ok)
	require.Equal(t, 7.0, n)
}

func TestEvalDivisionByZeroReturnsTypedError(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, "1 / 0")
	require.False(t, res.Success)
	var kerr *kernelerr.Error
	require.ErrorAs(t, res.Err, &kerr)
	require.Equal(t, kernelerr.DivisionByZero, kerr.Kind)
}

func TestEvalNullPropagatesThroughArithmetic(t *testing.T) {
	ctx := NewContext("acme", entityWith(map[string]model.Property{
		"price": {Kind: model.PropertyLiteral, Value: value.Null},
	}), nil, nil)
	res := evalSrc(t, ctx, "#price + 1")
	require.True(t, res.Success)
	require.True(t, res.Value.IsNull())
}

func TestEvalTypeMismatchOnArithmetic(t *testing.T) {
	ctx := NewContext("acme", entityWith(map[string]model.Property{
		"name": {Kind: model.PropertyLiteral, Value: value.Text("gadget")},
	}), nil, nil)
	res := evalSrc(t, ctx, "#name + 1")
	require.False(t, res.Success)
	var kerr *kernelerr.Error
	require.ErrorAs(t, res.Err, &kerr)
	require.Equal(t, kernelerr.TypeMismatch, kerr.Kind)
}

func TestEvalComparisonAndLogical(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, "(1 < 2) && (3 > 2)")
	require.True(t, res.Success)
	b, ok := res.Value.AsBoolean()
	require.True(t, ok)
	require.True(t, b)
}

func TestEvalShortCircuitAndSkipsRightSideOnFalse(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, "false && (1 / 0 == 0)")
	require.True(t, res.Success)
	b, ok := res.Value.AsBoolean()
	require.True(t, ok)
	require.False(t, b)
}

func TestEvalIfBranchesLazily(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, `IF(true, 1, 1/0)`)
	require.True(t, res.Success)
	n, _ := res.Value.AsNumber()
	require.Equal(t, 1.0, n)
}

func TestEvalUnknownFunctionReturnsError(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, "BOGUS(1)")
	require.False(t, res.Success)
	var kerr *kernelerr.Error
	require.ErrorAs(t, res.Err, &kerr)
	require.Equal(t, kernelerr.UnknownFunction, kerr.Kind)
}

func TestEvalInheritedPropertyPrefersOverride(t *testing.T) {
	ctx := NewContext("acme", entityWith(map[string]model.Property{
		"color": {
			Kind: model.PropertyInherited, HasOverride: true, Override: value.Text("red"),
			HasResolvedValue: true, ResolvedValue: value.Text("blue"),
		},
	}), nil, nil)
	res := evalSrc(t, ctx, "#color")
	require.True(t, res.Success)
	s, _ := res.Value.AsText()
	require.Equal(t, "red", s)
}

func TestEvalComputedPropertyReadsCachedValueWithoutRecompute(t *testing.T) {
	ctx := NewContext("acme", entityWith(map[string]model.Property{
		"total": {Kind: model.PropertyComputed, Expression: "1+1", HasCached: true, CachedValue: value.Number(99)},
	}), nil, nil)
	res := evalSrc(t, ctx, "#total")
	require.True(t, res.Success)
	n, _ := res.Value.AsNumber()
	require.Equal(t, 99.0, n)
}

func TestEvalPropertyReferenceWalksRelationshipChain(t *testing.T) {
	parent := &model.Entity{ID: "parent-1", Properties: map[string]model.Property{
		"name": {Kind: model.PropertyLiteral, Value: value.Text("Acme Corp")},
	}}
	child := entityWith(nil)
	ctx := NewContext("acme", child, map[string]*model.Entity{
		child.ID: child, parent.ID: parent,
	}, map[string]map[string][]string{
		child.ID: {"parent_org": {parent.ID}},
	})

	res := evalSrc(t, ctx, "@self.parent_org.name")
	require.True(t, res.Success)
	s, _ := res.Value.AsText()
	require.Equal(t, "Acme Corp", s)
	require.Contains(t, res.AccessedEntities, parent.ID)
}

func TestEvalPropertyReferenceMissingRelationshipIsReferenceBroken(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), map[string]*model.Entity{"e1": entityWith(nil)}, nil)
	res := evalSrc(t, ctx, "@self.parent_org.name")
	require.False(t, res.Success)
	var kerr *kernelerr.Error
	require.ErrorAs(t, res.Err, &kerr)
	require.Equal(t, kernelerr.ReferenceBroken, kerr.Kind)
}

func TestEvalMissingPropertyReturnsNull(t *testing.T) {
	ctx := NewContext("acme", entityWith(nil), nil, nil)
	res := evalSrc(t, ctx, "#does_not_exist")
	require.True(t, res.Success)
	require.True(t, res.Value.IsNull())
}
