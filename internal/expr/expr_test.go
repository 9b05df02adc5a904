package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLexTokensBasicOperators(t *testing.T) {
	toks, err := Lex("1 + 2 * 3 == 7")
	require.NoError(t, err)

	var kinds []TokenKind
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
	}
	require.Equal(t, []TokenKind{
		TokenNumber, TokenPlus, TokenNumber, TokenStar, TokenNumber,
		TokenEq, TokenNumber, TokenEOF,
	}, kinds)
}

func TestLexEntityRefAndSelf(t *testing.T) {
	toks, err := Lex("@self.price + @{11111111-1111-1111-1111-111111111111}.cost")
	require.NoError(t, err)
	require.Equal(t, TokenSelf, toks[0].Kind)
	found := false
	for _, tok := range toks {
		if tok.Kind == TokenEntityRef {
			found = true
			require.Equal(t, "11111111-1111-1111-1111-111111111111", tok.Lexeme)
		}
	}
	require.True(t, found)
}

func TestLexRejectsUnexpectedCharacter(t *testing.T) {
	_, err := Lex("1 ^ 2")
	require.Error(t, err)
}

func TestParseArithmeticPrecedence(t *testing.T) {
	node, err := Parse("1 + 2 * 3")
	require.NoError(t, err)

	bin, ok := node.(*BinaryExpression)
	require.True(t, ok)
	require.Equal(t, "+", bin.Op)

	right, ok := bin.Right.(*BinaryExpression)
	require.True(t, ok)
	require.Equal(t, "*", right.Op)
}

func TestParseParenthesesOverridePrecedence(t *testing.T) {
	node, err := Parse("(1 + 2) * 3")
	require.NoError(t, err)

	bin, ok := node.(*BinaryExpression)
	require.True(t, ok)
	require.Equal(t, "*", bin.Op)

	left, ok := bin.Left.(*BinaryExpression)
	require.True(t, ok)
	require.Equal(t, "+", left.Op)
}

func TestParsePropertyReferenceWithCollectionSegment(t *testing.T) {
	node, err := Parse("SUM(@self.items[*].price)")
	require.NoError(t, err)

	call, ok := node.(*CallExpression)
	require.True(t, ok)
	require.Equal(t, "SUM", call.Callee)
	require.Len(t, call.Args, 1)

	ref, ok := call.Args[0].(*PropertyReference)
	require.True(t, ok)
	require.Equal(t, "", ref.Base)
	require.Len(t, ref.Segments, 2)
	require.Equal(t, "items", ref.Segments[0].Name)
	require.True(t, ref.Segments[0].All)
	require.Equal(t, "price", ref.Segments[1].Name)
}

func TestParseShorthandIdentifier(t *testing.T) {
	node, err := Parse("#quantity * 2")
	require.NoError(t, err)
	bin, ok := node.(*BinaryExpression)
	require.True(t, ok)
	ident, ok := bin.Left.(*Identifier)
	require.True(t, ok)
	require.Equal(t, "quantity", ident.Name)
}

func TestParseRejectsUnterminatedGroup(t *testing.T) {
	_, err := Parse("(1 + 2")
	require.Error(t, err)
}

func TestFormatRoundTripsSimpleExpression(t *testing.T) {
	node, err := Parse(`1 + 2 * "x"`)
	require.NoError(t, err)
	require.Equal(t, `1 + 2 * "x"`, Format(node))
}

func TestExtractDependenciesDedupesSelfAndHashForm(t *testing.T) {
	node, err := Parse("#price + @self.price")
	require.NoError(t, err)
	deps := ExtractDependencies(node)
	require.Len(t, deps, 1)
	require.Equal(t, "self", deps[0].EntityRef)
	require.Equal(t, "price", deps[0].Property)
}

func TestExtractDependenciesMarksCollectionTraversal(t *testing.T) {
	node, err := Parse("SUM(@self.items[*].price)")
	require.NoError(t, err)
	deps := ExtractDependencies(node)
	require.Len(t, deps, 1)
	require.Equal(t, []string{"items"}, deps[0].Relationships)
	require.Equal(t, "price", deps[0].Property)
	require.True(t, deps[0].IsCollection)
}

func TestExtractDependenciesEntityRefBase(t *testing.T) {
	node, err := Parse("@{11111111-1111-1111-1111-111111111111}.cost")
	require.NoError(t, err)
	deps := ExtractDependencies(node)
	require.Len(t, deps, 1)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", deps[0].EntityRef)
	require.Equal(t, "cost", deps[0].Property)
}
