package expr

import "github.com/jnarwell/trellis/internal/value"

// Node is implemented by every AST node. Start/End are byte offsets into the
// original source, used for error messages and round-tripping.
type Node interface {
	Span() (start, end int)
}

type span struct{ start, end int }

func (s span) Span() (int, int) { return s.start, s.end }

// Literal is a number/text/boolean/null constant.
type Literal struct {
	span
	Value value.Value
}

// Identifier is the bare-name shorthand form ("name" or "#name") the parser
// builds for a property read; function calls carry their callee as a plain
// name string, not as an Identifier.
type Identifier struct {
	span
	Name string
}

// PathSegment is one hop of a PropertyReference: a relationship name, optionally
// qualified by "[*]" (All) or "[n]" (Index).
type PathSegment struct {
	Name     string
	All      bool
	HasIndex bool
	Index    int
}

// PropertyReference resolves a property value, optionally by walking a chain of
// relationship segments first. Base is "" for the current entity ("#x" / "@self...")
// or an entity id for "@{uuid}...".
type PropertyReference struct {
	span
	Base     string // "" means self
	Segments []PathSegment
}

// UnaryExpression applies '!' or '-' to Arg.
type UnaryExpression struct {
	span
	Op  string
	Arg Node
}

// BinaryExpression applies a binary operator to Left and Right.
type BinaryExpression struct {
	span
	Op          string
	Left, Right Node
}

// CallExpression invokes a function library entry by name with Args.
type CallExpression struct {
	span
	Callee string
	Args   []Node
}
