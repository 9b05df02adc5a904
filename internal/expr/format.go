package expr

import (
	"strconv"
	"strings"
)

// Format renders an AST back to source text. Tests use it to assert the
// shapes the parser produces; no other package calls it.
func Format(n Node) string {
	var sb strings.Builder
	writeNode(&sb, n)
	return sb.String()
}

func writeNode(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case *Literal:
		writeLiteral(sb, v)
	case *Identifier:
		sb.WriteByte('#')
		sb.WriteString(v.Name)
	case *PropertyReference:
		if v.Base == "" {
			sb.WriteString("@self")
		} else {
			sb.WriteString("@{")
			sb.WriteString(v.Base)
			sb.WriteByte('}')
		}
		for _, seg := range v.Segments {
			sb.WriteByte('.')
			sb.WriteString(seg.Name)
			if seg.All {
				sb.WriteString("[*]")
			} else if seg.HasIndex {
				sb.WriteByte('[')
				sb.WriteString(strconv.Itoa(seg.Index))
				sb.WriteByte(']')
			}
		}
	case *UnaryExpression:
		sb.WriteString(v.Op)
		writeNode(sb, v.Arg)
	case *BinaryExpression:
		writeNode(sb, v.Left)
		sb.WriteByte(' ')
		sb.WriteString(v.Op)
		sb.WriteByte(' ')
		writeNode(sb, v.Right)
	case *CallExpression:
		sb.WriteString(v.Callee)
		sb.WriteByte('(')
		for i, a := range v.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeNode(sb, a)
		}
		sb.WriteByte(')')
	}
}

func writeLiteral(sb *strings.Builder, l *Literal) {
	switch l.Value.Kind().String() {
	case "number":
		n, _ := l.Value.AsNumber()
		sb.WriteString(strconv.FormatFloat(n, 'g', -1, 64))
	case "text":
		s, _ := l.Value.AsText()
		sb.WriteByte('"')
		sb.WriteString(s)
		sb.WriteByte('"')
	case "boolean":
		b, _ := l.Value.AsBoolean()
		sb.WriteString(strconv.FormatBool(b))
	case "null":
		sb.WriteString("null")
	}
}
