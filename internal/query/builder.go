package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Builder turns a Request into parameterized SQL against a tenant schema's
// entities table. maxLimit clamps Request.Limit to a sane page size, and
// property lookups resolve against arbitrary JSON paths since Trellis
// properties are runtime data rather than a fixed column set.
type Builder struct {
	schema   string
	maxLimit int
}

// NewBuilder constructs a Builder scoped to a tenant schema.
func NewBuilder(schema string, maxLimit int) *Builder {
	if maxLimit <= 0 {
		maxLimit = 500
	}
	return &Builder{schema: schema, maxLimit: maxLimit}
}

// Built is a select statement plus its count-query sibling (only populated
// when Request.IncludeTotal was set).
type Built struct {
	SQL       string
	Args      []interface{}
	CountSQL  string
	CountArgs []interface{}
}

// Build converts req into SQL. Unless a sort key already names id, Sort is
// augmented with a final "id ASC" key so cursor pagination has a total order
// to walk.
func (b *Builder) Build(req Request) (*Built, error) {
	args := []interface{}{req.TenantID}
	where := []string{"tenant_id = $1", "deleted_at IS NULL"}

	if req.Type != "" {
		where = append(where, b.typeClause(req.Type, &args))
	}

	sort := append([]SortKey(nil), req.Sort...)
	hasID := false
	for _, s := range sort {
		if s.Property == "id" {
			hasID = true
		}
	}
	if !hasID {
		sort = append(sort, SortKey{Property: "id", Direction: Asc})
	}

	if req.Filter != nil {
		clause, err := b.buildGroup(*req.Filter, &args)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			where = append(where, "("+clause+")")
		}
	}

	if req.Cursor != "" {
		clause, err := b.cursorClause(req.Cursor, sort, &args)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}

	limit := req.Limit
	if limit <= 0 || limit > b.maxLimit {
		limit = b.maxLimit
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, tenant_id, type_path, properties, version, created_at, updated_at, deleted_at FROM %s.entities", b.schema)
	sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	sb.WriteString(" ORDER BY " + orderClause(sort))
	fmt.Fprintf(&sb, " LIMIT %d", limit)
	if req.Cursor == "" && req.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", req.Offset)
	}

	out := &Built{SQL: sb.String(), Args: args}

	if req.IncludeTotal {
		countArgs := []interface{}{req.TenantID}
		countWhere := []string{"tenant_id = $1", "deleted_at IS NULL"}
		if req.Type != "" {
			countWhere = append(countWhere, b.typeClause(req.Type, &countArgs))
		}
		if req.Filter != nil {
			clause, err := b.buildGroup(*req.Filter, &countArgs)
			if err != nil {
				return nil, err
			}
			if clause != "" {
				countWhere = append(countWhere, "("+clause+")")
			}
		}
		out.CountSQL = fmt.Sprintf("SELECT COUNT(*) FROM %s.entities WHERE %s", b.schema, strings.Join(countWhere, " AND "))
		out.CountArgs = countArgs
	}

	return out, nil
}

func (b *Builder) typeClause(t string, args *[]interface{}) string {
	if strings.HasSuffix(t, ".*") {
		prefix := strings.TrimSuffix(t, ".*")
		*args = append(*args, prefix, prefix+".%")
		return fmt.Sprintf("(type_path = $%d OR type_path LIKE $%d)", len(*args)-1, len(*args))
	}
	*args = append(*args, t)
	return fmt.Sprintf("type_path = $%d", len(*args))
}

func (b *Builder) buildGroup(g FilterGroup, args *[]interface{}) (string, error) {
	if g.Condition != nil {
		return b.buildCondition(*g.Condition, args)
	}
	if len(g.Children) == 0 {
		return "", nil
	}
	joiner := g.Joiner
	if joiner == "" {
		joiner = And
	}
	parts := make([]string, 0, len(g.Children))
	for _, c := range g.Children {
		clause, err := b.buildGroup(c, args)
		if err != nil {
			return "", err
		}
		if clause != "" {
			parts = append(parts, "("+clause+")")
		}
	}
	return strings.Join(parts, " "+string(joiner)+" "), nil
}

// propertyExpr resolves name to a SQL expression: reserved columns resolve
// directly, everything else reads the property's value out of its wire shape
// with a #>> JSON path, which yields NULL when the property is absent.
func (b *Builder) propertyExpr(name string) (expr string, isJSON bool) {
	if col, ok := reservedColumns[name]; ok {
		return col, false
	}
	return fmt.Sprintf("properties #>> '{%s,value,value}'", name), true
}

func (b *Builder) buildCondition(c Condition, args *[]interface{}) (string, error) {
	expr, isJSON := b.propertyExpr(c.Property)

	switch c.Op {
	case OpIsNull:
		if isJSON {
			return fmt.Sprintf("(%s IS NULL)", expr), nil
		}
		return fmt.Sprintf("%s IS NULL", expr), nil
	case OpIn:
		values, ok := c.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("query: in operator requires a list value for %q", c.Property)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			*args = append(*args, toSQLParam(v, isJSON))
			placeholders[i] = fmt.Sprintf("$%d", len(*args))
		}
		return fmt.Sprintf("%s IN (%s)", expr, strings.Join(placeholders, ", ")), nil
	case OpContains:
		*args = append(*args, "%"+fmt.Sprint(c.Value)+"%")
		return fmt.Sprintf("%s LIKE $%d", expr, len(*args)), nil
	case OpStartsWith:
		*args = append(*args, fmt.Sprint(c.Value)+"%")
		return fmt.Sprintf("%s LIKE $%d", expr, len(*args)), nil
	}

	op, ok := comparisonOps[c.Op]
	if !ok {
		return "", fmt.Errorf("query: unknown operator %q", c.Op)
	}
	if isJSON {
		// Numeric comparisons on JSON-extracted text need an explicit cast;
		// text comparisons compare the extracted text directly.
		if _, numeric := c.Value.(float64); numeric {
			*args = append(*args, toSQLParam(c.Value, isJSON))
			return fmt.Sprintf("(%s)::numeric %s $%d", expr, op, len(*args)), nil
		}
	}
	*args = append(*args, toSQLParam(c.Value, isJSON))
	return fmt.Sprintf("%s %s $%d", expr, op, len(*args)), nil
}

var comparisonOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "!=",
	OpLt:  "<",
	OpGt:  ">",
	OpLte: "<=",
	OpGte: ">=",
}

func toSQLParam(v interface{}, isJSON bool) interface{} {
	if isJSON {
		return fmt.Sprint(v)
	}
	return v
}

func orderClause(sort []SortKey) string {
	parts := make([]string, len(sort))
	for i, s := range sort {
		col := fmt.Sprintf("properties #>> '{%s,value,value}'", s.Property)
		if reserved, ok := reservedColumns[s.Property]; ok {
			col = reserved
		}
		parts[i] = fmt.Sprintf("%s %s", col, s.Direction.sql())
	}
	return strings.Join(parts, ", ")
}

// cursorPayload is the decoded shape of an opaque pagination cursor: the sort
// key values of the last row on the previous page, plus its id as tiebreaker.
type cursorPayload struct {
	SortValues []string `json:"sort_values"`
	ID         string   `json:"id"`
}

// EncodeCursor produces an opaque cursor from the sort-key values and id of
// the last row returned on a page.
func EncodeCursor(sortValues []string, id string) string {
	b, _ := json.Marshal(cursorPayload{SortValues: sortValues, ID: id})
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (*cursorPayload, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("query: malformed cursor: %w", err)
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("query: malformed cursor payload: %w", err)
	}
	return &p, nil
}

// cursorClause emits a WHERE predicate expressing "rows strictly after the
// cursor under the current sort order" via the standard row-wise comparison
// expansion: for sort keys (k1 asc, k2 desc, id asc) and cursor (v1, v2, id0),
// the predicate is (k1, -k2, id) > (v1, -v2, id0) lexicographically, built as
// a chain of "prefix equal, next strictly ordered" OR clauses.
func (b *Builder) cursorClause(cursor string, sort []SortKey, args *[]interface{}) (string, error) {
	p, err := decodeCursor(cursor)
	if err != nil {
		return "", err
	}
	if len(p.SortValues) != len(sort) {
		return "", fmt.Errorf("query: cursor does not match sort key count")
	}

	var orParts []string
	for i := range sort {
		var eqParts []string
		for j := 0; j < i; j++ {
			col, _ := b.propertyExpr(sort[j].Property)
			*args = append(*args, p.SortValues[j])
			eqParts = append(eqParts, fmt.Sprintf("%s = $%d", col, len(*args)))
		}
		col, _ := b.propertyExpr(sort[i].Property)
		op := ">"
		if sort[i].Direction == Desc {
			op = "<"
		}
		*args = append(*args, p.SortValues[i])
		eqParts = append(eqParts, fmt.Sprintf("%s %s $%d", col, op, len(*args)))
		orParts = append(orParts, "("+strings.Join(eqParts, " AND ")+")")
	}
	return strings.Join(orParts, " OR "), nil
}
