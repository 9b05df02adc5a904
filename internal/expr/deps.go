package expr

import "github.com/jnarwell/trellis/internal/model"

// ExtractDependencies walks the AST once and returns a deduplicated list of
// DependencyPaths, one per unique (entity_ref, relationships, property,
// is_collection). "#x" and "@self.x" produce the identical path.
func ExtractDependencies(n Node) []model.DependencyPath {
	seen := make(map[string]bool)
	var out []model.DependencyPath
	Walk(n, func(node Node) bool {
		switch v := node.(type) {
		case *Identifier:
			dp := model.DependencyPath{EntityRef: "self", Property: v.Name}
			add(&out, seen, dp)
		case *PropertyReference:
			ref := v.Base
			if ref == "" {
				ref = "self"
			}
			if len(v.Segments) == 0 {
				return true
			}
			last := v.Segments[len(v.Segments)-1]
			rels := make([]string, 0, len(v.Segments)-1)
			isCollection := false
			for _, s := range v.Segments[:len(v.Segments)-1] {
				rels = append(rels, s.Name)
				if s.All {
					isCollection = true
				}
			}
			// A bare "[*]" on the last segment (no trailing property) names the
			// relationship itself as the collected property, a rare degenerate form.
			if last.All {
				isCollection = true
			}
			dp := model.DependencyPath{EntityRef: ref, Relationships: rels, Property: last.Name, IsCollection: isCollection}
			add(&out, seen, dp)
			return false // segments themselves aren't separate nodes to walk
		}
		return true
	})
	return out
}

func add(out *[]model.DependencyPath, seen map[string]bool, dp model.DependencyPath) {
	k := dp.Key()
	if seen[k] {
		return
	}
	seen[k] = true
	*out = append(*out, dp)
}
