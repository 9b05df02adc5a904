package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/query"
	"github.com/jnarwell/trellis/internal/storage"
)

// wireCondition/wireFilterGroup/wireSort mirror query's types with JSON tags;
// the query package itself carries no wire format since it's also used
// in-process by the storage layer, the scheduler and tests.
type wireCondition struct {
	Property string      `json:"property"`
	Op       string      `json:"op"`
	Value    interface{} `json:"value"`
}

type wireFilterGroup struct {
	Joiner    string            `json:"joiner,omitempty"`
	Condition *wireCondition    `json:"condition,omitempty"`
	Children  []wireFilterGroup `json:"children,omitempty"`
}

type wireSort struct {
	Property  string `json:"property"`
	Direction string `json:"direction,omitempty"`
}

type queryRequest struct {
	Type         string           `json:"type,omitempty"`
	Filter       *wireFilterGroup `json:"filter,omitempty"`
	Sort         []wireSort       `json:"sort,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
	Cursor       string           `json:"cursor,omitempty"`
	IncludeTotal bool             `json:"include_total,omitempty"`
}

func (g wireFilterGroup) toQuery() query.FilterGroup {
	out := query.FilterGroup{Joiner: query.Joiner(g.Joiner)}
	if g.Condition != nil {
		out.Condition = &query.Condition{
			Property: g.Condition.Property,
			Op:       query.Op(g.Condition.Op),
			Value:    g.Condition.Value,
		}
	}
	for _, c := range g.Children {
		out.Children = append(out.Children, c.toQuery())
	}
	return out
}

// handleQuery serves POST /query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r)
	if r.Method != http.MethodPost {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "method not allowed"))
		return
	}

	var wire queryRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, reqID, kernelerr.New(kernelerr.ValidationError, "invalid JSON body"))
		return
	}

	req := query.Request{
		Type:         wire.Type,
		Limit:        wire.Limit,
		Offset:       wire.Offset,
		Cursor:       wire.Cursor,
		IncludeTotal: wire.IncludeTotal,
	}
	if wire.Filter != nil {
		fg := wire.Filter.toQuery()
		req.Filter = &fg
	}
	for _, sk := range wire.Sort {
		dir := query.Asc
		if sk.Direction == "desc" {
			dir = query.Desc
		}
		req.Sort = append(req.Sort, query.SortKey{Property: sk.Property, Direction: dir})
	}

	h := storage.NewTenantHandle(tenantFrom(r))
	res, err := s.store.QueryEntities(r.Context(), h, req)
	if err != nil {
		writeError(w, reqID, err)
		return
	}

	var hasMore bool
	switch {
	case res.Total != nil:
		hasMore = int64(req.Offset+len(res.Entities)) < *res.Total
	case req.Limit > 0:
		hasMore = len(res.Entities) == req.Limit
	}
	pagination := map[string]interface{}{
		"offset":   req.Offset,
		"limit":    req.Limit,
		"has_more": hasMore,
	}
	if res.NextCursor != "" {
		pagination["cursor"] = res.NextCursor
	}

	body := map[string]interface{}{
		"data":       res.Entities,
		"pagination": pagination,
	}
	if res.Total != nil {
		body["total_count"] = *res.Total
	}
	writeJSON(w, http.StatusOK, body)
}
