package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jnarwell/trellis/internal/value"
)

// wireProperty is the JSON wire shape persisted in the entities.properties
// column and returned by the HTTP API.
type wireProperty struct {
	Kind string `json:"kind"`

	Value       *value.Value `json:"value,omitempty"`
	Uncertainty *float64     `json:"uncertainty,omitempty"`
	MeasuredAt  *time.Time   `json:"measured_at,omitempty"`

	FromEntity   string       `json:"from_entity,omitempty"`
	FromProperty string       `json:"from_property,omitempty"`
	Override     *value.Value `json:"override,omitempty"`

	Expression   string           `json:"expression,omitempty"`
	Dependencies []wireDependency `json:"dependencies,omitempty"`
	CachedValue  *value.Value     `json:"cached_value,omitempty"`

	Status     string `json:"status,omitempty"`
	ErrMessage string `json:"error,omitempty"`
}

type wireDependency struct {
	EntityRef     string   `json:"entity_ref"`
	Relationships []string `json:"relationships,omitempty"`
	Property      string   `json:"property"`
	IsCollection  bool     `json:"is_collection,omitempty"`
}

func (p Property) MarshalJSON() ([]byte, error) {
	w := wireProperty{Kind: p.Kind.String()}
	switch p.Kind {
	case PropertyLiteral, PropertyMeasured:
		w.Value = &p.Value
		w.Uncertainty = p.Uncertainty
		w.MeasuredAt = p.MeasuredAt
	case PropertyInherited:
		w.FromEntity = p.FromEntity
		w.FromProperty = p.FromProperty
		if p.HasOverride {
			w.Override = &p.Override
		}
		if p.HasResolvedValue {
			w.Value = &p.ResolvedValue
		}
		w.Status = p.Status.String()
		w.ErrMessage = p.ErrMessage
	case PropertyComputed:
		w.Expression = p.Expression
		for _, d := range p.Dependencies {
			w.Dependencies = append(w.Dependencies, wireDependency{
				EntityRef: d.EntityRef, Relationships: d.Relationships,
				Property: d.Property, IsCollection: d.IsCollection,
			})
		}
		if p.HasCached {
			w.CachedValue = &p.CachedValue
		}
		w.Status = p.Status.String()
		w.ErrMessage = p.ErrMessage
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the same wire shape as Property, but only the fields
// PropertyInput documents are read; a client sending cached_value or status
// on create/update simply has them ignored.
func (p *PropertyInput) UnmarshalJSON(data []byte) error {
	var w wireProperty
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "literal":
		p.Kind = PropertyLiteral
	case "measured":
		p.Kind = PropertyMeasured
	case "inherited":
		p.Kind = PropertyInherited
	case "computed":
		p.Kind = PropertyComputed
	default:
		return fmt.Errorf("unknown property kind %q", w.Kind)
	}
	if w.Value != nil {
		p.Value = *w.Value
	}
	p.Uncertainty = w.Uncertainty
	p.MeasuredAt = w.MeasuredAt
	p.FromEntity = w.FromEntity
	p.FromProperty = w.FromProperty
	if w.Override != nil {
		p.Override = *w.Override
		p.HasOverride = true
	}
	p.Expression = w.Expression
	return nil
}

func (p *Property) UnmarshalJSON(data []byte) error {
	var w wireProperty
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "literal":
		p.Kind = PropertyLiteral
	case "measured":
		p.Kind = PropertyMeasured
	case "inherited":
		p.Kind = PropertyInherited
	case "computed":
		p.Kind = PropertyComputed
	}
	if w.Value != nil {
		p.Value = *w.Value
		p.ResolvedValue = *w.Value
		p.HasResolvedValue = p.Kind == PropertyInherited
	}
	p.Uncertainty = w.Uncertainty
	p.MeasuredAt = w.MeasuredAt
	p.FromEntity = w.FromEntity
	p.FromProperty = w.FromProperty
	if w.Override != nil {
		p.Override = *w.Override
		p.HasOverride = true
	}
	p.Expression = w.Expression
	for _, d := range w.Dependencies {
		p.Dependencies = append(p.Dependencies, DependencyPath{
			EntityRef: d.EntityRef, Relationships: d.Relationships,
			Property: d.Property, IsCollection: d.IsCollection,
		})
	}
	if w.CachedValue != nil {
		p.CachedValue = *w.CachedValue
		p.HasCached = true
	}
	switch w.Status {
	case "valid":
		p.Status = StatusValid
	case "stale":
		p.Status = StatusStale
	case "pending":
		p.Status = StatusPending
	case "error":
		p.Status = StatusError
	}
	p.ErrMessage = w.ErrMessage
	return nil
}
