package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnarwell/trellis/internal/value"
)

func TestPropertyCloneDeepCopiesPointersAndDependencies(t *testing.T) {
	measuredAt := time.Now()
	uncertainty := 0.5
	p := Property{
		Kind:        PropertyComputed,
		MeasuredAt:  &measuredAt,
		Uncertainty: &uncertainty,
		Dependencies: []DependencyPath{
			{EntityRef: "self", Property: "price"},
		},
	}
	cp := p.Clone()
	cp.MeasuredAt.Add(time.Hour)
	*cp.Uncertainty = 9
	cp.Dependencies[0].Property = "mutated"

	require.NotSame(t, p.MeasuredAt, cp.MeasuredAt)
	require.Equal(t, 0.5, *p.Uncertainty)
	require.Equal(t, "price", p.Dependencies[0].Property)
}

func TestEntityCloneDeepCopiesPropertiesAndDeletedAt(t *testing.T) {
	deletedAt := time.Now()
	e := Entity{
		ID: "e1",
		Properties: map[string]Property{
			"name": {Kind: PropertyLiteral, Value: value.Text("gadget")},
		},
		DeletedAt: &deletedAt,
	}
	cp := e.Clone()
	cp.Properties["name"] = Property{Kind: PropertyLiteral, Value: value.Text("mutated")}
	*cp.DeletedAt = deletedAt.Add(time.Hour)

	orig := e.Properties["name"]
	s, _ := orig.Value.AsText()
	require.Equal(t, "gadget", s)
	require.Equal(t, deletedAt, *e.DeletedAt)
}

func TestEntityIsDeleted(t *testing.T) {
	e := Entity{}
	require.False(t, e.IsDeleted())
	now := time.Now()
	e.DeletedAt = &now
	require.True(t, e.IsDeleted())
}

func TestRelationshipIsDeleted(t *testing.T) {
	r := Relationship{}
	require.False(t, r.IsDeleted())
	now := time.Now()
	r.DeletedAt = &now
	require.True(t, r.IsDeleted())
}

func TestDependencyPathKeyDistinguishesRelationshipChains(t *testing.T) {
	a := DependencyPath{EntityRef: "self", Relationships: []string{"parent_org"}, Property: "name"}
	b := DependencyPath{EntityRef: "self", Relationships: []string{"vendor"}, Property: "name"}
	c := DependencyPath{EntityRef: "self", Relationships: []string{"parent_org"}, Property: "name"}
	require.NotEqual(t, a.Key(), b.Key())
	require.Equal(t, a.Key(), c.Key())
}

func TestPropertyKindAndStatusStringers(t *testing.T) {
	require.Equal(t, "literal", PropertyLiteral.String())
	require.Equal(t, "measured", PropertyMeasured.String())
	require.Equal(t, "inherited", PropertyInherited.String())
	require.Equal(t, "computed", PropertyComputed.String())
	require.Equal(t, "unknown", PropertyKind(99).String())

	require.Equal(t, "valid", StatusValid.String())
	require.Equal(t, "stale", StatusStale.String())
	require.Equal(t, "pending", StatusPending.String())
	require.Equal(t, "error", StatusError.String())
	require.Equal(t, "unknown", Status(99).String())
}

func TestPropertyMarshalUnmarshalRoundTripsLiteral(t *testing.T) {
	p := Property{Kind: PropertyLiteral, Value: value.Number(42)}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	var out Property
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, PropertyLiteral, out.Kind)
	n, _ := out.Value.AsNumber()
	require.Equal(t, 42.0, n)
}

func TestPropertyMarshalUnmarshalRoundTripsInheritedWithOverride(t *testing.T) {
	p := Property{
		Kind: PropertyInherited, FromEntity: "parent-1", FromProperty: "color",
		HasOverride: true, Override: value.Text("red"),
		HasResolvedValue: true, ResolvedValue: value.Text("blue"),
		Status: StatusValid,
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	var out Property
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, PropertyInherited, out.Kind)
	require.Equal(t, "parent-1", out.FromEntity)
	require.True(t, out.HasOverride)
	s, _ := out.Override.AsText()
	require.Equal(t, "red", s)
	require.Equal(t, StatusValid, out.Status)
}

func TestPropertyMarshalUnmarshalRoundTripsComputedWithDependencies(t *testing.T) {
	p := Property{
		Kind:       PropertyComputed,
		Expression: "SUM(@self.items[*].price)",
		Dependencies: []DependencyPath{
			{EntityRef: "self", Relationships: []string{"items"}, Property: "price", IsCollection: true},
		},
		HasCached:   true,
		CachedValue: value.Number(10),
		Status:      StatusStale,
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	var out Property
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, PropertyComputed, out.Kind)
	require.Equal(t, p.Expression, out.Expression)
	require.Len(t, out.Dependencies, 1)
	require.True(t, out.Dependencies[0].IsCollection)
	require.True(t, out.HasCached)
	n, _ := out.CachedValue.AsNumber()
	require.Equal(t, 10.0, n)
	require.Equal(t, StatusStale, out.Status)
}

func TestPropertyInputUnmarshalIgnoresCachedAndStatusFields(t *testing.T) {
	raw := `{"kind":"literal","value":{"kind":"number","value":5},"status":"error","cached_value":{"kind":"number","value":999}}`
	var in PropertyInput
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, PropertyLiteral, in.Kind)
	n, _ := in.Value.AsNumber()
	require.Equal(t, 5.0, n)
}

func TestPropertyInputUnmarshalRejectsUnknownKind(t *testing.T) {
	var in PropertyInput
	err := json.Unmarshal([]byte(`{"kind":"bogus"}`), &in)
	require.Error(t, err)
}

func TestPropertyInputUnmarshalCapturesInheritedOverride(t *testing.T) {
	raw := `{"kind":"inherited","from_entity":"parent-1","from_property":"color","override":{"kind":"text","value":"red"}}`
	var in PropertyInput
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, PropertyInherited, in.Kind)
	require.Equal(t, "parent-1", in.FromEntity)
	require.True(t, in.HasOverride)
	s, _ := in.Override.AsText()
	require.Equal(t, "red", s)
}

func TestEventJSONUsesWireFieldNames(t *testing.T) {
	e := Event{
		ID: "evt-1", TenantID: "acme", Kind: EventEntityCreated, EntityID: "e1",
		Payload: map[string]interface{}{"entity_type": "widget"},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, "entity_created", raw["event_type"])
	require.Equal(t, "e1", raw["entity_id"])
}
