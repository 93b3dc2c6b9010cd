// Package condition defines the Filter/Condition tree consumed by the
// payload query planner (spec.md §4.4): must/should/must_not lists of
// Field | IsEmpty | IsNull | HasId | Nested | Filter conditions. The shape
// follows spec.md directly since original_source's exact `types.rs` was not
// part of the retrieved slice; naming (Match/Range/GeoBoundingBox/GeoRadius)
// matches the Qdrant vocabulary the rest of original_source's retrieved
// files (struct_payload_index.rs, query_estimator.rs) assume.
package condition

import "github.com/segmentcore/engine/internal/pointid"

// Match selects by exact value equality, one-of membership, or full-text.
type Match struct {
	Value any      // exact value match
	Any   []any    // match-any-of
	Text  string   // MatchText query string
}

// Range bounds a numeric field; nil bounds are unset.
type Range struct {
	Gt  *float64
	Gte *float64
	Lt  *float64
	Lte *float64
}

// GeoBoundingBox bounds a geo field by a lat/lon rectangle.
type GeoBoundingBox struct {
	TopLeft     GeoPoint
	BottomRight GeoPoint
}

type GeoPoint struct {
	Lat float64
	Lon float64
}

// GeoRadius bounds a geo field by a center point and radius in meters.
type GeoRadius struct {
	Center GeoPoint
	Radius float64
}

// FieldCondition tests one payload field; exactly one of Match/Range/Geo*
// should be set.
type FieldCondition struct {
	Key            string
	Match          *Match
	Range          *Range
	GeoBoundingBox *GeoBoundingBox
	GeoRadius      *GeoRadius
}

// Condition is the tagged union of leaf and combinator conditions a Filter
// tree is built from. Exactly one field is populated.
type Condition struct {
	Field   *FieldCondition
	IsEmpty *IsEmptyCondition
	IsNull  *IsNullCondition
	HasId   *HasIdCondition
	Nested  *NestedCondition
	Filter  *Filter
}

type IsEmptyCondition struct{ Key string }
type IsNullCondition struct{ Key string }

// HasIdCondition matches points whose external id is in the set.
type HasIdCondition struct{ Ids []pointid.PointId }

// NestedCondition applies a Filter to a nested array-of-objects field.
type NestedCondition struct {
	Key    string
	Filter Filter
}

// Filter is the must/should/must_not combinator tree of spec.md §4.4.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

func FieldCond(c FieldCondition) Condition   { return Condition{Field: &c} }
func IsEmpty(key string) Condition           { return Condition{IsEmpty: &IsEmptyCondition{Key: key}} }
func IsNull(key string) Condition            { return Condition{IsNull: &IsNullCondition{Key: key}} }
func HasId(ids ...pointid.PointId) Condition { return Condition{HasId: &HasIdCondition{Ids: ids}} }
func Nested(key string, f Filter) Condition {
	return Condition{Nested: &NestedCondition{Key: key, Filter: f}}
}
func SubFilter(f Filter) Condition { return Condition{Filter: &f} }
