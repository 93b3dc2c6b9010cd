// Package pointid implements the PointId tagged union of spec.md's data
// model: either a uint64 or a UUID, ordered and hashable, following the
// original Rust enum's NumId/UuId variants (original_source
// segment/src/types.rs) rendered as an idiomatic Go sum type.
package pointid

import (
	"cmp"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the two PointId variants.
type Kind uint8

const (
	KindNum Kind = iota
	KindUUID
)

// PointId is an immutable value; zero value is the numeric id 0.
type PointId struct {
	kind Kind
	num  uint64
	uid  uuid.UUID
}

func FromNum(v uint64) PointId { return PointId{kind: KindNum, num: v} }

func FromUUID(v uuid.UUID) PointId { return PointId{kind: KindUUID, uid: v} }

func (p PointId) Kind() Kind { return p.kind }

// Num returns the numeric value and whether p is a numeric id.
func (p PointId) Num() (uint64, bool) { return p.num, p.kind == KindNum }

// UUID returns the uuid value and whether p is a uuid id.
func (p PointId) UUID() (uuid.UUID, bool) { return p.uid, p.kind == KindUUID }

func (p PointId) String() string {
	if p.kind == KindUUID {
		return p.uid.String()
	}
	return fmt.Sprintf("%d", p.num)
}

// Compare orders numeric ids before uuid ids, and within a kind by natural
// order; used by segmentholder's deduplicate_points k-way merge.
func Compare(a, b PointId) int {
	if a.kind != b.kind {
		if a.kind == KindNum {
			return -1
		}
		return 1
	}
	if a.kind == KindNum {
		return cmp.Compare(a.num, b.num)
	}
	return cmp.Compare(a.uid.String(), b.uid.String())
}

func (p PointId) MarshalJSON() ([]byte, error) {
	if p.kind == KindUUID {
		return json.Marshal(p.uid.String())
	}
	return json.Marshal(p.num)
}

func (p *PointId) UnmarshalJSON(data []byte) error {
	var asNum uint64
	if err := json.Unmarshal(data, &asNum); err == nil {
		*p = FromNum(asNum)
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err != nil {
		return fmt.Errorf("pointid: invalid json %s", data)
	}
	parsed, err := uuid.Parse(asStr)
	if err != nil {
		return fmt.Errorf("pointid: %w", err)
	}
	*p = FromUUID(parsed)
	return nil
}

// Set is a simple helper wrapping map[PointId]struct{}, used for
// deleted_points/created_indexes-style sets shared between a segment and its
// proxy overlay.
type Set map[PointId]struct{}

func NewSet(ids ...PointId) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id PointId) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Add(id PointId)    { s[id] = struct{}{} }
func (s Set) Remove(id PointId) { delete(s, id) }

func (s Set) ToSlice() []PointId {
	out := make([]PointId, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
