package wal

import (
	"github.com/google/uuid"

	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
)

// Kind discriminates the operation variants spec.md §6 calls out as
// "CBOR-encoded operation variants" — one per segment.Entry mutation.
type Kind uint8

const (
	KindUpsertPoint Kind = iota
	KindDeletePoint
	KindUpdateVectors
	KindDeleteVector
	KindSetPayload
	KindSetFullPayload
	KindDeletePayload
	KindClearPayload
	KindCreateFieldIndex
	KindDeleteFieldIndex
)

// pointIDWire is PointId's CBOR-serializable shadow: PointId keeps its
// fields private (see internal/pointid), so the WAL carries its own
// explicit wire form rather than reaching into that package's internals.
type pointIDWire struct {
	Kind uint8  `cbor:"1,keyasint"`
	Num  uint64 `cbor:"2,keyasint,omitempty"`
	UUID string `cbor:"3,keyasint,omitempty"`
}

func wirePointID(id pointid.PointId) pointIDWire {
	if n, ok := id.Num(); ok {
		return pointIDWire{Kind: 0, Num: n}
	}
	u, _ := id.UUID()
	return pointIDWire{Kind: 1, UUID: u.String()}
}

func (w pointIDWire) pointID() (pointid.PointId, error) {
	switch w.Kind {
	case 0:
		return pointid.FromNum(w.Num), nil
	case 1:
		u, err := uuid.Parse(w.UUID)
		if err != nil {
			return pointid.PointId{}, merr.Wrap(merr.ErrBadInput, err, "wal: malformed point id uuid")
		}
		return pointid.FromUUID(u), nil
	default:
		return pointid.PointId{}, merr.Wrap(merr.ErrBadInput, nil, "wal: unknown point id kind")
	}
}

// Operation is one WAL entry's payload: a single segment mutation, tagged
// by Kind, with only the fields relevant to that kind populated.
type Operation struct {
	Kind        Kind                   `cbor:"1,keyasint"`
	Point       pointIDWire            `cbor:"2,keyasint,omitempty"`
	Vectors     segment.NamedVectors   `cbor:"3,keyasint,omitempty"`
	Payload     payloadstorage.Payload `cbor:"4,keyasint,omitempty"`
	PayloadKeys []string               `cbor:"5,keyasint,omitempty"`
	VectorName  string                 `cbor:"6,keyasint,omitempty"`
	FieldName   string                 `cbor:"7,keyasint,omitempty"`
	FieldType   string                 `cbor:"8,keyasint,omitempty"`
}

// PointID recovers the operation's target point, for operations that carry
// one (everything except the field-index variants).
func (op Operation) PointID() (pointid.PointId, error) {
	return op.Point.pointID()
}

func UpsertPoint(id pointid.PointId, vectors segment.NamedVectors, payload payloadstorage.Payload) Operation {
	return Operation{Kind: KindUpsertPoint, Point: wirePointID(id), Vectors: vectors, Payload: payload}
}

func DeletePoint(id pointid.PointId) Operation {
	return Operation{Kind: KindDeletePoint, Point: wirePointID(id)}
}

func UpdateVectors(id pointid.PointId, vectors segment.NamedVectors) Operation {
	return Operation{Kind: KindUpdateVectors, Point: wirePointID(id), Vectors: vectors}
}

func DeleteVector(id pointid.PointId, vectorName string) Operation {
	return Operation{Kind: KindDeleteVector, Point: wirePointID(id), VectorName: vectorName}
}

func SetPayload(id pointid.PointId, partial payloadstorage.Payload) Operation {
	return Operation{Kind: KindSetPayload, Point: wirePointID(id), Payload: partial}
}

func SetFullPayload(id pointid.PointId, payload payloadstorage.Payload) Operation {
	return Operation{Kind: KindSetFullPayload, Point: wirePointID(id), Payload: payload}
}

func DeletePayload(id pointid.PointId, keys []string) Operation {
	return Operation{Kind: KindDeletePayload, Point: wirePointID(id), PayloadKeys: keys}
}

func ClearPayload(id pointid.PointId) Operation {
	return Operation{Kind: KindClearPayload, Point: wirePointID(id)}
}

func CreateFieldIndex(fieldName, fieldType string) Operation {
	return Operation{Kind: KindCreateFieldIndex, FieldName: fieldName, FieldType: fieldType}
}

func DeleteFieldIndex(fieldName string) Operation {
	return Operation{Kind: KindDeleteFieldIndex, FieldName: fieldName}
}
