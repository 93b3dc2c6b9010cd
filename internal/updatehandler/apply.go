package updatehandler

import (
	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentholder"
	"github.com/segmentcore/engine/internal/wal"
)

// ApplyOperation applies one WAL-recorded mutation against holder. Field
// index operations touch every segment; everything else routes through
// segmentholder's apply_points_to_appendable rule, which migrates the point
// to an appendable segment first when its current segment is read-only.
// This dispatch is inferred from update_handler.rs's call site — the
// corresponding collection_updater.rs was not retrieved — built directly
// against segment.Entry's mutation surface.
func ApplyOperation(holder *segmentholder.SegmentHolder, opNum uint64, op wal.Operation) error {
	switch op.Kind {
	case wal.KindCreateFieldIndex:
		_, err := holder.ApplySegments(func(entry segment.Entry) (bool, error) {
			if err := entry.CreateFieldIndex(opNum, op.FieldName, op.FieldType); err != nil {
				return false, err
			}
			return true, nil
		})
		return err
	case wal.KindDeleteFieldIndex:
		_, err := holder.ApplySegments(func(entry segment.Entry) (bool, error) {
			if err := entry.DeleteFieldIndex(opNum, op.FieldName); err != nil {
				return false, err
			}
			return true, nil
		})
		return err
	default:
		id, err := op.PointID()
		if err != nil {
			return err
		}
		applied, err := holder.ApplyPointsToAppendable(opNum, []pointid.PointId{id}, func(pid pointid.PointId, entry segment.Entry) (bool, error) {
			return applyPointOperation(entry, opNum, pid, op)
		})
		if err != nil {
			return err
		}
		// An upsert of a point no segment holds goes to an appendable segment
		// picked by AlohaRandomWrite.
		if _, ok := applied[id]; !ok && op.Kind == wal.KindUpsertPoint {
			_, err = holder.AlohaRandomWrite(holder.AppendableSegments(), func(_ segmentholder.SegmentId, entry segment.Entry) (bool, error) {
				return applyPointOperation(entry, opNum, id, op)
			})
		}
		return err
	}
}

func applyPointOperation(entry segment.Entry, opNum uint64, id pointid.PointId, op wal.Operation) (bool, error) {
	switch op.Kind {
	case wal.KindUpsertPoint:
		return entry.UpsertPoint(opNum, id, op.Vectors, op.Payload)
	case wal.KindDeletePoint:
		return true, entry.DeletePoint(opNum, id)
	case wal.KindUpdateVectors:
		return true, entry.UpdateVectors(opNum, id, op.Vectors)
	case wal.KindDeleteVector:
		return true, entry.DeleteVector(opNum, id, op.VectorName)
	case wal.KindSetPayload:
		return true, entry.SetPayload(opNum, id, op.Payload)
	case wal.KindSetFullPayload:
		return true, entry.SetFullPayload(opNum, id, op.Payload)
	case wal.KindDeletePayload:
		return true, entry.DeletePayload(opNum, id, op.PayloadKeys)
	case wal.KindClearPayload:
		return true, entry.ClearPayload(opNum, id)
	default:
		return false, merr.Wrap(merr.ErrBadInput, nil, "update handler: unknown operation kind")
	}
}
