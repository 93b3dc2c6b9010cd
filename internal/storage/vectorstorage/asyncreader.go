package vectorstorage

// AsyncReader streams a caller-supplied set of offsets through a callback,
// per spec.md §4.1. Go has no portable kernel-level async-read primitive
// exposed by golang.org/x/sys/unix in a cross-platform way, so this is
// always the "sequential fallback" spec.md §4.1 requires elsewhere — it is
// still expressed as its own type so a future io_uring-backed
// implementation can be swapped in behind the same interface.
type AsyncReader struct {
	storage Storage
}

func NewAsyncReader(storage Storage) *AsyncReader {
	return &AsyncReader{storage: storage}
}

// ReadBatch reads each offset in order, invoking cb(indexInBatch, offset, vec).
// A non-nil error from cb aborts the batch and is returned.
func (r *AsyncReader) ReadBatch(offsets []uint32, cb func(idxInBatch int, offset uint32, vec []float32) error) error {
	for i, offset := range offsets {
		vec, err := r.storage.Get(offset)
		if err != nil {
			return err
		}
		if err := cb(i, offset, vec); err != nil {
			return err
		}
	}
	return nil
}
