// Package wal implements spec.md §6's write-ahead log contract: append,
// read-from, flush/flush-async, and ack (which implicitly truncates fully
// acknowledged segments). The segmented, growth-on-demand log file layout
// is grounded on the append-only log idiom in marmos91-dittofs's
// pkg/cache/wal/mmap.go (header + sequential variable-length entries,
// segment rotation once a capacity is hit) — adapted here to plain
// buffered file I/O rather than an mmap'd region, since WAL entries are
// CBOR-framed variable-length records rather than mmap's fixed slice
// layout, and to a fresh segment file per rotation rather than growing one
// mapping in place. Entries are CBOR-encoded via
// github.com/fxamacker/cbor/v2, per spec.md §6's original_source which
// ships the same dependency (bearlytools-claw's cbor usage).
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/segmentcore/engine/internal/log"
	"github.com/segmentcore/engine/internal/merr"
	"go.uber.org/zap"
)

const (
	segmentFilePrefix = "wal-"
	segmentFileSuffix = ".log"
	defaultCapacity   = 32 << 20 // 32MiB, used when Config.SegmentCapacityBytes is unset
)

// Config configures a Log's on-disk segment behavior. Fields mirror spec.md
// §6's wal_capacity_mb/wal_segments_ahead knobs.
type Config struct {
	Dir                  string
	SegmentCapacityBytes int64
	PreallocatedSegments int
}

type entryRecord struct {
	OpNum uint64    `cbor:"1,keyasint"`
	Op    Operation `cbor:"2,keyasint"`
}

// segmentFile is one rotation of the log: a single append-only file holding
// zero or more entries, tracked by the op_num range it currently holds.
type segmentFile struct {
	index        int
	path         string
	file         *os.File
	writer       *bufio.Writer
	size         int64
	minOp, maxOp uint64
	hasEntries   bool
}

// Log is the WAL handle updatehandler's three workers share.
type Log struct {
	mu       sync.Mutex
	dir      string
	capacity int64

	segments  []*segmentFile
	current   *segmentFile // active append target; may sit before preallocated, empty, higher-index segments in segments
	nextOpNum uint64
	acked     uint64
}

// Open replays every existing segment file under cfg.Dir (oldest first) to
// rebuild nextOpNum, then leaves the newest segment ready for appends,
// creating the directory and a first segment if none exist.
func Open(cfg Config) (*Log, error) {
	capacity := cfg.SegmentCapacityBytes
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, merr.Wrap(merr.ErrServiceError, err, "wal: create directory")
	}

	l := &Log{dir: cfg.Dir, capacity: capacity}

	indices, err := existingSegmentIndices(cfg.Dir)
	if err != nil {
		return nil, err
	}
	for _, idx := range indices {
		seg, err := l.openSegment(idx)
		if err != nil {
			return nil, err
		}
		if err := l.replaySegment(seg); err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		seg, err := l.createSegment(0)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	// The active append target is the last segment replayed (or freshly
	// created) above — before any preallocated segments are appended, since
	// those are future capacity, not where writes resume.
	l.current = l.segments[len(l.segments)-1]

	for i := 0; i < cfg.PreallocatedSegments; i++ {
		idx := l.segments[len(l.segments)-1].index + 1
		seg, err := l.createSegment(idx)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	return l, nil
}

func existingSegmentIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, merr.Wrap(merr.ErrServiceError, err, "wal: list segment directory")
	}
	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(segmentFilePrefix)+len(segmentFileSuffix) {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(name, segmentFilePrefix+"%d"+segmentFileSuffix, &idx); err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

func (l *Log) segmentPath(index int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%d%s", segmentFilePrefix, index, segmentFileSuffix))
}

func (l *Log) openSegment(index int) (*segmentFile, error) {
	path := l.segmentPath(index)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, merr.Wrap(merr.ErrServiceError, err, "wal: open segment")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, merr.Wrap(merr.ErrServiceError, err, "wal: stat segment")
	}
	return &segmentFile{index: index, path: path, file: f, writer: bufio.NewWriter(f), size: info.Size()}, nil
}

// segmentAfter returns the already-open segment immediately following
// index (a preallocated one, typically), or nil if none exists yet.
func (l *Log) segmentAfter(index int) *segmentFile {
	for _, s := range l.segments {
		if s.index == index+1 {
			return s
		}
	}
	return nil
}

func (l *Log) createSegment(index int) (*segmentFile, error) {
	path := l.segmentPath(index)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, merr.Wrap(merr.ErrServiceError, err, "wal: create segment")
	}
	return &segmentFile{index: index, path: path, file: f, writer: bufio.NewWriter(f)}, nil
}

// replaySegment scans a segment's length-prefixed CBOR records, feeding
// nextOpNum/min/max from whatever it can fully read. A truncated trailing
// record (a torn write from a crash mid-append) ends the scan without
// error, matching spec.md §7's "idempotence"/crash-safety expectations.
func (l *Log) replaySegment(seg *segmentFile) error {
	if _, err := seg.file.Seek(0, io.SeekStart); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "wal: seek segment for replay")
	}
	r := bufio.NewReader(seg.file)
	var offset int64
	for {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		var rec entryRecord
		if err := cbor.Unmarshal(payload, &rec); err != nil {
			break
		}
		offset += 4 + int64(length)
		if !seg.hasEntries || rec.OpNum < seg.minOp {
			seg.minOp = rec.OpNum
		}
		if rec.OpNum > seg.maxOp || !seg.hasEntries {
			seg.maxOp = rec.OpNum
		}
		seg.hasEntries = true
		if rec.OpNum >= l.nextOpNum {
			l.nextOpNum = rec.OpNum + 1
		}
	}
	seg.size = offset
	if _, err := seg.file.Seek(offset, io.SeekStart); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "wal: truncate torn tail")
	}
	if err := seg.file.Truncate(offset); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "wal: truncate torn tail")
	}
	seg.writer = bufio.NewWriter(seg.file)
	return nil
}

// Append assigns the next op_num and writes op to the current segment,
// rotating to a fresh segment first if it would exceed capacity. It
// returns the assigned op_num.
func (l *Log) Append(op Operation) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := cbor.Marshal(entryRecord{OpNum: l.nextOpNum, Op: op})
	if err != nil {
		return 0, merr.Wrap(merr.ErrServiceError, err, "wal: encode operation")
	}
	recordSize := int64(4 + len(payload))

	current := l.current
	if current.hasEntries && current.size+recordSize > l.capacity {
		next := l.segmentAfter(current.index)
		if next == nil {
			var err error
			next, err = l.createSegment(current.index + 1)
			if err != nil {
				return 0, err
			}
			l.segments = append(l.segments, next)
		}
		current = next
		l.current = current
	}

	if err := binary.Write(current.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return 0, merr.Wrap(merr.ErrServiceError, err, "wal: write record length")
	}
	if _, err := current.writer.Write(payload); err != nil {
		return 0, merr.Wrap(merr.ErrServiceError, err, "wal: write record")
	}

	opNum := l.nextOpNum
	if !current.hasEntries || opNum < current.minOp {
		current.minOp = opNum
	}
	current.maxOp = opNum
	current.hasEntries = true
	current.size += recordSize
	l.nextOpNum++

	return opNum, nil
}

// Read replays every entry with op_num >= fromOp in ascending order,
// invoking yield for each; yield returning false stops the scan early.
// Mirrors the push-iterator shape vectorstorage.Storage.UpdateFrom already
// uses elsewhere in this codebase.
func (l *Log) Read(fromOp uint64, yield func(opNum uint64, op Operation) bool) error {
	l.mu.Lock()
	segs := make([]*segmentFile, len(l.segments))
	copy(segs, l.segments)
	l.mu.Unlock()

	for _, seg := range segs {
		if seg.hasEntries && seg.maxOp < fromOp {
			continue
		}
		if err := seg.writer.Flush(); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "wal: flush before read")
		}
		if _, err := seg.file.Seek(0, io.SeekStart); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "wal: seek segment for read")
		}
		r := bufio.NewReader(seg.file)
		for {
			var length uint32
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				break
			}
			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				break
			}
			var rec entryRecord
			if err := cbor.Unmarshal(payload, &rec); err != nil {
				return merr.Wrap(merr.ErrServiceError, err, "wal: decode record")
			}
			if rec.OpNum < fromOp {
				continue
			}
			if !yield(rec.OpNum, rec.Op) {
				return nil
			}
		}
	}
	return nil
}

// Flush synchronously fsyncs every segment with unflushed writes.
func (l *Log) Flush() error {
	l.mu.Lock()
	segs := make([]*segmentFile, len(l.segments))
	copy(segs, l.segments)
	l.mu.Unlock()

	for _, seg := range segs {
		if err := seg.writer.Flush(); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "wal: flush buffer")
		}
		if err := seg.file.Sync(); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "wal: fsync segment")
		}
	}
	return nil
}

// FlushAsync runs Flush on a background goroutine and reports the result to
// done, matching the flush worker's "flushes the WAL asynchronously" step.
func (l *Log) FlushAsync(done func(error)) {
	go func() {
		err := l.Flush()
		if done != nil {
			done(err)
		}
	}()
}

// Ack records upTo as the highest confirmed op_num and deletes any segment
// files that are now entirely below it, implementing spec.md §6's implicit
// truncate. The active append segment is never removed even if fully
// acked, so Append always has somewhere to write.
func (l *Log) Ack(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if upTo > l.acked {
		l.acked = upTo
	}

	var kept []*segmentFile
	for _, seg := range l.segments {
		if seg != l.current && seg.hasEntries && seg.maxOp <= l.acked {
			if err := seg.file.Close(); err != nil {
				return merr.Wrap(merr.ErrServiceError, err, "wal: close acked segment")
			}
			if err := os.Remove(seg.path); err != nil {
				return merr.Wrap(merr.ErrServiceError, err, "wal: remove acked segment")
			}
			log.Debug("wal: truncated acked segment", zap.String("path", seg.path), zap.Uint64("max_op", seg.maxOp))
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

// Acked returns the highest op_num Ack has confirmed so far.
func (l *Log) Acked() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked
}

// NextOpNum previews the op_num the next Append call will assign.
func (l *Log) NextOpNum() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOpNum
}

// Close flushes and closes every open segment file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if err := seg.writer.Flush(); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "wal: flush on close")
		}
		if err := seg.file.Close(); err != nil {
			return merr.Wrap(merr.ErrServiceError, err, "wal: close segment")
		}
	}
	return nil
}
