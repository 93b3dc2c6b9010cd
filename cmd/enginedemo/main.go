// Command enginedemo wires every package under internal/ into a single
// process-local root object and drives it through a representative
// lifecycle: open a WAL, build a segment holder, register the three
// optimizers, start the update handler's three workers, push a handful of
// operations through, search, and shut down cleanly.
//
// There is no RPC surface, CLI flag parsing, or config loader here — those
// are out of scope; this exists to exercise the component wiring the way
// original_source's `TableOfContents` exercises `Collection` end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/segmentcore/engine/internal/log"
	"github.com/segmentcore/engine/internal/optimizer"
	"github.com/segmentcore/engine/internal/pointid"
	"github.com/segmentcore/engine/internal/segment"
	"github.com/segmentcore/engine/internal/segmentconfig"
	"github.com/segmentcore/engine/internal/segmentholder"
	"github.com/segmentcore/engine/internal/storage/idtracker"
	"github.com/segmentcore/engine/internal/storage/payloadstorage"
	"github.com/segmentcore/engine/internal/storage/vectorstorage"
	"github.com/segmentcore/engine/internal/updatehandler"
	"github.com/segmentcore/engine/internal/wal"
)

// tableOfContents is the per-process root object spec.md §9's "Global
// state" design note calls for: it owns the WAL, the segment holder, and
// the update handler, and is the only thing any caller needs a handle to.
type tableOfContents struct {
	dir     string
	wal     *wal.Log
	holder  *segmentholder.SegmentHolder
	handler *updatehandler.UpdateHandler
	updates chan updatehandler.UpdateSignal
}

const vectorDim = 4

func newSegmentConfig(dir string, appendable bool, _ int) (segment.Config, error) {
	payload, err := payloadstorage.OpenRocksStorage(filepath.Join(dir, "payload"))
	if err != nil {
		return segment.Config{}, err
	}
	return segment.Config{
		Dir:        dir,
		Appendable: appendable,
		IDs:        idtracker.New(),
		Payload:    payload,
		Vectors: map[string]segmentconfig.VectorFieldConfig{
			"default": {Size: vectorDim, Distance: segmentconfig.DistanceCosine},
		},
		Storages: map[string]vectorstorage.Storage{"default": vectorstorage.NewMemoryStorage(vectorDim)},
	}, nil
}

func openTableOfContents(baseDir string) (*tableOfContents, error) {
	walDir := filepath.Join(baseDir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, err
	}
	walLog, err := wal.Open(wal.Config{Dir: walDir})
	if err != nil {
		return nil, err
	}

	segDir := filepath.Join(baseDir, "segments", "seg-0")
	cfg, err := newSegmentConfig(segDir, true, 0)
	if err != nil {
		return nil, err
	}
	seg, err := segment.New(cfg)
	if err != nil {
		return nil, err
	}

	holder := segmentholder.New()
	holder.Add(seg, true, segDir)

	optCfg := segmentconfig.OptimizersConfig{
		DeletedThreshold:       0.2,
		VacuumMinVectorNumber:  100,
		DefaultSegmentNumber:   2,
		MaxSegmentSize:         1 << 20,
		IndexingThreshold:      10000,
		FlushIntervalSec:       5,
		MaxOptimizationThreads: 1,
	}
	optimizersDir := filepath.Join(baseDir, "optimizers")
	if err := os.MkdirAll(optimizersDir, 0o755); err != nil {
		return nil, err
	}
	optimizers := []optimizer.SegmentOptimizer{
		optimizer.NewMergeOptimizer(optimizersDir, optCfg, nil, nil, newSegmentConfig),
		optimizer.NewVacuumOptimizer(optimizersDir, optCfg, nil, nil, newSegmentConfig),
		optimizer.NewIndexingOptimizer(optimizersDir, optCfg, nil, nil, newSegmentConfig),
	}

	handler := updatehandler.New(walLog, holder, optimizers, optCfg.FlushIntervalSec, optCfg.MaxOptimizationThreads, 16)
	updates := make(chan updatehandler.UpdateSignal, 16)
	handler.RunWorkers(updates)

	return &tableOfContents{dir: baseDir, wal: walLog, holder: holder, handler: handler, updates: updates}, nil
}

// submit appends op to the WAL, then hands it to the update worker and
// waits for it to land in the holder.
func (t *tableOfContents) submit(op wal.Operation) error {
	opNum, err := t.wal.Append(op)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	t.updates <- updatehandler.OperationSignal(updatehandler.OperationData{OpNum: opNum, Operation: op, Wait: true, Reply: reply})
	return <-reply
}

func (t *tableOfContents) close() error {
	t.updates <- updatehandler.StopSignal()
	t.handler.StopFlushWorker()
	if err := t.handler.WaitWorkersStop(); err != nil {
		return err
	}
	return t.wal.Close()
}

func main() {
	baseDir, err := os.MkdirTemp("", "enginedemo-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "create workdir:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	toc, err := openTableOfContents(baseDir)
	if err != nil {
		log.Error("enginedemo: failed to open", zap.Error(err))
		os.Exit(1)
	}

	points := map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0, 0, 1, 0},
		4: {1, 1, 0, 0},
	}
	for n, vec := range points {
		id := pointid.FromNum(n)
		op := wal.UpsertPoint(id, segment.NamedVectors{"default": vec}, payloadstorage.Payload{"n": float64(n)})
		if err := toc.submit(op); err != nil {
			log.Error("enginedemo: upsert failed", zap.Uint64("id", n), zap.Error(err))
		}
	}
	if err := toc.submit(wal.DeletePoint(pointid.FromNum(2))); err != nil {
		log.Error("enginedemo: delete failed", zap.Error(err))
	}

	var results []uint64
	for _, sid := range toc.holder.IDs() {
		ls, ok := toc.holder.Get(sid)
		if !ok {
			continue
		}
		scored, err := ls.Get().Search(context.Background(), "default", []float32{1, 1, 0, 0}, nil, 3, nil)
		if err != nil {
			log.Error("enginedemo: search failed", zap.Error(err))
			continue
		}
		for _, sp := range scored {
			if n, ok := sp.ID.Num(); ok {
				results = append(results, n)
			}
		}
	}
	log.Info("enginedemo: search results", zap.Uint64s("ids", results))

	if err := toc.close(); err != nil {
		log.Error("enginedemo: shutdown error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("enginedemo: shut down cleanly")
}
