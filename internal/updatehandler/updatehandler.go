// Package updatehandler implements spec.md §4.9's three-worker pipeline:
// an update worker applies WAL-ordered operations to the segment holder, an
// optimizer worker schedules and tracks optimization passes, and a flush
// worker periodically flushes segments and truncates the WAL. Grounded on
// original_source's update_handler.rs, with goroutine/channel wiring and
// graceful-shutdown style (context.CancelFunc + sync.WaitGroup) following
// milvus's internal/datanode/data_sync_service.go.
package updatehandler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentcore/engine/internal/log"
	"github.com/segmentcore/engine/internal/merr"
	"github.com/segmentcore/engine/internal/optimizer"
	"github.com/segmentcore/engine/internal/segmentholder"
	"github.com/segmentcore/engine/internal/wal"
	"go.uber.org/zap"
)

// OperationData is one request for the update worker: apply operation under
// op_num, optionally flushing the WAL first and replying with the result.
type OperationData struct {
	OpNum     uint64
	Operation wal.Operation
	Wait      bool
	Reply     chan<- error
}

type updateKind uint8

const (
	updateKindOperation updateKind = iota
	updateKindStop
	updateKindNop
	updateKindPlunger
)

// UpdateSignal is the update worker's inbox message, per update_handler.rs's
// UpdateSignal enum.
type UpdateSignal struct {
	kind         updateKind
	data         OperationData
	plungerReply chan<- struct{}
}

// OperationSignal requests applying data.Operation under data.OpNum.
func OperationSignal(data OperationData) UpdateSignal {
	return UpdateSignal{kind: updateKindOperation, data: data}
}

// StopSignal asks the update worker (and transitively the optimizer worker)
// to stop.
func StopSignal() UpdateSignal { return UpdateSignal{kind: updateKindStop} }

// NopSignal nudges the optimizer worker to re-examine optimization
// conditions without a new operation.
func NopSignal() UpdateSignal { return UpdateSignal{kind: updateKindNop} }

// PlungerSignal replies on reply once every update queued ahead of it has
// been applied, per update_handler.rs's Plunger signal.
func PlungerSignal(reply chan<- struct{}) UpdateSignal {
	return UpdateSignal{kind: updateKindPlunger, plungerReply: reply}
}

type optimizerKind uint8

const (
	optimizerSignalOperation optimizerKind = iota
	optimizerSignalStop
	optimizerSignalNop
)

type optimizerSignal struct {
	kind  optimizerKind
	opNum uint64
}

// optimizationHandle tracks one running optimization pass, mirroring
// spawn_stoppable's StoppableTaskHandle.
type optimizationHandle struct {
	name    string
	stopped *atomic.Bool
	done    chan struct{}
	changed bool
	err     error
}

func (h *optimizationHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// stop requests cancellation and returns the channel that closes once the
// task has actually exited.
func (h *optimizationHandle) stop() <-chan struct{} {
	h.stopped.Store(true)
	return h.done
}

// UpdateHandler owns the three workers and the bookkeeping for in-flight
// optimization tasks.
type UpdateHandler struct {
	wal        *wal.Log
	segments   *segmentholder.SegmentHolder
	optimizers []optimizer.SegmentOptimizer

	flushIntervalSec       int
	maxOptimizationThreads int
	optimizeQueueSize      int

	wg        sync.WaitGroup
	flushStop chan struct{}
	stopOnce  sync.Once
	fatalStop atomic.Bool

	handlesMu sync.Mutex
	handles   []*optimizationHandle
}

// New builds an UpdateHandler. optimizeQueueSize bounds the internal
// optimizer-signal channel, mirroring spec.md §5's bounded update queue.
func New(walLog *wal.Log, segments *segmentholder.SegmentHolder, optimizers []optimizer.SegmentOptimizer, flushIntervalSec, maxOptimizationThreads, optimizeQueueSize int) *UpdateHandler {
	if optimizeQueueSize <= 0 {
		optimizeQueueSize = 16
	}
	return &UpdateHandler{
		wal:                    walLog,
		segments:               segments,
		optimizers:             optimizers,
		flushIntervalSec:       flushIntervalSec,
		maxOptimizationThreads: maxOptimizationThreads,
		optimizeQueueSize:      optimizeQueueSize,
	}
}

// RunWorkers starts the update, optimizer, and flush workers. updateCh is
// owned by the caller, who sends UpdateSignal values and eventually sends
// StopSignal to wind everything down.
func (h *UpdateHandler) RunWorkers(updateCh <-chan UpdateSignal) {
	optimizeCh := make(chan optimizerSignal, h.optimizeQueueSize)
	h.flushStop = make(chan struct{})

	h.wg.Add(3)
	go h.optimizerWorker(optimizeCh)
	go h.updateWorker(updateCh, optimizeCh)
	go h.flushWorker()
}

// StopFlushWorker signals the flush worker to exit on its next wakeup
// without waiting for that to happen.
func (h *UpdateHandler) StopFlushWorker() {
	h.stopOnce.Do(func() {
		if h.flushStop != nil {
			close(h.flushStop)
		}
	})
}

// WaitWorkersStop awaits the three long-lived workers, then every
// outstanding optimization task, returning the first non-cancellation error
// encountered (if any) — mirroring update_handler.rs's wait_workers_stops.
func (h *UpdateHandler) WaitWorkersStop() error {
	h.wg.Wait()

	h.handlesMu.Lock()
	handles := h.handles
	h.handles = nil
	h.handlesMu.Unlock()

	var firstErr error
	for _, handle := range handles {
		<-handle.stop()
		if handle.err != nil && !errors.Is(handle.err, merr.ErrCancelled) && firstErr == nil {
			firstErr = handle.err
		}
	}
	return firstErr
}

func (h *UpdateHandler) updateWorker(updateCh <-chan UpdateSignal, optimizeCh chan optimizerSignal) {
	defer h.wg.Done()
	for sig := range updateCh {
		switch sig.kind {
		case updateKindOperation:
			h.handleOperation(sig.data, optimizeCh)
		case updateKindStop:
			optimizeCh <- optimizerSignal{kind: optimizerSignalStop}
			return
		case updateKindNop:
			optimizeCh <- optimizerSignal{kind: optimizerSignalNop}
		case updateKindPlunger:
			if sig.plungerReply != nil {
				close(sig.plungerReply)
			}
		}
	}
	// Sender side was closed without an explicit Stop.
	optimizeCh <- optimizerSignal{kind: optimizerSignalStop}
}

func (h *UpdateHandler) handleOperation(data OperationData, optimizeCh chan<- optimizerSignal) {
	var err error
	if data.Wait {
		if ferr := h.wal.Flush(); ferr != nil {
			err = merr.Wrap(merr.ErrServiceError, ferr, fmt.Sprintf("flush wal before operation %d", data.OpNum))
		}
	}
	if err == nil {
		err = ApplyOperation(h.segments, data.OpNum, data.Operation)
		if err != nil {
			h.segments.MarkFailedOperation(data.OpNum)
		} else {
			h.segments.ClearFailedOperation(data.OpNum)
		}
	}
	if err == nil {
		optimizeCh <- optimizerSignal{kind: optimizerSignalOperation, opNum: data.OpNum}
	}
	if data.Reply != nil {
		select {
		case data.Reply <- err:
		default:
			log.Info("update handler: dropped result, operation no longer awaited", zap.Uint64("op_num", data.OpNum))
		}
	}
}

func (h *UpdateHandler) optimizerWorker(ch chan optimizerSignal) {
	defer h.wg.Done()
	for sig := range ch {
		if h.fatalStop.Load() {
			return
		}
		switch sig.kind {
		case optimizerSignalStop:
			return
		case optimizerSignalOperation, optimizerSignalNop:
			if sig.kind == optimizerSignalOperation && h.runningHandles() >= h.maxOptimizationThreads {
				h.reapHandles()
				continue
			}
			if err := h.tryRecover(); err != nil {
				continue
			}
			h.processOptimization(ch)
		}
	}
}

// tryRecover replays the WAL from the lowest failed op_num and reapplies
// each operation, per update_handler.rs's try_recover.
func (h *UpdateHandler) tryRecover() error {
	first, ok := h.segments.MinFailedOperation()
	if !ok {
		return nil
	}
	var applyErr error
	if err := h.wal.Read(first, func(opNum uint64, op wal.Operation) bool {
		if err := ApplyOperation(h.segments, opNum, op); err != nil {
			applyErr = err
			return false
		}
		h.segments.ClearFailedOperation(opNum)
		return true
	}); err != nil {
		return err
	}
	return applyErr
}

// processOptimization launches a pass of every optimizer's CheckCondition
// loop and folds the resulting handles into the tracked set.
func (h *UpdateHandler) processOptimization(optimizeCh chan<- optimizerSignal) {
	newHandles := h.launchOptimization(optimizeCh)
	h.handlesMu.Lock()
	h.handles = retainUnfinished(append(h.handles, newHandles...))
	h.handlesMu.Unlock()
}

// launchOptimization repeatedly calls CheckCondition on each optimizer,
// excluding ids already scheduled this pass, spawning one task per nonempty
// candidate set. Mirrors update_handler.rs's launch_optimization.
func (h *UpdateHandler) launchOptimization(optimizeCh chan<- optimizerSignal) []*optimizationHandle {
	scheduled := map[segmentholder.SegmentId]struct{}{}
	var handles []*optimizationHandle
	for _, opt := range h.optimizers {
		for {
			victims := opt.CheckCondition(h.segments, scheduled)
			if len(victims) == 0 {
				break
			}
			for _, id := range victims {
				scheduled[id] = struct{}{}
			}
			handles = append(handles, h.spawnOptimization(opt, victims, optimizeCh))
		}
	}
	return handles
}

func (h *UpdateHandler) spawnOptimization(opt optimizer.SegmentOptimizer, victims []segmentholder.SegmentId, optimizeCh chan<- optimizerSignal) *optimizationHandle {
	handle := &optimizationHandle{name: opt.Name(), stopped: &atomic.Bool{}, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		changed, err := opt.Optimize(h.segments, victims, handle.stopped)
		handle.changed = changed
		handle.err = err
		if err != nil {
			if errors.Is(err, merr.ErrCancelled) {
				log.Debug("update handler: optimization cancelled", zap.String("optimizer", opt.Name()))
			} else {
				// The first fatal optimizer error can't be handled by a
				// caller — it is only recoverable by a full restart, so the
				// optimizer worker stops rather than risk operating on a
				// segment set an optimization left half-rewritten.
				h.segments.ReportOptimizerError(err)
				log.Error("update handler: optimization failed, stopping optimizer worker", zap.String("optimizer", opt.Name()), zap.Error(err))
				h.fatalStop.Store(true)
			}
		}
		// If the receiver is gone or the channel is full, some other
		// signal will trigger the next optimization pass.
		select {
		case optimizeCh <- optimizerSignal{kind: optimizerSignalNop}:
		default:
		}
	}()
	return handle
}

func (h *UpdateHandler) runningHandles() int {
	h.handlesMu.Lock()
	defer h.handlesMu.Unlock()
	n := 0
	for _, handle := range h.handles {
		if !handle.finished() {
			n++
		}
	}
	return n
}

func (h *UpdateHandler) reapHandles() {
	h.handlesMu.Lock()
	h.handles = retainUnfinished(h.handles)
	h.handlesMu.Unlock()
}

func retainUnfinished(handles []*optimizationHandle) []*optimizationHandle {
	out := handles[:0]
	for _, handle := range handles {
		if !handle.finished() {
			out = append(out, handle)
		}
	}
	return out
}

func (h *UpdateHandler) flushWorker() {
	defer h.wg.Done()
	interval := time.Duration(h.flushIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-h.flushStop:
			log.Debug("update handler: stopping flush worker")
			return
		}

		done := make(chan error, 1)
		h.wal.FlushAsync(func(err error) { done <- err })
		if err := <-done; err != nil {
			log.Error("update handler: failed to flush wal", zap.Error(err))
			h.segments.ReportOptimizerError(err)
			continue
		}

		confirmed, err := h.flushSegments()
		if err != nil {
			log.Error("update handler: failed to flush segments", zap.Error(err))
			h.segments.ReportOptimizerError(err)
			continue
		}
		if err := h.wal.Ack(confirmed); err != nil {
			h.segments.ReportOptimizerError(err)
		}
	}
}

// flushSegments returns the op_num safe to truncate the WAL at: the
// durable flush watermark, clamped down to the lowest still-failed
// operation so a not-yet-recovered failure's WAL entry is never discarded.
func (h *UpdateHandler) flushSegments() (uint64, error) {
	flushed, err := h.segments.FlushAll(false)
	if err != nil {
		return 0, err
	}
	confirmed := flushed
	if first, ok := h.segments.MinFailedOperation(); ok && first < confirmed {
		confirmed = first
	}
	return confirmed, nil
}
