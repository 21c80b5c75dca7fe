/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	par "github.com/vmware/vmware-go-eph/clientlibrary/partition"
	"github.com/vmware/vmware-go-eph/logger"
)

// WorkerState is the lifecycle state of a PartitionWorker.
type WorkerState int32

const (
	UNINITIALIZED WorkerState = iota
	OPENING
	OPEN_FAILED
	RUNNING
	ERRORED
	CLOSING
	CLOSED
)

var workerStateNames = map[WorkerState]string{
	UNINITIALIZED: "UNINITIALIZED",
	OPENING:       "OPENING",
	OPEN_FAILED:   "OPEN_FAILED",
	RUNNING:       "RUNNING",
	ERRORED:       "ERRORED",
	CLOSING:       "CLOSING",
	CLOSED:        "CLOSED",
}

func (s WorkerState) String() string {
	return workerStateNames[s]
}

// PartitionWorker pumps one partition from the event source into one event processor
// while this host owns the partition's lease.
type PartitionWorker struct {
	partitionID     string
	hostConfig      *config.HostConfiguration
	leaseStore      chk.LeaseStore
	checkpointStore chk.CheckpointStore
	source          interfaces.IEventSource
	factory         interfaces.IEventProcessorFactory
	mService        metrics.MonitoringService
	notifier        *notifier
	log             logger.Logger

	state atomic.Int32

	// mux guards lease and pctx, which the coordinator refreshes while the worker runs
	mux   sync.Mutex
	lease *chk.Lease
	pctx  *par.PartitionContext

	processor  interfaces.IEventProcessor
	receiver   interfaces.IReceiver
	// openFailed is set only when the open failed by itself, not because shutdown interrupted it
	openFailed bool

	// processingMux serializes batch delivery and the close hook
	processingMux   sync.Mutex
	processorOpened bool
	processorClosed bool

	// ctx is cancelled when shutdown starts, runCtx once the worker closed
	ctx        context.Context
	cancelOpen context.CancelFunc
	runCtx     context.Context
	cancelRun  context.CancelFunc
	opened     chan struct{}

	shutdownOnce sync.Once
	closed       chan struct{}
	onClosed     func()
}

func newPartitionWorker(c *PartitionCoordinator, lease *chk.Lease) *PartitionWorker {
	runCtx, cancelRun := context.WithCancel(context.Background())
	ctx, cancel := context.WithCancel(runCtx)
	return &PartitionWorker{
		partitionID:     lease.PartitionID,
		hostConfig:      c.hostConfig,
		leaseStore:      c.leaseStore,
		checkpointStore: c.checkpointStore,
		source:          c.source,
		factory:         c.factory,
		mService:        c.mService,
		notifier:        c.notifier,
		log:             logger.ForPartition(c.log, c.hostName, lease.PartitionID),
		lease:           lease.Copy(),
		ctx:             ctx,
		cancelOpen:      cancel,
		runCtx:          runCtx,
		cancelRun:       cancelRun,
		opened:          make(chan struct{}),
		closed:          make(chan struct{}),
	}
}

func (w *PartitionWorker) PartitionID() string {
	return w.partitionID
}

func (w *PartitionWorker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Done is closed once the worker reached CLOSED.
func (w *PartitionWorker) Done() <-chan struct{} {
	return w.closed
}

// Lease returns a copy of the lease the worker was last given.
func (w *PartitionWorker) Lease() *chk.Lease {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.lease.Copy()
}

// SetLease refreshes the lease of a running worker without restarting it.
func (w *PartitionWorker) SetLease(lease *chk.Lease) {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.lease = lease.Copy()
	if w.pctx != nil {
		w.pctx.SetLease(lease)
	}
}

func (w *PartitionWorker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *PartitionWorker) casState(from, to WorkerState) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// start runs the open step. It returns once the worker is RUNNING or the open failed.
func (w *PartitionWorker) start() {
	defer close(w.opened)
	defer func() {
		if r := recover(); r != nil {
			w.openFailure(fmt.Errorf("panic while opening partition worker: %v\n%s", r, debug.Stack()), interfaces.ActionOpeningEventProcessor)
		}
	}()

	if !w.casState(UNINITIALIZED, OPENING) {
		return
	}
	w.log.Infof("Opening partition worker, epoch: %d", w.Lease().Epoch)

	pctx := w.newPartitionContext()

	processor, err := w.factory.CreateProcessor(pctx)
	if err != nil {
		w.openFailure(err, interfaces.ActionOpeningEventProcessor)
		return
	}
	w.processor = processor

	startPosition, err := pctx.StartPosition(w.ctx)
	if err != nil {
		w.openFailure(err, interfaces.ActionOpeningEventProcessor)
		return
	}

	if err := processor.Initialize(w.ctx, &interfaces.InitializationInput{Context: pctx, StartPosition: startPosition}); err != nil {
		w.openFailure(err, interfaces.ActionOpeningEventProcessor)
		return
	}
	w.processingMux.Lock()
	w.processorOpened = true
	w.processingMux.Unlock()

	if err := w.ctx.Err(); err != nil {
		w.openFailure(err, interfaces.ActionOpeningEventSource)
		return
	}

	receiver, err := w.source.Open(w.ctx, &interfaces.OpenInput{
		PartitionID:   w.partitionID,
		Epoch:         pctx.Epoch(),
		StartPosition: startPosition,
		Handler:       &batchHandler{w: w},
	})
	if err != nil {
		w.openFailure(err, interfaces.ActionOpeningEventSource)
		return
	}
	w.receiver = receiver

	if w.casState(OPENING, RUNNING) {
		w.log.Infof("Partition worker is running")
	}
}

func (w *PartitionWorker) newPartitionContext() *par.PartitionContext {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.pctx = par.NewPartitionContext(w.hostConfig, w.checkpointStore, w.lease)
	return w.pctx
}

// openFailure ends an open attempt. A failed open keeps the lease so the next scan can
// restart the worker; an open interrupted by shutdown closes normally.
func (w *PartitionWorker) openFailure(err error, action string) {
	if w.ctx.Err() == nil {
		w.openFailed = true
	}
	w.setState(OPEN_FAILED)
	w.notifier.notify(err, action, w.partitionID)
	w.Shutdown(interfaces.SHUTDOWN)
}

// Shutdown closes the worker asynchronously. Only the first call decides the reason.
// The returned channel is closed once the worker reached CLOSED.
func (w *PartitionWorker) Shutdown(reason interfaces.ShutdownReason) <-chan struct{} {
	w.shutdownOnce.Do(func() {
		w.log.Infof("Shutting down partition worker, reason: %s", reason)
		// a pending open is interrupted
		w.cancelOpen()
		go w.close(reason)
	})
	return w.closed
}

func (w *PartitionWorker) close(reason interfaces.ShutdownReason) {
	defer func() {
		w.cancelRun()
		w.setState(CLOSED)
		w.log.Infof("Partition worker closed")
		if w.onClosed != nil {
			w.onClosed()
		}
		close(w.closed)
	}()

	<-w.opened
	w.setState(CLOSING)

	ctx, cancel := context.WithTimeout(context.Background(), w.hostConfig.CheckpointTimeout())
	defer cancel()

	if w.receiver != nil {
		if err := w.receiver.Close(ctx); err != nil {
			w.notifier.notify(err, interfaces.ActionClosingEventSource, w.partitionID)
		}
	}

	w.processingMux.Lock()
	if w.processorOpened {
		err := w.processor.Shutdown(ctx, &interfaces.ShutdownInput{Context: w.pctx, ShutdownReason: reason})
		if err != nil {
			w.notifier.notify(err, interfaces.ActionClosingEventProcessor, w.partitionID)
		}
	}
	w.processorClosed = true
	w.processingMux.Unlock()

	if w.openFailed {
		return
	}

	if reason == interfaces.LEASE_LOST {
		w.mService.LeaseLost(w.partitionID)
		return
	}
	w.mService.LeaseReleased(w.partitionID)

	lease := w.Lease()
	if w.pctx != nil {
		lease = w.pctx.Lease()
	}
	released, err := w.leaseStore.ReleaseLease(ctx, lease)
	if err != nil {
		w.notifier.notify(err, interfaces.ActionReleasingLease, w.partitionID)
		return
	}
	if released {
		w.log.Infof("Released lease, epoch: %d", lease.Epoch)
	} else {
		w.log.Debugf("Lease was already taken over, nothing to release")
	}
}

func (w *PartitionWorker) deliver(events []*interfaces.EventData) {
	if len(events) == 0 && !w.hostConfig.InvokeProcessorAfterReceiveTimeout {
		return
	}

	w.processingMux.Lock()
	defer w.processingMux.Unlock()

	if !w.processorOpened || w.processorClosed {
		w.log.Debugf("Dropping %d events, processor is not open", len(events))
		return
	}
	if s := w.State(); s != OPENING && s != RUNNING {
		w.log.Debugf("Dropping %d events in state %s", len(events), s)
		return
	}

	start := time.Now()
	err := w.processEvents(events)
	w.mService.RecordProcessEventsTime(w.partitionID, float64(time.Since(start).Milliseconds()))
	if err != nil {
		w.log.Errorf("Failed to process %d events, error: %+v", len(events), err)
		w.processor.OnError(&interfaces.ErrorInput{Context: w.pctx, Err: err})
		return
	}

	if last := interfaces.LastEvent(events); last != nil {
		w.pctx.SetPosition(last)
	}
	w.mService.IncrEventsProcessed(w.partitionID, len(events))
	w.mService.IncrBytesProcessed(w.partitionID, interfaces.BatchBytes(events))
}

// processEvents turns a panicking processor into an error so the pump survives it.
func (w *PartitionWorker) processEvents(events []*interfaces.EventData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
			w.notifier.notify(err, interfaces.ActionDeliveringEvents, w.partitionID)
		}
	}()
	return w.processor.ProcessEvents(w.runCtx, &interfaces.ProcessEventsInput{Context: w.pctx, Events: events})
}

func (w *PartitionWorker) sourceFailed(err error) {
	for {
		s := w.State()
		if s != OPENING && s != RUNNING {
			w.log.Debugf("Ignoring event source error in state %s: %+v", s, err)
			return
		}
		if w.casState(s, ERRORED) {
			break
		}
	}
	w.log.Errorf("Event source failed, error: %+v", err)

	w.processingMux.Lock()
	if w.processorOpened && !w.processorClosed {
		w.processor.OnError(&interfaces.ErrorInput{Context: w.pctx, Err: err})
	}
	w.processingMux.Unlock()

	w.Shutdown(interfaces.SHUTDOWN)
}

// batchHandler receives pushes from the event source receiver.
type batchHandler struct {
	w *PartitionWorker
}

func (h *batchHandler) OnEvents(events []*interfaces.EventData) {
	h.w.deliver(events)
}

func (h *batchHandler) OnError(err error) {
	h.w.sourceFailed(err)
}
