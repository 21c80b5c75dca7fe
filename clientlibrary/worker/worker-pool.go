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
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
)

// WorkerPool tracks at most one PartitionWorker per partition.
type WorkerPool struct {
	workers   *xsync.Map[string, *PartitionWorker]
	newWorker func(lease *chk.Lease) *PartitionWorker
}

func NewWorkerPool(newWorker func(lease *chk.Lease) *PartitionWorker) *WorkerPool {
	return &WorkerPool{
		workers:   xsync.NewMap[string, *PartitionWorker](),
		newWorker: newWorker,
	}
}

// EnsureRunning starts a worker for the lease's partition unless one is tracked
// already, in which case that worker only receives the refreshed lease.
func (p *WorkerPool) EnsureRunning(lease *chk.Lease) *PartitionWorker {
	if w, ok := p.workers.Load(lease.PartitionID); ok {
		w.SetLease(lease)
		return w
	}

	candidate := p.newWorker(lease)
	w, loaded := p.workers.LoadOrStore(lease.PartitionID, candidate)
	if loaded {
		candidate.cancelRun()
		w.SetLease(lease)
		return w
	}

	// nothing else can be stored under this id until the worker removed itself
	w.onClosed = func() { p.workers.Delete(w.partitionID) }
	go w.start()
	return w
}

// Get returns the tracked worker of a partition.
func (p *WorkerPool) Get(partitionID string) (*PartitionWorker, bool) {
	return p.workers.Load(partitionID)
}

// Stop shuts the partition's worker down. Unknown partitions are a no-op.
// The returned channel is closed once the worker reached CLOSED.
func (p *WorkerPool) Stop(partitionID string, reason interfaces.ShutdownReason) <-chan struct{} {
	w, ok := p.workers.Load(partitionID)
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	return w.Shutdown(reason)
}

// StopAll stops every tracked worker. The returned channel is closed once all of them closed.
func (p *WorkerPool) StopAll(reason interfaces.ShutdownReason) <-chan struct{} {
	var g errgroup.Group
	p.workers.Range(func(_ string, w *PartitionWorker) bool {
		done := w.Shutdown(reason)
		g.Go(func() error {
			<-done
			return nil
		})
		return true
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	return done
}

// PartitionIDs returns the tracked partitions, sorted.
func (p *WorkerPool) PartitionIDs() []string {
	ids := make([]string, 0, p.workers.Size())
	p.workers.Range(func(id string, _ *PartitionWorker) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

func (p *WorkerPool) Size() int {
	return p.workers.Size()
}
