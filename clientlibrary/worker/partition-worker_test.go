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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
)

func acquiredLease(t *testing.T, h *testHost, partitionID string) *chk.Lease {
	ctx := context.Background()
	lease, err := h.store.CreateLeaseIfNotExists(ctx, partitionID)
	require.Nil(t, err)
	_, err = h.store.CreateCheckpointIfNotExists(ctx, partitionID)
	require.Nil(t, err)
	ok, err := h.store.AcquireLease(ctx, lease)
	require.Nil(t, err)
	require.True(t, ok)
	return lease
}

func runningWorker(t *testing.T, h *testHost, partitionID string) *PartitionWorker {
	w := h.coordinator.pool.EnsureRunning(acquiredLease(t, h, partitionID))
	require.Eventually(t, func() bool { return w.State() == RUNNING }, waitFor, tick)
	return w
}

func events(from, to int64) []*interfaces.EventData {
	var batch []*interfaces.EventData
	for seq := from; seq <= to; seq++ {
		batch = append(batch, &interfaces.EventData{
			Body:           []byte("event"),
			Offset:         fmt.Sprintf("%d", seq*100),
			SequenceNumber: seq,
		})
	}
	return batch
}

func TestShutdownReleasesLease(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	w := runningWorker(t, h, "p0")

	<-w.Shutdown(interfaces.SHUTDOWN)
	assert.Equal(t, CLOSED, w.State())
	assert.True(t, h.source.receiver("p0").closed.Load())

	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "", lease.Owner)

	_, _, shutdowns, reason := h.factory.processor("p0").snapshot()
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, interfaces.SHUTDOWN, reason)

	lost, released := h.metrics.counts("p0")
	assert.Equal(t, 0, lost)
	assert.Equal(t, 1, released)
}

func TestLeaseLostKeepsLease(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	w := runningWorker(t, h, "p0")

	<-w.Shutdown(interfaces.LEASE_LOST)
	// later requests neither change the reason nor close twice
	<-w.Shutdown(interfaces.SHUTDOWN)

	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "hostA", lease.Owner)

	_, _, shutdowns, reason := h.factory.processor("p0").snapshot()
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, interfaces.LEASE_LOST, reason)

	lost, released := h.metrics.counts("p0")
	assert.Equal(t, 1, lost)
	assert.Equal(t, 0, released)
}

func TestProcessorOpenFailure(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	h.factory.createErr = errors.New("no processor today")

	w := h.coordinator.pool.EnsureRunning(acquiredLease(t, h, "p0"))
	<-w.Done()

	assert.Equal(t, CLOSED, w.State())
	assert.Equal(t, 1, h.exceptions.count(interfaces.ActionOpeningEventProcessor))
	assert.Nil(t, h.source.receiver("p0"))
	assert.Eventually(t, func() bool { return h.coordinator.pool.Size() == 0 }, waitFor, tick)

	// the lease stays so the next scan retries the partition
	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "hostA", lease.Owner)
}

func TestProcessorPanicDuringOpen(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	h.factory.createPanic = true

	w := h.coordinator.pool.EnsureRunning(acquiredLease(t, h, "p0"))
	select {
	case <-w.Done():
	case <-waitTimeout():
		t.Fatal("worker did not close after a panicking open")
	}

	assert.Equal(t, CLOSED, w.State())
	assert.Equal(t, 1, h.exceptions.count(interfaces.ActionOpeningEventProcessor))
	assert.Nil(t, h.source.receiver("p0"))

	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "hostA", lease.Owner)
}

func TestSourceOpenFailure(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	h.source.openErr = errors.New("epoch receiver rejected")

	w := h.coordinator.pool.EnsureRunning(acquiredLease(t, h, "p0"))
	<-w.Done()

	assert.Equal(t, 1, h.exceptions.count(interfaces.ActionOpeningEventSource))
	_, _, shutdowns, _ := h.factory.processor("p0").snapshot()
	assert.Equal(t, 1, shutdowns)

	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "hostA", lease.Owner)
}

func TestSourceErrorClosesWorker(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	w := runningWorker(t, h, "p0")

	h.source.receiver("p0").input.Handler.OnError(errors.New("link detached"))
	<-w.Done()

	_, errs, shutdowns, reason := h.factory.processor("p0").snapshot()
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, interfaces.SHUTDOWN, reason)

	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "", lease.Owner)
}

func TestDeliveryAdvancesPosition(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	w := runningWorker(t, h, "p0")
	handler := h.source.receiver("p0").input.Handler
	p := h.factory.processor("p0")

	handler.OnEvents(events(1, 3))
	offset, seq := w.pctx.Position()
	assert.Equal(t, "300", offset)
	assert.Equal(t, int64(3), seq)

	// empty batches are only delivered when asked for
	handler.OnEvents(nil)
	batches, _, _, _ := p.snapshot()
	assert.Equal(t, 1, batches)

	// a stale batch is processed but does not move the position back
	handler.OnEvents(events(2, 2))
	_, seq = w.pctx.Position()
	assert.Equal(t, int64(3), seq)

	p.mu.Lock()
	p.processErr = errors.New("bad batch")
	p.mu.Unlock()
	handler.OnEvents(events(4, 5))
	_, seq = w.pctx.Position()
	assert.Equal(t, int64(3), seq)
	_, errs, _, _ := p.snapshot()
	assert.Equal(t, 1, errs)

	require.Nil(t, w.pctx.Checkpoint(ctx))
	cp, _ := h.store.GetCheckpoint(ctx, "p0")
	assert.Equal(t, int64(3), cp.SequenceNumber)

	<-w.Shutdown(interfaces.SHUTDOWN)

	// a new worker resumes after the checkpoint
	w = runningWorker(t, h, "p0")
	p = h.factory.processor("p0")
	p.mu.Lock()
	assert.Equal(t, "300", p.start.Offset)
	p.mu.Unlock()
	<-w.Shutdown(interfaces.SHUTDOWN)
}

func TestDeliveryAndCloseAreExclusive(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	h.factory.configure = func(p *fakeProcessor) { p.delay = time.Millisecond }
	w := runningWorker(t, h, "p0")
	handler := h.source.receiver("p0").input.Handler

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				seq := int64(i*5 + j + 1)
				handler.OnEvents(events(seq, seq))
			}
		}(i)
	}
	time.Sleep(5 * time.Millisecond)
	<-w.Shutdown(interfaces.SHUTDOWN)
	wg.Wait()

	p := h.factory.processor("p0")
	assert.Equal(t, int32(1), p.maxInFlight.Load())
	p.mu.Lock()
	assert.Equal(t, 0, p.eventsAfterShutdown)
	p.mu.Unlock()
}

func TestShutdownInterruptsOpen(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA")
	block := make(chan struct{})
	h.coordinator.source = &blockingSource{fakeSource: h.source, block: block}

	w := h.coordinator.pool.EnsureRunning(acquiredLease(t, h, "p0"))
	assert.Eventually(t, func() bool { return w.State() == OPENING }, waitFor, tick)

	select {
	case <-w.Shutdown(interfaces.SHUTDOWN):
	case <-waitTimeout():
		t.Fatal("shutdown waited for a stuck open")
	}
	close(block)

	// an interrupted open is not a failed one, the lease is handed back
	assert.Equal(t, 0, h.exceptions.count(interfaces.ActionOpeningEventSource))
	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "", lease.Owner)

	_, _, shutdowns, _ := h.factory.processor("p0").snapshot()
	assert.Equal(t, 1, shutdowns)
}

// blockingSource never completes Open unless its context is cancelled.
type blockingSource struct {
	*fakeSource
	block chan struct{}
}

func (s *blockingSource) Open(ctx context.Context, input *interfaces.OpenInput) (interfaces.IReceiver, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.block:
		return s.fakeSource.Open(ctx, input)
	}
}
