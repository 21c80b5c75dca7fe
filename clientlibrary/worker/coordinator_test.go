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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
)

func TestSingleHostAcquiresAllPartitions(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA", "p0", "p1", "p2")

	require.Nil(t, h.coordinator.initialize(context.Background()))
	for _, id := range []string{"p0", "p1", "p2"} {
		lease, _ := h.store.GetLease(context.Background(), id)
		assert.Equal(t, "", lease.Owner)
		assert.Equal(t, int64(0), lease.Epoch)
	}

	h.coordinator.runIteration(context.Background())
	for _, id := range []string{"p0", "p1", "p2"} {
		lease, _ := h.store.GetLease(context.Background(), id)
		assert.Equal(t, "hostA", lease.Owner)
		assert.Equal(t, int64(1), lease.Epoch)
	}
	assert.Eventually(t, func() bool { return h.runningCount() == 3 }, waitFor, tick)

	// a second scan renews and keeps the same workers
	h.coordinator.runIteration(context.Background())
	assert.Equal(t, 3, h.factory.createdCount())
	lease, _ := h.store.GetLease(context.Background(), "p0")
	assert.Equal(t, int64(1), lease.Epoch)

	h.coordinator.Shutdown()
	assert.Equal(t, 0, h.coordinator.pool.Size())
	for id, owner := range h.owners(t) {
		assert.Equal(t, "", owner, id)
		_, _, shutdowns, reason := h.factory.processor(id).snapshot()
		assert.Equal(t, 1, shutdowns)
		assert.Equal(t, interfaces.SHUTDOWN, reason)
	}
	<-h.coordinator.Done()
}

func TestContendedAcquireLeavesLeaseAlone(t *testing.T) {
	ctx := context.Background()
	backend := chk.NewMemoryBackend()
	hostA := newTestHost(t, backend, "hostA", "p0")
	hostB := newTestHost(t, backend, "hostB", "p0")

	lease, err := hostA.store.CreateLeaseIfNotExists(ctx, "p0")
	require.Nil(t, err)
	for i := 0; i < 4; i++ {
		ok, err := hostA.store.AcquireLease(ctx, lease)
		require.Nil(t, err)
		require.True(t, ok)
	}
	require.Equal(t, int64(4), lease.Epoch)

	observed, _ := hostB.store.GetLease(ctx, "p0")
	ok, err := hostB.store.AcquireLease(ctx, observed)
	assert.Nil(t, err)
	assert.False(t, ok)

	hostB.start(t)
	stored, _ := hostB.store.GetLease(ctx, "p0")
	assert.Equal(t, "hostA", stored.Owner)
	assert.Equal(t, int64(4), stored.Epoch)
	assert.Equal(t, 0, hostB.coordinator.pool.Size())
}

func TestTwoHostsConvergeOneStealPerIteration(t *testing.T) {
	backend := chk.NewMemoryBackend()
	partitions := []string{"p0", "p1", "p2", "p3"}
	hostA := newTestHost(t, backend, "hostA", partitions...)
	hostB := newTestHost(t, backend, "hostB", partitions...)

	hostA.start(t)
	assert.Equal(t, 4, countOwned(hostA.owners(t), "hostA"))

	require.Nil(t, hostB.coordinator.initialize(context.Background()))
	hostB.coordinator.runIteration(context.Background())
	owners := hostA.owners(t)
	assert.Equal(t, 3, countOwned(owners, "hostA"))
	assert.Equal(t, 1, countOwned(owners, "hostB"))

	hostB.coordinator.runIteration(context.Background())
	owners = hostA.owners(t)
	assert.Equal(t, 2, countOwned(owners, "hostA"))
	assert.Equal(t, 2, countOwned(owners, "hostB"))

	// balanced, nothing moves any more
	hostB.coordinator.runIteration(context.Background())
	hostA.coordinator.runIteration(context.Background())
	assert.Equal(t, owners, hostA.owners(t))

	stolen, _ := hostA.store.GetLease(context.Background(), "p0")
	assert.Equal(t, "hostB", stolen.Owner)
	assert.Equal(t, int64(2), stolen.Epoch)

	// hostA dropped the workers of the stolen partitions without releasing them
	assert.Eventually(t, func() bool { return hostA.coordinator.pool.Size() == 2 }, waitFor, tick)
	for _, id := range []string{"p0", "p1"} {
		_, _, shutdowns, reason := hostA.factory.processor(id).snapshot()
		assert.Equal(t, 1, shutdowns)
		assert.Equal(t, interfaces.LEASE_LOST, reason)
	}
	assert.Equal(t, owners, hostA.owners(t))
	assert.Eventually(t, func() bool { return hostB.runningCount() == 2 }, waitFor, tick)

	hostA.coordinator.Shutdown()
	hostB.coordinator.Shutdown()
}

// flakyStore fails selected operations of an otherwise working memory store.
type flakyStore struct {
	*chk.MemoryStore
	scanErr        bool
	renewFailOn    string
	panicOnScan    bool
	panicOnAcquire bool
}

func (s *flakyStore) GetAllLeases(ctx context.Context) ([]chk.LeaseResult, error) {
	if s.panicOnScan {
		panic("out of memory")
	}
	results, err := s.MemoryStore.GetAllLeases(ctx)
	if s.scanErr {
		results = append(results, chk.LeaseResult{Err: errors.New("corrupt row")})
	}
	return results, err
}

func (s *flakyStore) AcquireLease(ctx context.Context, lease *chk.Lease) (bool, error) {
	if s.panicOnAcquire {
		panic("nil session")
	}
	return s.MemoryStore.AcquireLease(ctx, lease)
}

func (s *flakyStore) RenewLease(ctx context.Context, lease *chk.Lease) (bool, error) {
	if lease.PartitionID == s.renewFailOn {
		return false, errors.New("throttled")
	}
	return s.MemoryStore.RenewLease(ctx, lease)
}

func newFlakyHost(t *testing.T, partitions ...string) (*testHost, *flakyStore) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA", partitions...)
	store := &flakyStore{MemoryStore: h.store}
	h.coordinator = NewPartitionCoordinator(h.coordinator.hostConfig, store, store, h.source, h.factory)
	return h, store
}

func TestLeaseErrorsAreSkipped(t *testing.T) {
	h, store := newFlakyHost(t, "p0", "p1", "p2")
	h.start(t)
	assert.Eventually(t, func() bool { return h.runningCount() == 3 }, waitFor, tick)

	store.renewFailOn = "p1"
	h.coordinator.runIteration(context.Background())
	assert.Equal(t, 1, h.exceptions.count(interfaces.ActionCheckingLeases))

	// the worker of the skipped partition keeps running
	w, ok := h.coordinator.pool.Get("p1")
	require.True(t, ok)
	assert.Equal(t, RUNNING, w.State())
	assert.Equal(t, 3, h.coordinator.pool.Size())

	store.renewFailOn = ""
	store.scanErr = true
	h.coordinator.runIteration(context.Background())
	assert.Equal(t, 2, h.exceptions.count(interfaces.ActionCheckingLeases))
	assert.Equal(t, 3, h.runningCount())

	h.coordinator.Shutdown()
}

func TestLoopPanicShutsDownCoordinator(t *testing.T) {
	h, store := newFlakyHost(t, "p0")
	store.panicOnScan = true

	require.Nil(t, h.coordinator.Start(context.Background()))
	select {
	case <-h.coordinator.Done():
	case <-waitTimeout():
		t.Fatal("coordinator did not stop after a panic")
	}
	assert.Equal(t, 1, h.exceptions.count(interfaces.ActionPartitionManagerLoop))

	// Shutdown after the loop died is a no-op
	h.coordinator.Shutdown()
}

func TestLeaseEvaluationPanicShutsDownCoordinator(t *testing.T) {
	h, store := newFlakyHost(t, "p0", "p1")
	store.panicOnAcquire = true

	require.Nil(t, h.coordinator.Start(context.Background()))
	select {
	case <-h.coordinator.Done():
	case <-waitTimeout():
		t.Fatal("coordinator did not stop after a panic in a lease evaluation")
	}
	assert.Equal(t, 1, h.exceptions.count(interfaces.ActionPartitionManagerLoop))
	assert.Equal(t, 0, h.coordinator.pool.Size())

	h.coordinator.Shutdown()
}

func TestExpiryFollowsInjectedClock(t *testing.T) {
	backend := chk.NewMemoryBackend()
	hostA := newTestHost(t, backend, "hostA", "p0")
	hostA.start(t)
	require.Equal(t, "hostA", hostA.owners(t)["p0"])

	// hostB runs an hour ahead, so hostA's lease has expired for it
	later := func() time.Time { return time.Now().Add(time.Hour) }
	hostB := newTestHost(t, backend, "hostB", "p0")
	hostB.store.WithClock(later)
	hostB.coordinator.WithClock(later)
	hostB.start(t)

	assert.Equal(t, "hostB", hostB.owners(t)["p0"])
	assert.Eventually(t, func() bool { return hostB.runningCount() == 1 }, waitFor, tick)

	hostA.coordinator.Shutdown()
	hostB.coordinator.Shutdown()
}

func TestInitializationRetries(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA", "p0", "p1")
	h.source.idsFailures = 2

	require.Nil(t, h.coordinator.initialize(context.Background()))
	assert.Equal(t, 2, h.exceptions.count(interfaces.ActionGettingPartitionIDs))
	assert.Len(t, h.owners(t), 2)
}

func TestInitializationGivesUp(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA", "p0")
	h.source.idsFailures = -1

	err := h.coordinator.Start(context.Background())
	assert.NotNil(t, err)
	assert.Equal(t, NumInitAttempts, h.exceptions.count(interfaces.ActionGettingPartitionIDs))
	assert.Len(t, h.owners(t), 0)

	select {
	case <-h.coordinator.Done():
		t.Fatal("coordinator loop must not have started")
	default:
	}
}

func TestCoordinatorLoop(t *testing.T) {
	h := newTestHost(t, chk.NewMemoryBackend(), "hostA", "p0", "p1")

	require.Nil(t, h.coordinator.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.runningCount() == 2 }, waitFor, tick)

	h.coordinator.Shutdown()
	<-h.coordinator.Done()
	assert.Equal(t, 0, countOwned(h.owners(t), "hostA"))
}
