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

package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

// MemoryBackend is the shared state behind MemoryStore handles. Hosts sharing
// one backend cooperate as if they used the same durable store.
type MemoryBackend struct {
	mu sync.Mutex

	leaseStore      bool
	checkpointStore bool

	// order keeps the scan order stable (creation order).
	order       []string
	leases      map[string]*Lease
	checkpoints map[string]*Checkpoint
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leases:      map[string]*Lease{},
		checkpoints: map[string]*Checkpoint{},
	}
}

// MemoryStore implements Store in memory on behalf of one host.
type MemoryStore struct {
	backend       *MemoryBackend
	hostName      string
	leaseDuration time.Duration
	renewInterval time.Duration
	clock         func() time.Time
	log           logger.Logger
}

func NewMemoryStore(backend *MemoryBackend, cfg *config.HostConfiguration) *MemoryStore {
	return &MemoryStore{
		backend:       backend,
		hostName:      cfg.HostName,
		leaseDuration: cfg.LeaseDuration(),
		renewInterval: cfg.LeaseRenewInterval(),
		clock:         time.Now,
		log:           cfg.Logger,
	}
}

// WithClock replaces the clock used to compute lease timeouts.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) LeaseRenewInterval() time.Duration { return m.renewInterval }
func (m *MemoryStore) LeaseDuration() time.Duration      { return m.leaseDuration }

func (m *MemoryStore) StoreExists(ctx context.Context) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	return m.backend.leaseStore, nil
}

func (m *MemoryStore) CreateStoreIfNotExists(ctx context.Context) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	if m.backend.leaseStore {
		return false, nil
	}
	m.backend.leaseStore = true
	return true, nil
}

func (m *MemoryStore) GetLease(ctx context.Context, partitionID string) (*Lease, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	if l, ok := m.backend.leases[partitionID]; ok {
		return l.Copy(), nil
	}
	return nil, nil
}

func (m *MemoryStore) GetAllLeases(ctx context.Context) ([]LeaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	results := make([]LeaseResult, 0, len(m.backend.order))
	for _, id := range m.backend.order {
		results = append(results, LeaseResult{Lease: m.backend.leases[id].Copy()})
	}
	return results, nil
}

func (m *MemoryStore) CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*Lease, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	if l, ok := m.backend.leases[partitionID]; ok {
		return l.Copy(), nil
	}
	l := NewLease(partitionID)
	m.backend.leases[partitionID] = l
	m.backend.order = append(m.backend.order, partitionID)
	return l.Copy(), nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, lease *Lease) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	stored, ok := m.backend.leases[lease.PartitionID]
	if !ok {
		return false, ErrLeaseNotFound
	}

	now := m.clock()
	if !stored.OwnedBy(m.hostName) && !stored.IsExpiredAt(now) {
		m.log.Debugf("Lease %s is held by %s until %s", stored.PartitionID, stored.Owner, stored.LeaseTimeout)
		return false, nil
	}

	m.take(stored, lease, now)
	return true, nil
}

func (m *MemoryStore) StealLease(ctx context.Context, lease *Lease) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	stored, ok := m.backend.leases[lease.PartitionID]
	if !ok {
		return false, ErrLeaseNotFound
	}

	if stored.Owner != lease.Owner || stored.Token != lease.Token {
		return false, nil
	}

	m.take(stored, lease, m.clock())
	return true, nil
}

// take assigns stored to this host and mirrors the result into lease. Caller holds the lock.
func (m *MemoryStore) take(stored, lease *Lease, now time.Time) {
	if lease.Epoch > stored.Epoch {
		stored.Epoch = lease.Epoch
	}
	stored.IncrementEpoch()
	stored.Owner = m.hostName
	stored.Token = utils.MustNewUUID()
	stored.LeaseTimeout = now.Add(m.leaseDuration)
	*lease = *stored.Copy()
}

func (m *MemoryStore) heldBySelf(lease *Lease) (*Lease, bool) {
	stored, ok := m.backend.leases[lease.PartitionID]
	if !ok || !stored.OwnedBy(m.hostName) || stored.Token != lease.Token {
		return nil, false
	}
	return stored, true
}

func (m *MemoryStore) RenewLease(ctx context.Context, lease *Lease) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	stored, ok := m.heldBySelf(lease)
	if !ok {
		return false, nil
	}
	stored.LeaseTimeout = m.clock().Add(m.leaseDuration)
	*lease = *stored.Copy()
	return true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, lease *Lease) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	stored, ok := m.heldBySelf(lease)
	if !ok {
		return false, nil
	}
	stored.Owner = ""
	stored.Token = ""
	stored.LeaseTimeout = time.Time{}
	*lease = *stored.Copy()
	return true, nil
}

func (m *MemoryStore) UpdateLease(ctx context.Context, lease *Lease) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	stored, ok := m.heldBySelf(lease)
	if !ok {
		return false, &LeaseLostError{PartitionID: lease.PartitionID}
	}
	stored.LeaseTimeout = m.clock().Add(m.leaseDuration)
	stored.Payload = lease.Payload
	*lease = *stored.Copy()
	return true, nil
}

func (m *MemoryStore) DeleteLease(ctx context.Context, lease *Lease) error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	if _, ok := m.backend.leases[lease.PartitionID]; !ok {
		return nil
	}
	delete(m.backend.leases, lease.PartitionID)
	for i, id := range m.backend.order {
		if id == lease.PartitionID {
			m.backend.order = append(m.backend.order[:i], m.backend.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) CheckpointStoreExists(ctx context.Context) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	return m.backend.checkpointStore, nil
}

func (m *MemoryStore) CreateCheckpointStoreIfNotExists(ctx context.Context) (bool, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	if m.backend.checkpointStore {
		return false, nil
	}
	m.backend.checkpointStore = true
	return true, nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	return m.initializedCheckpoint(partitionID), nil
}

func (m *MemoryStore) initializedCheckpoint(partitionID string) *Checkpoint {
	cp, ok := m.backend.checkpoints[partitionID]
	if !ok || !cp.IsInitialized() {
		return nil
	}
	c := *cp
	return &c
}

func (m *MemoryStore) CreateCheckpointIfNotExists(ctx context.Context, partitionID string) (*Checkpoint, error) {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	if _, ok := m.backend.checkpoints[partitionID]; !ok {
		m.backend.checkpoints[partitionID] = NewCheckpoint(partitionID)
	}
	return m.initializedCheckpoint(partitionID), nil
}

func (m *MemoryStore) UpdateCheckpoint(ctx context.Context, lease *Lease, checkpoint *Checkpoint) error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()

	stored, ok := m.heldBySelf(lease)
	if !ok {
		return &LeaseLostError{PartitionID: lease.PartitionID}
	}
	stored.LeaseTimeout = m.clock().Add(m.leaseDuration)
	*lease = *stored.Copy()

	m.backend.checkpoints[checkpoint.PartitionID] = &Checkpoint{
		PartitionID:    checkpoint.PartitionID,
		Offset:         checkpoint.Offset,
		SequenceNumber: checkpoint.SequenceNumber,
	}
	return nil
}

func (m *MemoryStore) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	delete(m.backend.checkpoints, partitionID)
	return nil
}
