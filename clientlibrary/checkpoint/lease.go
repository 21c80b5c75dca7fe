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
	"time"
)

// Lease is the ownership claim of one host over one partition.
type Lease struct {
	// PartitionID never changes after creation.
	PartitionID string

	// Owner is the host holding the lease, empty when unowned.
	Owner string

	// Token is issued by the store on every acquire or steal. Opaque to callers.
	Token string

	// Epoch increases on every acquire or steal and never decreases.
	Epoch int64

	// LeaseTimeout is the store maintained expiry deadline. Zero means the lease never expires.
	LeaseTimeout time.Time

	// Payload is store private state carried alongside the lease, e.g. a row version.
	Payload interface{}
}

// LeaseSnapshot is a read only view of a lease used for balancing decisions.
type LeaseSnapshot struct {
	PartitionID string
	Owner       string
	Expired     bool
}

// NewLease returns an unowned lease with epoch 0.
func NewLease(partitionID string) *Lease {
	return &Lease{PartitionID: partitionID}
}

// IsExpired reports whether the lease can be acquired without stealing.
func (l *Lease) IsExpired() bool {
	return l.IsExpiredAt(time.Now())
}

// IsExpiredAt is IsExpired against the given clock reading.
func (l *Lease) IsExpiredAt(now time.Time) bool {
	if l.Owner == "" {
		return true
	}
	if l.LeaseTimeout.IsZero() {
		return false
	}
	return now.After(l.LeaseTimeout)
}

// OwnedBy reports whether host currently holds the lease.
func (l *Lease) OwnedBy(host string) bool {
	return l.Owner != "" && l.Owner == host
}

// IncrementEpoch bumps the epoch and returns the new value.
func (l *Lease) IncrementEpoch() int64 {
	l.Epoch++
	return l.Epoch
}

// Copy returns a shallow copy. Payload is shared.
func (l *Lease) Copy() *Lease {
	c := *l
	return &c
}

func (l *Lease) Snapshot() LeaseSnapshot {
	return l.SnapshotAt(time.Now())
}

// SnapshotAt is Snapshot against the given clock reading.
func (l *Lease) SnapshotAt(now time.Time) LeaseSnapshot {
	return LeaseSnapshot{
		PartitionID: l.PartitionID,
		Owner:       l.Owner,
		Expired:     l.IsExpiredAt(now),
	}
}

// Checkpoint is the last recorded position of a partition. Offset and
// SequenceNumber are always written together.
type Checkpoint struct {
	PartitionID    string
	Offset         string
	SequenceNumber int64
}

// NewCheckpoint returns a holder checkpoint that records no progress.
func NewCheckpoint(partitionID string) *Checkpoint {
	return &Checkpoint{PartitionID: partitionID}
}

// IsInitialized reports whether progress was ever recorded.
func (c *Checkpoint) IsInitialized() bool {
	return c.Offset != ""
}
