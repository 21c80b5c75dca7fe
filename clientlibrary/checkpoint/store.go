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

// Package checkpoint holds the lease and checkpoint model and the stores persisting it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseNotFound is returned when an operation targets a partition without lease.
var ErrLeaseNotFound = errors.New("lease not found")

// LeaseLostError is returned by UpdateLease and UpdateCheckpoint when the lease
// was taken or released concurrently.
type LeaseLostError struct {
	PartitionID string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease lost for partition %s", e.PartitionID)
}

// IsLeaseLost reports whether err is or wraps a *LeaseLostError.
func IsLeaseLost(err error) bool {
	var lost *LeaseLostError
	return errors.As(err, &lost)
}

// LeaseResult is one entry of a lease scan. Exactly one of Lease or Err is set.
type LeaseResult struct {
	Lease *Lease
	Err   error
}

// LeaseStore persists leases. Every store handle acts on behalf of one host.
//
// Boolean results report expected contention, errors report unexpected failures.
type LeaseStore interface {
	StoreExists(ctx context.Context) (bool, error)

	// CreateStoreIfNotExists returns true when the store was created by this call.
	CreateStoreIfNotExists(ctx context.Context) (bool, error)

	// GetLease returns nil, nil when the partition has no lease.
	GetLease(ctx context.Context, partitionID string) (*Lease, error)

	// GetAllLeases returns one result per lease. A failure on one item never aborts the scan.
	GetAllLeases(ctx context.Context) ([]LeaseResult, error)

	// CreateLeaseIfNotExists returns the existing lease if there is one.
	CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*Lease, error)

	// AcquireLease takes a lease which is unowned, expired or already owned by this host.
	// On success lease holds the new owner, token, epoch and timeout.
	AcquireLease(ctx context.Context, lease *Lease) (bool, error)

	// StealLease takes a lease validly held by another host, provided its stored
	// owner and token still match lease.
	StealLease(ctx context.Context, lease *Lease) (bool, error)

	// RenewLease extends the timeout while this host still holds lease with the same token.
	RenewLease(ctx context.Context, lease *Lease) (bool, error)

	// ReleaseLease clears the owner while this host still holds lease with the same token.
	ReleaseLease(ctx context.Context, lease *Lease) (bool, error)

	// UpdateLease renews and persists lease in one step. Returns *LeaseLostError when lost.
	UpdateLease(ctx context.Context, lease *Lease) (bool, error)

	// DeleteLease removes the lease. Store maintenance only.
	DeleteLease(ctx context.Context, lease *Lease) error

	LeaseRenewInterval() time.Duration
	LeaseDuration() time.Duration
}

// CheckpointStore persists checkpoints keyed by partition.
type CheckpointStore interface {
	CheckpointStoreExists(ctx context.Context) (bool, error)
	CreateCheckpointStoreIfNotExists(ctx context.Context) (bool, error)

	// GetCheckpoint returns nil when no progress was ever recorded.
	GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error)

	// CreateCheckpointIfNotExists creates a holder and returns nil while it records no progress.
	CreateCheckpointIfNotExists(ctx context.Context, partitionID string) (*Checkpoint, error)

	// UpdateCheckpoint renews lease and persists checkpoint in one step.
	// Returns *LeaseLostError when the lease is no longer held by this host.
	UpdateCheckpoint(ctx context.Context, lease *Lease, checkpoint *Checkpoint) error

	DeleteCheckpoint(ctx context.Context, partitionID string) error
}

// Store is a backend serving both leases and checkpoints.
type Store interface {
	LeaseStore
	CheckpointStore
}
