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

// Package partition holds the per-partition processing context handed to event processors.
package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/logger"
)

var (
	// ErrNoEventsReceived is returned when checkpointing before the first event was seen.
	ErrNoEventsReceived = errors.New("no events received, nothing to checkpoint")

	// ErrCheckpointBehind is returned when a checkpoint would move the recorded position backwards.
	ErrCheckpointBehind = errors.New("checkpoint is behind the last recorded position")
)

// PartitionContext tracks the lease and the position of one partition while a
// worker owns it. It implements interfaces.IPartitionContext.
type PartitionContext struct {
	mux sync.RWMutex

	partitionID string
	hostName    string
	lease       *chk.Lease

	// last position delivered to the processor
	offset         string
	sequenceNumber int64

	// checkpointMux serializes persist so the store never sees positions out of order
	checkpointMux sync.Mutex

	// last position persisted
	checkpointed     bool
	checkpointSeqNum int64

	store             chk.CheckpointStore
	checkpointTimeout time.Duration
	hostConfig        *config.HostConfiguration
	log               logger.Logger
}

var _ interfaces.IPartitionContext = (*PartitionContext)(nil)

func NewPartitionContext(hostConfig *config.HostConfiguration, store chk.CheckpointStore, lease *chk.Lease) *PartitionContext {
	return &PartitionContext{
		partitionID:       lease.PartitionID,
		hostName:          hostConfig.HostName,
		lease:             lease.Copy(),
		store:             store,
		checkpointTimeout: hostConfig.CheckpointTimeout(),
		hostConfig:        hostConfig,
		log:               logger.ForPartition(hostConfig.Logger, hostConfig.HostName, lease.PartitionID),
	}
}

func (pc *PartitionContext) PartitionID() string {
	return pc.partitionID
}

func (pc *PartitionContext) HostName() string {
	return pc.hostName
}

func (pc *PartitionContext) Epoch() int64 {
	pc.mux.RLock()
	defer pc.mux.RUnlock()
	return pc.lease.Epoch
}

// Lease returns a copy of the lease the context currently writes under.
func (pc *PartitionContext) Lease() *chk.Lease {
	pc.mux.RLock()
	defer pc.mux.RUnlock()
	return pc.lease.Copy()
}

// SetLease refreshes the cached lease after a renewal by the coordinator.
func (pc *PartitionContext) SetLease(lease *chk.Lease) {
	pc.mux.Lock()
	defer pc.mux.Unlock()
	pc.lease = lease.Copy()
}

// Position returns the offset and sequence number of the last delivered event.
func (pc *PartitionContext) Position() (string, int64) {
	pc.mux.RLock()
	defer pc.mux.RUnlock()
	return pc.offset, pc.sequenceNumber
}

// SetPosition advances the position to event. It returns false, leaving the
// position untouched, when event is not newer than the current position.
func (pc *PartitionContext) SetPosition(event *interfaces.EventData) bool {
	if event == nil {
		return false
	}

	pc.mux.Lock()
	defer pc.mux.Unlock()
	if pc.offset != "" && event.SequenceNumber <= pc.sequenceNumber {
		pc.log.Warnf("Ignoring out of order position %d, current position is %d", event.SequenceNumber, pc.sequenceNumber)
		return false
	}
	pc.offset = event.Offset
	pc.sequenceNumber = event.SequenceNumber
	return true
}

// StartPosition returns the position after the last checkpoint, or the configured
// initial position when no progress was ever recorded.
func (pc *PartitionContext) StartPosition(ctx context.Context) (*interfaces.EventPosition, error) {
	cp, err := pc.store.GetCheckpoint(ctx, pc.partitionID)
	if err != nil {
		return nil, err
	}

	if cp != nil && cp.IsInitialized() {
		pc.mux.Lock()
		pc.offset = cp.Offset
		pc.sequenceNumber = cp.SequenceNumber
		pc.checkpointed = true
		pc.checkpointSeqNum = cp.SequenceNumber
		pc.mux.Unlock()

		pc.log.Debugf("Starting at checkpoint offset: %s, sequence number: %d", cp.Offset, cp.SequenceNumber)
		return interfaces.NewEventPositionFromOffset(cp.Offset, cp.SequenceNumber), nil
	}

	pos := pc.hostConfig.StartPosition(pc.partitionID)
	pc.log.Debugf("No checkpoint recorded, starting at %+v", pos)
	return pos, nil
}

// Checkpoint records the position of the last delivered event.
func (pc *PartitionContext) Checkpoint(ctx context.Context) error {
	pc.mux.RLock()
	offset, seq := pc.offset, pc.sequenceNumber
	pc.mux.RUnlock()

	if offset == "" {
		return ErrNoEventsReceived
	}
	return pc.persist(ctx, offset, seq)
}

// CheckpointAt records the position of event.
func (pc *PartitionContext) CheckpointAt(ctx context.Context, event *interfaces.EventData) error {
	if event == nil || event.Offset == "" {
		return fmt.Errorf("checkpoint at event: %w", ErrNoEventsReceived)
	}
	return pc.persist(ctx, event.Offset, event.SequenceNumber)
}

func (pc *PartitionContext) persist(ctx context.Context, offset string, seq int64) error {
	pc.checkpointMux.Lock()
	defer pc.checkpointMux.Unlock()

	pc.mux.RLock()
	if pc.checkpointed && seq < pc.checkpointSeqNum {
		pc.mux.RUnlock()
		return ErrCheckpointBehind
	}
	lease := pc.lease.Copy()
	pc.mux.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, pc.checkpointTimeout)
	defer cancel()

	cp := &chk.Checkpoint{PartitionID: pc.partitionID, Offset: offset, SequenceNumber: seq}
	if err := pc.store.UpdateCheckpoint(ctx, lease, cp); err != nil {
		if chk.IsLeaseLost(err) {
			pc.log.Infof("Lease lost while checkpointing sequence number %d", seq)
		} else {
			pc.log.Errorf("Failed to checkpoint sequence number %d, error: %+v", seq, err)
		}
		return err
	}

	pc.mux.Lock()
	defer pc.mux.Unlock()
	pc.checkpointed = true
	pc.checkpointSeqNum = seq
	if lease.Token == pc.lease.Token {
		pc.lease = lease
	}
	return nil
}
