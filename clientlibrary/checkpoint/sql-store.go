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
	"errors"
	"time"

	"github.com/matryer/try"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/database"
	"github.com/vmware/vmware-go-eph/clientlibrary/database/models"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

// NumMaxRetriesSQL bounds version conflict retries of maintenance writes.
const NumMaxRetriesSQL = 3

var errVersionConflict = errors.New("concurrent modification of lease row")

// SQLStore implements Store on a relational table with optimistic versioning.
// Every write compares the row version read before it.
type SQLStore struct {
	log           logger.Logger
	hostName      string
	leaseDuration time.Duration
	renewInterval time.Duration
	Datastore     database.LeaseDatastore
	clock         func() time.Time
}

func NewSQLStore(hostConfig *config.HostConfiguration, ds database.LeaseDatastore) *SQLStore {
	return &SQLStore{
		log:           hostConfig.Logger,
		hostName:      hostConfig.HostName,
		leaseDuration: hostConfig.LeaseDuration(),
		renewInterval: hostConfig.LeaseRenewInterval(),
		Datastore:     ds,
		clock:         time.Now,
	}
}

// WithClock replaces the time source used for lease timeouts.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) LeaseRenewInterval() time.Duration { return s.renewInterval }
func (s *SQLStore) LeaseDuration() time.Duration      { return s.leaseDuration }

func (s *SQLStore) StoreExists(ctx context.Context) (bool, error) {
	return s.Datastore.TableExists(ctx)
}

func (s *SQLStore) CreateStoreIfNotExists(ctx context.Context) (bool, error) {
	exists, err := s.Datastore.TableExists(ctx)
	if err != nil || exists {
		return false, err
	}
	if err := s.Datastore.CreateTable(ctx); err != nil {
		return false, err
	}
	s.log.Infof("Created lease table on %s", s.Datastore.ServiceName())
	return true, nil
}

func (s *SQLStore) GetLease(ctx context.Context, partitionID string) (*Lease, error) {
	row, err := s.Datastore.GetLease(ctx, partitionID)
	if err != nil || row == nil {
		return nil, err
	}
	return leaseFromRow(row), nil
}

func (s *SQLStore) GetAllLeases(ctx context.Context) ([]LeaseResult, error) {
	var results []LeaseResult
	err := s.Datastore.ScanLeases(ctx, func(row *models.Lease, err error) {
		if err != nil {
			results = append(results, LeaseResult{Err: err})
			return
		}
		results = append(results, LeaseResult{Lease: leaseFromRow(row)})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *SQLStore) CreateLeaseIfNotExists(ctx context.Context, partitionID string) (*Lease, error) {
	if _, err := s.Datastore.InsertLease(ctx, partitionID); err != nil {
		return nil, err
	}
	lease, err := s.GetLease(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, ErrLeaseNotFound
	}
	return lease, nil
}

func (s *SQLStore) AcquireLease(ctx context.Context, lease *Lease) (bool, error) {
	row, err := s.getRow(ctx, lease.PartitionID)
	if err != nil {
		return false, err
	}

	now := s.clock()
	if current := leaseFromRow(row); !current.OwnedBy(s.hostName) && !current.IsExpiredAt(now) {
		s.log.Debugf("Lease %s is held by %s until %s", current.PartitionID, current.Owner, current.LeaseTimeout)
		return false, nil
	}
	return s.take(ctx, row, lease, now)
}

func (s *SQLStore) StealLease(ctx context.Context, lease *Lease) (bool, error) {
	row, err := s.getRow(ctx, lease.PartitionID)
	if err != nil {
		return false, err
	}
	if row.Owner != lease.Owner || row.Token != lease.Token {
		return false, nil
	}
	return s.take(ctx, row, lease, s.clock())
}

func (s *SQLStore) take(ctx context.Context, row *models.Lease, lease *Lease, now time.Time) (bool, error) {
	if lease.Epoch > row.Epoch {
		row.Epoch = lease.Epoch
	}
	row.Epoch++
	row.Owner = s.hostName
	row.Token = utils.MustNewUUID()
	row.LeaseTimeout = now.Add(s.leaseDuration).UnixNano()

	ok, err := s.Datastore.SaveLease(ctx, row)
	if err != nil || !ok {
		return false, err
	}
	*lease = *leaseFromRow(row)
	return true, nil
}

// heldBySelf reads the row and reports whether lease is still this host's.
func (s *SQLStore) heldBySelf(ctx context.Context, lease *Lease) (*models.Lease, bool, error) {
	row, err := s.getRow(ctx, lease.PartitionID)
	if err != nil {
		return nil, false, err
	}
	if row.Owner != s.hostName || row.Token != lease.Token {
		return row, false, nil
	}
	return row, true, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, lease *Lease) (bool, error) {
	row, ok, err := s.heldBySelf(ctx, lease)
	if err != nil || !ok {
		return false, err
	}
	row.LeaseTimeout = s.clock().Add(s.leaseDuration).UnixNano()
	if ok, err = s.Datastore.SaveLease(ctx, row); err != nil || !ok {
		return false, err
	}
	*lease = *leaseFromRow(row)
	return true, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, lease *Lease) (bool, error) {
	row, ok, err := s.heldBySelf(ctx, lease)
	if err != nil || !ok {
		return false, err
	}
	row.Owner = ""
	row.Token = ""
	row.LeaseTimeout = 0
	if ok, err = s.Datastore.SaveLease(ctx, row); err != nil || !ok {
		return false, err
	}
	*lease = *leaseFromRow(row)
	return true, nil
}

func (s *SQLStore) UpdateLease(ctx context.Context, lease *Lease) (bool, error) {
	ok, err := s.RenewLease(ctx, lease)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &LeaseLostError{PartitionID: lease.PartitionID}
	}
	return true, nil
}

func (s *SQLStore) DeleteLease(ctx context.Context, lease *Lease) error {
	return s.Datastore.DeleteLease(ctx, lease.PartitionID)
}

func (s *SQLStore) CheckpointStoreExists(ctx context.Context) (bool, error) {
	return s.StoreExists(ctx)
}

func (s *SQLStore) CreateCheckpointStoreIfNotExists(ctx context.Context) (bool, error) {
	return s.CreateStoreIfNotExists(ctx)
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error) {
	row, err := s.Datastore.GetLease(ctx, partitionID)
	if err != nil || row == nil {
		return nil, err
	}
	return checkpointFromRow(row), nil
}

// CreateCheckpointIfNotExists relies on the lease row, which doubles as the checkpoint holder.
func (s *SQLStore) CreateCheckpointIfNotExists(ctx context.Context, partitionID string) (*Checkpoint, error) {
	if _, err := s.Datastore.InsertLease(ctx, partitionID); err != nil {
		return nil, err
	}
	return s.GetCheckpoint(ctx, partitionID)
}

func (s *SQLStore) UpdateCheckpoint(ctx context.Context, lease *Lease, checkpoint *Checkpoint) error {
	row, ok, err := s.heldBySelf(ctx, lease)
	if err != nil {
		return err
	}
	if !ok {
		return &LeaseLostError{PartitionID: lease.PartitionID}
	}

	row.LeaseTimeout = s.clock().Add(s.leaseDuration).UnixNano()
	row.Offset = checkpoint.Offset
	row.SequenceNumber = checkpoint.SequenceNumber
	ok, err = s.Datastore.SaveLease(ctx, row)
	if err != nil {
		return err
	}
	if !ok {
		// the row changed between read and write, which only a new owner does
		return &LeaseLostError{PartitionID: lease.PartitionID}
	}
	*lease = *leaseFromRow(row)
	return nil
}

func (s *SQLStore) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	var lastErr error
	err := try.Do(func(attempt int) (bool, error) {
		row, err := s.getRow(ctx, partitionID)
		if err != nil {
			lastErr = err
			return false, err
		}

		row.Offset = ""
		row.SequenceNumber = 0
		ok, err := s.Datastore.SaveLease(ctx, row)
		if err == nil && !ok {
			err = errVersionConflict
		}
		lastErr = err
		return attempt < NumMaxRetriesSQL, err
	})
	if err != nil {
		return lastErr
	}
	return nil
}

func (s *SQLStore) getRow(ctx context.Context, partitionID string) (*models.Lease, error) {
	row, err := s.Datastore.GetLease(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrLeaseNotFound
	}
	return row, nil
}

func leaseFromRow(row *models.Lease) *Lease {
	l := &Lease{
		PartitionID: row.PartitionID,
		Owner:       row.Owner,
		Token:       row.Token,
		Epoch:       row.Epoch,
		Payload:     row.Version,
	}
	if row.LeaseTimeout != 0 {
		l.LeaseTimeout = time.Unix(0, row.LeaseTimeout)
	}
	return l
}

func checkpointFromRow(row *models.Lease) *Checkpoint {
	if row.Offset == "" {
		return nil
	}
	return &Checkpoint{
		PartitionID:    row.PartitionID,
		Offset:         row.Offset,
		SequenceNumber: row.SequenceNumber,
	}
}
