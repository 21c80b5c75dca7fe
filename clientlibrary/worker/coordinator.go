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

// Package worker coordinates partition leases between hosts and runs one
// PartitionWorker per partition this host owns.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/matryer/try"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/logger"
)

// NumInitAttempts bounds every store creation step during initialization.
const NumInitAttempts = 5

// PartitionCoordinator is the entry point of a host. It keeps the lease table
// balanced between hosts and the worker pool in line with the leases it owns.
type PartitionCoordinator struct {
	hostName string

	hostConfig      *config.HostConfiguration
	leaseStore      chk.LeaseStore
	checkpointStore chk.CheckpointStore
	source          interfaces.IEventSource
	factory         interfaces.IEventProcessorFactory
	mService        metrics.MonitoringService
	notifier        *notifier
	pool            *WorkerPool
	log             logger.Logger
	clock           func() time.Time

	stop         chan struct{}
	stopOnce     sync.Once
	waitGroup    *sync.WaitGroup
	finished     chan struct{}
	shutdownOnce sync.Once
}

// NewPartitionCoordinator constructs a coordinator. A nil MonitoringService in the
// configuration is replaced by a noop one.
func NewPartitionCoordinator(hostConfig *config.HostConfiguration, leaseStore chk.LeaseStore, checkpointStore chk.CheckpointStore,
	source interfaces.IEventSource, factory interfaces.IEventProcessorFactory) *PartitionCoordinator {
	mService := hostConfig.MonitoringService
	if mService == nil {
		// Replaces nil with noop monitor service (not emitting any metrics).
		mService = metrics.NoopMonitoringService{}
	}

	log := hostConfig.Logger.WithFields(logger.Fields{logger.FieldHost: hostConfig.HostName})
	c := &PartitionCoordinator{
		hostName:        hostConfig.HostName,
		hostConfig:      hostConfig,
		leaseStore:      leaseStore,
		checkpointStore: checkpointStore,
		source:          source,
		factory:         factory,
		mService:        mService,
		notifier:        newNotifier(hostConfig.HostName, hostConfig.ExceptionHandler, log),
		log:             log,
		clock:           time.Now,
		stop:            make(chan struct{}),
		waitGroup:       &sync.WaitGroup{},
		finished:        make(chan struct{}),
	}
	c.pool = NewWorkerPool(func(lease *chk.Lease) *PartitionWorker {
		return newPartitionWorker(c, lease)
	})
	return c
}

// SetExceptionHandler replaces the exception handler, nil removes it.
func (c *PartitionCoordinator) SetExceptionHandler(handler interfaces.ExceptionHandler) {
	c.notifier.setHandler(handler)
}

// WithClock replaces the clock used to decide lease expiry. It should match the store's clock.
func (c *PartitionCoordinator) WithClock(clock func() time.Time) *PartitionCoordinator {
	c.clock = clock
	return c
}

// Pool exposes the worker pool for inspection.
func (c *PartitionCoordinator) Pool() *WorkerPool {
	return c.pool
}

// Done is closed once the coordinator stopped, either through Shutdown or after a fatal loop failure.
func (c *PartitionCoordinator) Done() <-chan struct{} {
	return c.finished
}

// Start initializes the stores and launches the coordinator loop. When initialization
// fails the loop never starts.
func (c *PartitionCoordinator) Start(ctx context.Context) error {
	if err := c.hostConfig.Validate(); err != nil {
		return err
	}

	if err := c.initialize(ctx); err != nil {
		c.log.Errorf("Failed to initialize partition coordinator: %+v", err)
		return err
	}

	c.log.Infof("Starting monitoring service.")
	if err := c.mService.Start(); err != nil {
		c.log.Errorf("Failed to start monitoring service: %+v", err)
		return err
	}

	c.log.Infof("Starting coordinator event loop.")
	c.waitGroup.Add(1)
	go func() {
		defer c.waitGroup.Done()
		c.eventLoop()
	}()
	return nil
}

// Shutdown stops the loop after its in-flight iteration, closes every worker with
// reason SHUTDOWN and waits for all of them.
func (c *PartitionCoordinator) Shutdown() {
	c.log.Infof("Coordinator shutdown requested.")
	c.stopOnce.Do(func() { close(c.stop) })
	c.waitGroup.Wait()
	c.cleanup()
	c.log.Infof("Coordinator is stopped.")
}

func (c *PartitionCoordinator) cleanup() {
	c.shutdownOnce.Do(func() {
		<-c.pool.StopAll(interfaces.SHUTDOWN)
		c.mService.Shutdown()
		close(c.finished)
	})
}

func (c *PartitionCoordinator) initialize(ctx context.Context) error {
	c.log.Infof("Coordinator initialization in progress...")

	if err := c.mService.Init(c.hostConfig.ApplicationName, c.hostConfig.StreamName, c.hostName); err != nil {
		c.log.Errorf("Failed to init monitoring service: %+v", err)
	}

	err := c.retry(ctx, interfaces.ActionCreatingLeaseStore, "", func() error {
		_, err := c.leaseStore.CreateStoreIfNotExists(ctx)
		return err
	})
	if err != nil {
		return err
	}

	err = c.retry(ctx, interfaces.ActionCreatingCheckpointStore, "", func() error {
		_, err := c.checkpointStore.CreateCheckpointStoreIfNotExists(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var partitionIDs []string
	err = c.retry(ctx, interfaces.ActionGettingPartitionIDs, "", func() error {
		var err error
		partitionIDs, err = c.source.PartitionIDs(ctx)
		return err
	})
	if err != nil {
		return err
	}
	c.log.Infof("Found %d partitions", len(partitionIDs))

	var g errgroup.Group
	g.SetLimit(c.hostConfig.MaxConcurrentLeaseChecks)
	for _, id := range partitionIDs {
		goGuarded(&g, func() error {
			err := c.retry(ctx, interfaces.ActionCreatingLease, id, func() error {
				_, err := c.leaseStore.CreateLeaseIfNotExists(ctx, id)
				return err
			})
			if err != nil {
				return err
			}
			return c.retry(ctx, interfaces.ActionCreatingCheckpoint, id, func() error {
				_, err := c.checkpointStore.CreateCheckpointIfNotExists(ctx, id)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.log.Infof("Initialization complete.")
	return nil
}

// retry runs fn up to NumInitAttempts times with TaskBackoff in between.
func (c *PartitionCoordinator) retry(ctx context.Context, action, partitionID string, fn func() error) error {
	var lastErr error
	err := try.Do(func(attempt int) (bool, error) {
		lastErr = fn()
		if lastErr == nil {
			return false, nil
		}
		c.notifier.notify(lastErr, action, partitionID)
		if attempt >= NumInitAttempts {
			return false, lastErr
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			return false, lastErr
		case <-time.After(c.hostConfig.TaskBackoff()):
		}
		return true, lastErr
	})
	if err != nil {
		return fmt.Errorf("%s failed after retries: %w", action, lastErr)
	}
	return nil
}

func (c *PartitionCoordinator) eventLoop() {
	defer c.cleanup()

	renewInterval := c.leaseStore.LeaseRenewInterval()
	for {
		if !c.iterate() {
			return
		}

		select {
		case <-c.stop:
			c.log.Infof("Shutting down...")
			return
		case <-time.After(renewInterval):
			c.log.Debugf("Waited %s to check leases...", renewInterval)
		}
	}
}

// iterate runs one iteration and reports whether the loop can continue.
func (c *PartitionCoordinator) iterate() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if gp, guarded := r.(*guardedPanic); guarded {
				r, stack = gp.value, gp.stack
			}
			err := fmt.Errorf("panic in coordinator loop: %v\n%s", r, stack)
			c.notifier.notify(err, interfaces.ActionPartitionManagerLoop, "")
			ok = false
		}
	}()

	c.runIteration(context.Background())
	return true
}

type leaseEvaluation struct {
	lease   *chk.Lease
	owned   bool
	skipped bool
}

// runIteration scans all leases, steals at most one and reconciles the worker pool.
func (c *PartitionCoordinator) runIteration(ctx context.Context) {
	results, err := c.leaseStore.GetAllLeases(ctx)
	if err != nil {
		c.notifier.notify(err, interfaces.ActionCheckingLeases, "")
		return
	}

	evaluations := make([]leaseEvaluation, len(results))
	// a failed row without lease hides which partition it was, so no worker may be stopped
	incompleteScan := false

	var g errgroup.Group
	g.SetLimit(c.hostConfig.MaxConcurrentLeaseChecks)
	for i, result := range results {
		if result.Err != nil {
			c.notifier.notify(result.Err, interfaces.ActionCheckingLeases, "")
			evaluations[i].skipped = true
			incompleteScan = true
			continue
		}
		goGuarded(&g, func() error {
			evaluations[i] = c.evaluateLease(ctx, result.Lease)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// only a panic ends up here, iterate recovers it
		panic(err)
	}

	var owned, ownedByOthers []*chk.Lease
	var skippedIDs []string
	for _, e := range evaluations {
		switch {
		case e.skipped:
			if e.lease != nil {
				skippedIDs = append(skippedIDs, e.lease.PartitionID)
			}
		case e.owned:
			owned = append(owned, e.lease)
		default:
			ownedByOthers = append(ownedByOthers, e.lease)
		}
	}

	now := c.clock()
	snapshots := lo.Map(ownedByOthers, func(l *chk.Lease, _ int) chk.LeaseSnapshot { return l.SnapshotAt(now) })
	if id, ok := selectLeaseToSteal(c.hostName, snapshots, len(owned)); ok {
		target, _ := lo.Find(ownedByOthers, func(l *chk.Lease) bool { return l.PartitionID == id })
		if c.stealLease(ctx, target) {
			owned = append(owned, target)
		}
	}

	for _, lease := range owned {
		c.pool.EnsureRunning(lease)
	}

	if incompleteScan {
		return
	}

	keep := append(lo.Map(owned, func(l *chk.Lease, _ int) string { return l.PartitionID }), skippedIDs...)
	for _, id := range lo.Without(c.pool.PartitionIDs(), keep...) {
		c.log.Infof("Lease of partition %s is no longer owned, stopping its worker", id)
		c.pool.Stop(id, interfaces.LEASE_LOST)
	}
}

func (c *PartitionCoordinator) evaluateLease(ctx context.Context, lease *chk.Lease) leaseEvaluation {
	e := leaseEvaluation{lease: lease}
	log := c.log.WithFields(logger.Fields{logger.FieldPartition: lease.PartitionID})

	switch {
	case lease.IsExpiredAt(c.clock()):
		acquired, err := c.leaseStore.AcquireLease(ctx, lease)
		if err != nil {
			c.notifier.notify(err, interfaces.ActionCheckingLeases, lease.PartitionID)
			e.skipped = true
			return e
		}
		if acquired {
			log.Infof("Acquired lease, epoch: %d", lease.Epoch)
			c.mService.LeaseGained(lease.PartitionID)
			e.owned = true
		} else {
			log.Debugf("Lost the race for an expired lease")
		}

	case lease.OwnedBy(c.hostName):
		renewed, err := c.leaseStore.RenewLease(ctx, lease)
		if err != nil {
			c.notifier.notify(fmt.Errorf("renew lease: %w", err), interfaces.ActionCheckingLeases, lease.PartitionID)
			e.skipped = true
			return e
		}
		if renewed {
			c.mService.LeaseRenewed(lease.PartitionID)
			e.owned = true
		} else {
			log.Infof("Lease was taken by another host")
		}
	}
	return e
}

func (c *PartitionCoordinator) stealLease(ctx context.Context, lease *chk.Lease) bool {
	previousOwner := lease.Owner
	stolen, err := c.leaseStore.StealLease(ctx, lease)
	if err != nil {
		c.notifier.notify(err, interfaces.ActionStealingLease, lease.PartitionID)
		return false
	}
	if !stolen {
		c.log.Debugf("Lease of partition %s changed before it could be stolen", lease.PartitionID)
		return false
	}

	c.log.Infof("Stole lease of partition %s from %s, epoch: %d", lease.PartitionID, previousOwner, lease.Epoch)
	c.mService.LeaseStolen(lease.PartitionID)
	return true
}

// guardedPanic carries a panic out of an errgroup goroutine together with its stack.
type guardedPanic struct {
	value interface{}
	stack []byte
}

func (p *guardedPanic) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.value, p.stack)
}

// goGuarded runs fn on g and turns a panic into a *guardedPanic error.
func goGuarded(g *errgroup.Group, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &guardedPanic{value: r, stack: debug.Stack()}
			}
		}()
		return fn()
	})
}
