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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	cfg "github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeReceiver struct {
	input  *interfaces.OpenInput
	closed atomic.Bool
}

func (r *fakeReceiver) Close(ctx context.Context) error {
	r.closed.Store(true)
	return nil
}

// fakeSource hands out receivers whose handlers the tests drive directly.
type fakeSource struct {
	mu          sync.Mutex
	partitions  []string
	receivers   map[string]*fakeReceiver
	openErr     error
	idsFailures int
}

func newFakeSource(partitions ...string) *fakeSource {
	return &fakeSource{partitions: partitions, receivers: map[string]*fakeReceiver{}}
}

func (s *fakeSource) PartitionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idsFailures != 0 {
		s.idsFailures--
		return nil, errors.New("partition ids unavailable")
	}
	return s.partitions, nil
}

func (s *fakeSource) Open(ctx context.Context, input *interfaces.OpenInput) (interfaces.IReceiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	r := &fakeReceiver{input: input}
	s.receivers[input.PartitionID] = r
	return r, nil
}

func (s *fakeSource) receiver(partitionID string) *fakeReceiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivers[partitionID]
}

type fakeProcessor struct {
	mu                  sync.Mutex
	initialized         bool
	start               *interfaces.EventPosition
	batches             [][]*interfaces.EventData
	errs                []error
	shutdowns           int
	reason              interfaces.ShutdownReason
	eventsAfterShutdown int

	processErr  error
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *fakeProcessor) Initialize(ctx context.Context, input *interfaces.InitializationInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	p.start = input.StartPosition
	return nil
}

func (p *fakeProcessor) ProcessEvents(ctx context.Context, input *interfaces.ProcessEventsInput) error {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(p.delay)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdowns > 0 {
		p.eventsAfterShutdown++
	}
	p.batches = append(p.batches, input.Events)
	return p.processErr
}

func (p *fakeProcessor) Shutdown(ctx context.Context, input *interfaces.ShutdownInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	p.reason = input.ShutdownReason
	return nil
}

func (p *fakeProcessor) OnError(input *interfaces.ErrorInput) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, input.Err)
}

func (p *fakeProcessor) snapshot() (batches int, errs int, shutdowns int, reason interfaces.ShutdownReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches), len(p.errs), p.shutdowns, p.reason
}

type fakeFactory struct {
	mu          sync.Mutex
	processors  map[string]*fakeProcessor
	created     int
	createErr   error
	createPanic bool
	configure   func(p *fakeProcessor)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{processors: map[string]*fakeProcessor{}}
}

func (f *fakeFactory) CreateProcessor(pctx interfaces.IPartitionContext) (interfaces.IEventProcessor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createPanic {
		panic("processor wiring is broken")
	}
	p := &fakeProcessor{}
	if f.configure != nil {
		f.configure(p)
	}
	f.processors[pctx.PartitionID()] = p
	return p, nil
}

func (f *fakeFactory) processor(partitionID string) *fakeProcessor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processors[partitionID]
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// exceptions records what the coordinator reports to the exception handler.
type exceptions struct {
	mu    sync.Mutex
	items []*interfaces.ExceptionReceivedInput
}

func (e *exceptions) handle(input *interfaces.ExceptionReceivedInput) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, input)
}

func (e *exceptions) count(action string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, item := range e.items {
		if item.Action == action {
			n++
		}
	}
	return n
}

// fakeMetrics counts how partitions stopped being held.
type fakeMetrics struct {
	metrics.NoopMonitoringService

	mu       sync.Mutex
	lost     map[string]int
	released map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{lost: map[string]int{}, released: map[string]int{}}
}

func (m *fakeMetrics) LeaseLost(partition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[partition]++
}

func (m *fakeMetrics) LeaseReleased(partition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[partition]++
}

func (m *fakeMetrics) counts(partition string) (lost int, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost[partition], m.released[partition]
}

type testHost struct {
	coordinator *PartitionCoordinator
	store       *chk.MemoryStore
	source      *fakeSource
	factory     *fakeFactory
	exceptions  *exceptions
	metrics     *fakeMetrics
}

func newTestHost(t *testing.T, backend *chk.MemoryBackend, host string, partitions ...string) *testHost {
	hostConfig := cfg.NewHostConfig("appName", "test", "$Default", host).
		WithLeaseRenewIntervalSeconds(1).
		WithTaskBackoffTimeMillis(1)
	store := chk.NewMemoryStore(backend, hostConfig)
	h := &testHost{
		store:      store,
		source:     newFakeSource(partitions...),
		factory:    newFakeFactory(),
		exceptions: &exceptions{},
		metrics:    newFakeMetrics(),
	}
	hostConfig.WithExceptionHandler(h.exceptions.handle)
	hostConfig.WithMonitoringService(h.metrics)
	h.coordinator = NewPartitionCoordinator(hostConfig, store, store, h.source, h.factory)
	return h
}

// start creates the leases and runs a single scan.
func (h *testHost) start(t *testing.T) {
	require.Nil(t, h.coordinator.initialize(context.Background()))
	h.coordinator.runIteration(context.Background())
}

func (h *testHost) owners(t *testing.T) map[string]string {
	results, err := h.store.GetAllLeases(context.Background())
	require.Nil(t, err)
	owners := map[string]string{}
	for _, r := range results {
		owners[r.Lease.PartitionID] = r.Lease.Owner
	}
	return owners
}

func (h *testHost) runningCount() int {
	n := 0
	h.coordinator.pool.workers.Range(func(_ string, w *PartitionWorker) bool {
		if w.State() == RUNNING {
			n++
		}
		return true
	})
	return n
}

func countOwned(owners map[string]string, host string) int {
	n := 0
	for _, owner := range owners {
		if owner == host {
			n++
		}
	}
	return n
}

func waitTimeout() <-chan time.Time {
	return time.After(waitFor)
}
