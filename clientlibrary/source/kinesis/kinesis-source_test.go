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

package kinesis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
)

type mockKinesis struct {
	kinesisiface.KinesisAPI

	mu        sync.Mutex
	pages     [][]string
	iterators []*kinesis.GetShardIteratorInput
	responses []func() (*kinesis.GetRecordsOutput, error)
	calls     int
}

func (m *mockKinesis) ListShardsWithContext(ctx aws.Context, input *kinesis.ListShardsInput, opts ...request.Option) (*kinesis.ListShardsOutput, error) {
	page := 0
	if input.NextToken != nil {
		if input.StreamName != nil {
			return nil, errors.New("stream name and next token are exclusive")
		}
		page = int(aws.StringValue(input.NextToken)[0] - '0')
	}

	out := &kinesis.ListShardsOutput{}
	for _, id := range m.pages[page] {
		out.Shards = append(out.Shards, &kinesis.Shard{ShardId: aws.String(id)})
	}
	if page+1 < len(m.pages) {
		out.NextToken = aws.String(string(rune('0' + page + 1)))
	}
	return out, nil
}

func (m *mockKinesis) GetShardIteratorWithContext(ctx aws.Context, input *kinesis.GetShardIteratorInput, opts ...request.Option) (*kinesis.GetShardIteratorOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterators = append(m.iterators, input)
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String("iterator")}, nil
}

func (m *mockKinesis) GetRecordsWithContext(ctx aws.Context, input *kinesis.GetRecordsInput, opts ...request.Option) (*kinesis.GetRecordsOutput, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()

	if i < len(m.responses) {
		return m.responses[i]()
	}
	// idle until closed
	<-ctx.Done()
	return nil, ctx.Err()
}

func records(seqs ...string) func() (*kinesis.GetRecordsOutput, error) {
	return func() (*kinesis.GetRecordsOutput, error) {
		out := &kinesis.GetRecordsOutput{NextShardIterator: aws.String("next"), MillisBehindLatest: aws.Int64(10)}
		for _, seq := range seqs {
			out.Records = append(out.Records, &kinesis.Record{
				Data:                        []byte("data-" + seq),
				PartitionKey:                aws.String("key"),
				SequenceNumber:              aws.String(seq),
				ApproximateArrivalTimestamp: aws.Time(time.Now()),
			})
		}
		return out, nil
	}
}

func failure(code string) func() (*kinesis.GetRecordsOutput, error) {
	return func() (*kinesis.GetRecordsOutput, error) {
		return nil, awserr.New(code, "failure", nil)
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	batches [][]*interfaces.EventData
	errs    []error
}

func (h *recordingHandler) OnEvents(events []*interfaces.EventData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, events)
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.batches), len(h.errs)
}

func newSource(svc *mockKinesis) (*EventSource, *cfg.HostConfiguration) {
	hostConfig := cfg.NewHostConfig("appName", "stream", "$Default", "hostA").WithReceiveTimeoutMillis(1)
	source := NewEventSource(hostConfig).WithKinesis(svc)
	source.backoff = func(int) time.Duration { return time.Millisecond }
	return source, hostConfig
}

func TestPartitionIDsFollowsPagination(t *testing.T) {
	source, _ := newSource(&mockKinesis{pages: [][]string{{"shard-2", "shard-0"}, {"shard-1"}}})
	require.Nil(t, source.Init())

	ids, err := source.PartitionIDs(context.Background())
	require.Nil(t, err)
	assert.Equal(t, []string{"shard-0", "shard-1", "shard-2"}, ids)
}

func TestShardIteratorPositions(t *testing.T) {
	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, tc := range []struct {
		pos      *interfaces.EventPosition
		iterType string
		seq      *string
	}{
		{&interfaces.EventPosition{Offset: interfaces.StartOfStream}, kinesis.ShardIteratorTypeTrimHorizon, nil},
		{&interfaces.EventPosition{Offset: interfaces.EndOfStream}, kinesis.ShardIteratorTypeLatest, nil},
		{interfaces.NewEventPositionAtTimestamp(ts), kinesis.ShardIteratorTypeAtTimestamp, nil},
		{interfaces.NewEventPositionFromOffset("495", 3), kinesis.ShardIteratorTypeAfterSequenceNumber, aws.String("495")},
		{&interfaces.EventPosition{Offset: "495", Inclusive: true}, kinesis.ShardIteratorTypeAtSequenceNumber, aws.String("495")},
	} {
		svc := &mockKinesis{}
		source, _ := newSource(svc)

		_, err := source.getShardIterator(context.Background(), "shard-0", tc.pos)
		require.Nil(t, err)
		require.Len(t, svc.iterators, 1)
		assert.Equal(t, tc.iterType, aws.StringValue(svc.iterators[0].ShardIteratorType))
		assert.Equal(t, tc.seq, svc.iterators[0].StartingSequenceNumber)
	}
}

func TestPumpDeliversEvents(t *testing.T) {
	svc := &mockKinesis{responses: []func() (*kinesis.GetRecordsOutput, error){
		records("100", "101"),
		failure(kinesis.ErrCodeProvisionedThroughputExceededException),
		records(),
		records("102"),
	}}
	source, _ := newSource(svc)
	handler := &recordingHandler{}

	r, err := source.Open(context.Background(), &interfaces.OpenInput{
		PartitionID:   "shard-0",
		Epoch:         3,
		StartPosition: interfaces.NewEventPositionFromOffset("99", 7),
		Handler:       handler,
	})
	require.Nil(t, err)
	assert.Eventually(t, func() bool { n, _ := handler.counts(); return n == 2 }, time.Second, time.Millisecond)
	require.Nil(t, r.Close(context.Background()))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Len(t, handler.errs, 0)
	require.Len(t, handler.batches[0], 2)
	assert.Equal(t, "100", handler.batches[0][0].Offset)
	assert.Equal(t, int64(8), handler.batches[0][0].SequenceNumber)
	assert.Equal(t, []byte("data-101"), handler.batches[0][1].Body)
	assert.Equal(t, int64(10), handler.batches[1][0].SequenceNumber)
}

func TestPumpDeliversEmptyBatchesWhenAsked(t *testing.T) {
	svc := &mockKinesis{responses: []func() (*kinesis.GetRecordsOutput, error){records(), records()}}
	source, hostConfig := newSource(svc)
	hostConfig.WithInvokeProcessorAfterReceiveTimeout(true)
	handler := &recordingHandler{}

	r, err := source.Open(context.Background(), &interfaces.OpenInput{
		PartitionID:   "shard-0",
		StartPosition: &interfaces.EventPosition{Offset: interfaces.EndOfStream},
		Handler:       handler,
	})
	require.Nil(t, err)
	assert.Eventually(t, func() bool { n, _ := handler.counts(); return n == 2 }, time.Second, time.Millisecond)
	require.Nil(t, r.Close(context.Background()))
}

func TestPumpReportsFatalErrors(t *testing.T) {
	svc := &mockKinesis{responses: []func() (*kinesis.GetRecordsOutput, error){
		failure(kinesis.ErrCodeResourceNotFoundException),
	}}
	source, _ := newSource(svc)
	handler := &recordingHandler{}

	r, err := source.Open(context.Background(), &interfaces.OpenInput{
		PartitionID:   "shard-0",
		StartPosition: &interfaces.EventPosition{Offset: interfaces.StartOfStream},
		Handler:       handler,
	})
	require.Nil(t, err)
	assert.Eventually(t, func() bool { _, n := handler.counts(); return n == 1 }, time.Second, time.Millisecond)
	require.Nil(t, r.Close(context.Background()))
}

func TestPumpRepositionsExpiredIterator(t *testing.T) {
	svc := &mockKinesis{responses: []func() (*kinesis.GetRecordsOutput, error){
		records("100"),
		failure(kinesis.ErrCodeExpiredIteratorException),
		records("101"),
	}}
	source, _ := newSource(svc)
	handler := &recordingHandler{}

	r, err := source.Open(context.Background(), &interfaces.OpenInput{
		PartitionID:   "shard-0",
		StartPosition: &interfaces.EventPosition{Offset: interfaces.StartOfStream},
		Handler:       handler,
	})
	require.Nil(t, err)
	assert.Eventually(t, func() bool { n, _ := handler.counts(); return n == 2 }, time.Second, time.Millisecond)
	require.Nil(t, r.Close(context.Background()))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.iterators, 2)
	assert.Equal(t, kinesis.ShardIteratorTypeAfterSequenceNumber, aws.StringValue(svc.iterators[1].ShardIteratorType))
	assert.Equal(t, "100", aws.StringValue(svc.iterators[1].StartingSequenceNumber))
}
