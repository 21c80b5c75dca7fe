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

// Package kinesis implements interfaces.IEventSource on an AWS Kinesis stream.
// Every shard is one partition.
package kinesis

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/matryer/try"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

// NumMaxRetries bounds retries of throttled shard iterator requests.
const NumMaxRetries = 5

// ErrShardClosed is logged when a shard was closed by resharding and holds no more events.
var ErrShardClosed = errors.New("shard is closed")

// EventSource reads shards of one Kinesis stream.
type EventSource struct {
	streamName string
	hostConfig *config.HostConfiguration
	kc         kinesisiface.KinesisAPI
	mService   metrics.MonitoringService
	log        logger.Logger

	// backoff returns the sleep before retry number n of a throttled call
	backoff func(n int) time.Duration
}

var _ interfaces.IEventSource = (*EventSource)(nil)

func NewEventSource(hostConfig *config.HostConfiguration) *EventSource {
	mService := hostConfig.MonitoringService
	if mService == nil {
		mService = metrics.NoopMonitoringService{}
	}
	return &EventSource{
		streamName: hostConfig.StreamName,
		hostConfig: hostConfig,
		mService:   mService,
		log:        hostConfig.Logger,
		backoff:    exponentialBackoff,
	}
}

// WithKinesis is used to provide Kinesis service for either custom implementation or unit testing.
func (s *EventSource) WithKinesis(svc kinesisiface.KinesisAPI) *EventSource {
	s.kc = svc
	return s
}

// Init creates the default Kinesis client unless one was provided.
func (s *EventSource) Init() error {
	if s.kc != nil {
		s.log.Infof("Use custom Kinesis service.")
		return nil
	}

	s.log.Infof("Creating Kinesis session")
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(s.hostConfig.RegionName),
		Endpoint:    aws.String(s.hostConfig.KinesisEndpoint),
		Credentials: s.hostConfig.KinesisCredentials,
	})
	if err != nil {
		s.log.Errorf("Failed in getting Kinesis session: %+v", err)
		return err
	}
	s.kc = kinesis.New(sess)
	return nil
}

// PartitionIDs lists every shard of the stream, following pagination.
func (s *EventSource) PartitionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	args := &kinesis.ListShardsInput{StreamName: aws.String(s.streamName)}
	for {
		resp, err := s.kc.ListShardsWithContext(ctx, args)
		if err != nil {
			s.log.Errorf("Error in ListShards: %s Error: %+v", s.streamName, err)
			return nil, err
		}
		for _, shard := range resp.Shards {
			ids = append(ids, aws.StringValue(shard.ShardId))
		}

		if resp.NextToken == nil {
			break
		}
		// When you have a nextToken, you can't set the streamName
		args = &kinesis.ListShardsInput{NextToken: resp.NextToken}
	}

	sort.Strings(ids)
	return ids, nil
}

// Open positions a shard iterator and starts polling the shard. Kinesis has no
// epoch receivers, so input.Epoch is only logged.
func (s *EventSource) Open(ctx context.Context, input *interfaces.OpenInput) (interfaces.IReceiver, error) {
	log := s.log.WithFields(logger.Fields{logger.FieldPartition: input.PartitionID, logger.FieldEpoch: input.Epoch})

	start := input.StartPosition
	if start == nil {
		start = s.hostConfig.StartPosition(input.PartitionID)
	}

	iterator, err := s.getShardIterator(ctx, input.PartitionID, start)
	if err != nil {
		log.Errorf("Unable to get shard iterator: %+v", err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &receiver{
		source:         s,
		partitionID:    input.PartitionID,
		handler:        input.Handler,
		iterator:       iterator,
		sequenceNumber: start.SequenceNumber,
		log:            log,
		ctx:            runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	if !start.IsStartOfStream() && !start.IsEndOfStream() && start.Timestamp == nil {
		r.lastOffset = start.Offset
	}

	go r.pump()
	return r, nil
}

func (s *EventSource) getShardIterator(ctx context.Context, shardID string, pos *interfaces.EventPosition) (*string, error) {
	args := &kinesis.GetShardIteratorInput{
		ShardId:    aws.String(shardID),
		StreamName: aws.String(s.streamName),
	}
	switch {
	case pos.Timestamp != nil:
		args.ShardIteratorType = aws.String(kinesis.ShardIteratorTypeAtTimestamp)
		args.Timestamp = pos.Timestamp
	case pos.IsStartOfStream():
		args.ShardIteratorType = aws.String(kinesis.ShardIteratorTypeTrimHorizon)
	case pos.IsEndOfStream():
		args.ShardIteratorType = aws.String(kinesis.ShardIteratorTypeLatest)
	case pos.Inclusive:
		args.ShardIteratorType = aws.String(kinesis.ShardIteratorTypeAtSequenceNumber)
		args.StartingSequenceNumber = aws.String(pos.Offset)
	default:
		args.ShardIteratorType = aws.String(kinesis.ShardIteratorTypeAfterSequenceNumber)
		args.StartingSequenceNumber = aws.String(pos.Offset)
	}

	var iterator *string
	err := try.Do(func(attempt int) (bool, error) {
		resp, err := s.kc.GetShardIteratorWithContext(ctx, args)
		if err != nil {
			if isThrottled(err) && attempt < NumMaxRetries {
				if sleepErr := sleep(ctx, s.backoff(attempt)); sleepErr != nil {
					return false, sleepErr
				}
				return true, err
			}
			return false, err
		}
		iterator = resp.ShardIterator
		return false, nil
	})
	return iterator, err
}

// receiver polls one shard and pushes batches into the handler until closed.
type receiver struct {
	source         *EventSource
	partitionID    string
	handler        interfaces.IBatchHandler
	iterator       *string
	lastOffset     string
	sequenceNumber int64
	log            logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Close stops polling and waits for the pump to return or ctx to expire.
func (r *receiver) Close(ctx context.Context) error {
	r.closeOnce.Do(r.cancel)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *receiver) pump() {
	defer close(r.done)

	s := r.source
	retriedErrors := 0
	for {
		if r.ctx.Err() != nil {
			return
		}

		receiveStart := time.Now()
		resp, err := s.kc.GetRecordsWithContext(r.ctx, &kinesis.GetRecordsInput{
			Limit:         aws.Int64(int64(s.hostConfig.MaxBatchSize)),
			ShardIterator: r.iterator,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if isThrottled(err) {
				retriedErrors++
				r.log.Warnf("Throttled getting records, retry %d: %+v", retriedErrors, err)
				if sleep(r.ctx, s.backoff(retriedErrors)) != nil {
					return
				}
				continue
			}
			if utils.AWSErrCode(err) == kinesis.ErrCodeExpiredIteratorException && r.lastOffset != "" {
				r.log.Infof("Shard iterator expired, repositioning after %s", r.lastOffset)
				iterator, err := s.getShardIterator(r.ctx, r.partitionID, interfaces.NewEventPositionFromOffset(r.lastOffset, r.sequenceNumber))
				if err == nil {
					r.iterator = iterator
					continue
				}
			}
			r.log.Errorf("Error getting records that cannot be retried: %+v", err)
			r.handler.OnError(err)
			return
		}
		retriedErrors = 0

		s.mService.RecordReceiveTime(r.partitionID, float64(time.Since(receiveStart).Milliseconds()))
		s.mService.MillisBehindLatest(r.partitionID, float64(aws.Int64Value(resp.MillisBehindLatest)))

		events := r.toEvents(resp.Records)
		if len(events) > 0 || s.hostConfig.InvokeProcessorAfterReceiveTimeout {
			r.handler.OnEvents(events)
		}

		// The shard has been closed, so no new records can be read from it
		if resp.NextShardIterator == nil {
			r.log.Infof("%v, stop polling", ErrShardClosed)
			return
		}
		r.iterator = resp.NextShardIterator

		if len(resp.Records) == 0 {
			if sleep(r.ctx, time.Duration(s.hostConfig.ReceiveTimeoutMillis)*time.Millisecond) != nil {
				return
			}
		}
	}
}

func (r *receiver) toEvents(records []*kinesis.Record) []*interfaces.EventData {
	events := make([]*interfaces.EventData, 0, len(records))
	for _, record := range records {
		r.sequenceNumber++
		r.lastOffset = aws.StringValue(record.SequenceNumber)
		events = append(events, &interfaces.EventData{
			Body:           record.Data,
			PartitionKey:   aws.StringValue(record.PartitionKey),
			Offset:         r.lastOffset,
			SequenceNumber: r.sequenceNumber,
			EnqueuedTime:   aws.TimeValue(record.ApproximateArrivalTimestamp),
		})
	}
	return events
}

func isThrottled(err error) bool {
	code := utils.AWSErrCode(err)
	return code == kinesis.ErrCodeProvisionedThroughputExceededException || code == kinesis.ErrCodeKMSThrottlingException
}

// exponentialBackoff as recommended by https://docs.aws.amazon.com/general/latest/gr/api-retries.html
func exponentialBackoff(n int) time.Duration {
	return time.Duration(math.Exp2(float64(n))*100) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
