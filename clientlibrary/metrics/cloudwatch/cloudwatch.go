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

// Package cloudwatch publishes host metrics to AWS CloudWatch.
package cloudwatch

import (
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	cwatch "github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"

	"github.com/vmware/vmware-go-eph/logger"
)

// DefaultResolution is the flush period. Using a resolution below 60 seconds
// turns metrics into high resolution metrics, billed accordingly.
const DefaultResolution = 60 * time.Second

// MonitoringService buffers per partition metrics and flushes them to CloudWatch
// every resolution period.
type MonitoringService struct {
	appName    string
	streamName string
	hostName   string
	region     string
	credential *credentials.Credentials
	logger     logger.Logger

	resolution time.Duration
	svc        cloudwatchiface.CloudWatchAPI

	partitionMetrics *xsync.Map[string, *cloudWatchMetrics]

	stop      chan struct{}
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

type cloudWatchMetrics struct {
	sync.Mutex

	processedEvents    int64
	processedBytes     int64
	behindLatestMillis []float64
	leasesHeld         int64
	leaseRenewals      int64
	leasesLost         int64
	leaseReleases      int64
	leasesStolen       int64
	receiveTime        []float64
	processEventsTime  []float64
}

// NewMonitoringService returns a MonitoringService creating its own CloudWatch client on Init.
func NewMonitoringService(region string, creds *credentials.Credentials, logger logger.Logger) *MonitoringService {
	return &MonitoringService{
		region:     region,
		credential: creds,
		logger:     logger,
		resolution: DefaultResolution,
	}
}

// NewMonitoringServiceWithClient returns a MonitoringService publishing through the given client.
func NewMonitoringServiceWithClient(svc cloudwatchiface.CloudWatchAPI, resolution time.Duration, logger logger.Logger) *MonitoringService {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &MonitoringService{
		svc:        svc,
		logger:     logger,
		resolution: resolution,
	}
}

func (cw *MonitoringService) Init(appName, streamName, hostName string) error {
	cw.appName = appName
	cw.streamName = streamName
	cw.hostName = hostName
	cw.partitionMetrics = xsync.NewMap[string, *cloudWatchMetrics]()
	cw.stop = make(chan struct{})

	if cw.svc != nil {
		return nil
	}

	s, err := session.NewSession(&aws.Config{
		Region:      aws.String(cw.region),
		Credentials: cw.credential,
	})
	if err != nil {
		cw.logger.Errorf("Failed in getting CloudWatch session for metrics: %+v", err)
		return err
	}
	cw.svc = cwatch.New(s)
	return nil
}

func (cw *MonitoringService) Start() error {
	cw.waitGroup.Add(1)
	go cw.eventloop()
	return nil
}

// Shutdown stops the flush loop after a last flush.
func (cw *MonitoringService) Shutdown() {
	cw.stopOnce.Do(func() {
		cw.logger.Infof("Shutting down cloudwatch metrics system...")
		close(cw.stop)
		cw.waitGroup.Wait()
		if err := cw.flush(); err != nil {
			cw.logger.Errorf("Error sending metrics to CloudWatch. %+v", err)
		}
		cw.logger.Infof("Cloudwatch metrics system has been shutdown.")
	})
}

func (cw *MonitoringService) eventloop() {
	defer cw.waitGroup.Done()

	for {
		select {
		case <-cw.stop:
			return
		case <-time.After(cw.resolution):
			if err := cw.flush(); err != nil {
				cw.logger.Errorf("Error sending metrics to CloudWatch. %+v", err)
			}
		}
	}
}

// flush publishes and resets the buffered metrics of every partition.
// A failed partition keeps its buffer for the next flush.
func (cw *MonitoringService) flush() error {
	var errs []error
	cw.partitionMetrics.Range(func(partition string, metric *cloudWatchMetrics) bool {
		if err := cw.flushPartition(partition, metric); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func (cw *MonitoringService) flushPartition(partition string, metric *cloudWatchMetrics) error {
	metric.Lock()
	defer metric.Unlock()

	defaultDimensions := []*cwatch.Dimension{
		{
			Name:  aws.String("Partition"),
			Value: aws.String(partition),
		},
		{
			Name:  aws.String("StreamName"),
			Value: aws.String(cw.streamName),
		},
	}

	leaseDimensions := append([]*cwatch.Dimension{
		{
			Name:  aws.String("HostName"),
			Value: aws.String(cw.hostName),
		},
	}, defaultDimensions...)

	metricTimestamp := time.Now()
	data := []*cwatch.MetricDatum{
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("EventsProcessed"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processedEvents)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("DataBytesProcessed"),
			Unit:       aws.String("Bytes"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processedBytes)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("RenewLease.Success"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leaseRenewals)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("StealLease.Success"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leasesStolen)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("LostLease.Count"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leasesLost)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("ReleaseLease.Count"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leaseReleases)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("CurrentLeases"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leasesHeld)),
		},
	}

	data = appendStatistics(data, defaultDimensions, "MillisBehindLatest", metric.behindLatestMillis, &metricTimestamp)
	data = appendStatistics(data, defaultDimensions, "EventSource.receive.Time", metric.receiveTime, &metricTimestamp)
	data = appendStatistics(data, defaultDimensions, "EventProcessor.processEvents.Time", metric.processEventsTime, &metricTimestamp)

	_, err := cw.svc.PutMetricData(&cwatch.PutMetricDataInput{
		Namespace:  aws.String(cw.appName),
		MetricData: data,
	})
	if err != nil {
		return err
	}

	metric.processedEvents = 0
	metric.processedBytes = 0
	metric.leaseRenewals = 0
	metric.leasesStolen = 0
	metric.leasesLost = 0
	metric.leaseReleases = 0
	metric.behindLatestMillis = nil
	metric.receiveTime = nil
	metric.processEventsTime = nil
	return nil
}

// appendStatistics adds a StatisticSet datum, skipping empty samples which CloudWatch rejects.
func appendStatistics(data []*cwatch.MetricDatum, dimensions []*cwatch.Dimension, name string, samples []float64, ts *time.Time) []*cwatch.MetricDatum {
	if len(samples) == 0 {
		return data
	}
	return append(data, &cwatch.MetricDatum{
		Dimensions: dimensions,
		MetricName: aws.String(name),
		Unit:       aws.String("Milliseconds"),
		Timestamp:  ts,
		StatisticValues: &cwatch.StatisticSet{
			SampleCount: aws.Float64(float64(len(samples))),
			Sum:         aws.Float64(lo.Sum(samples)),
			Maximum:     aws.Float64(lo.Max(samples)),
			Minimum:     aws.Float64(lo.Min(samples)),
		},
	})
}

func (cw *MonitoringService) getOrCreatePerPartitionMetrics(partition string) *cloudWatchMetrics {
	metric, _ := cw.partitionMetrics.LoadOrStore(partition, &cloudWatchMetrics{})
	return metric
}

func (cw *MonitoringService) IncrEventsProcessed(partition string, count int) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.processedEvents += int64(count)
}

func (cw *MonitoringService) IncrBytesProcessed(partition string, count int64) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.processedBytes += count
}

func (cw *MonitoringService) MillisBehindLatest(partition string, millis float64) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.behindLatestMillis = append(m.behindLatestMillis, millis)
}

func (cw *MonitoringService) LeaseGained(partition string) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.leasesHeld++
}

func (cw *MonitoringService) LeaseLost(partition string) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.leasesHeld--
	m.leasesLost++
}

func (cw *MonitoringService) LeaseReleased(partition string) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.leasesHeld--
	m.leaseReleases++
}

func (cw *MonitoringService) LeaseRenewed(partition string) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.leaseRenewals++
}

func (cw *MonitoringService) LeaseStolen(partition string) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.leasesStolen++
}

func (cw *MonitoringService) RecordReceiveTime(partition string, millis float64) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.receiveTime = append(m.receiveTime, millis)
}

func (cw *MonitoringService) RecordProcessEventsTime(partition string, millis float64) {
	m := cw.getOrCreatePerPartitionMetrics(partition)
	m.Lock()
	defer m.Unlock()
	m.processEventsTime = append(m.processEventsTime, millis)
}
