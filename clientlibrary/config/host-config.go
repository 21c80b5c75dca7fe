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

package config

import (
	"log"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/clientlibrary/utils"
	"github.com/vmware/vmware-go-eph/logger"
)

// NewHostConfig creates a default HostConfiguration based on the required fields.
// An empty hostName is replaced by a random UUID.
func NewHostConfig(applicationName, streamName, consumerGroup, hostName string) *HostConfiguration {
	checkIsValueNotEmpty("ApplicationName", applicationName)
	checkIsValueNotEmpty("StreamName", streamName)
	checkIsValueNotEmpty("ConsumerGroup", consumerGroup)

	if empty(hostName) {
		hostName = utils.MustNewUUID()
	}

	// populate the host configuration with default values
	return &HostConfiguration{
		ApplicationName:                    applicationName,
		StreamName:                         streamName,
		ConsumerGroup:                      consumerGroup,
		HostName:                           hostName,
		TableName:                          applicationName,
		InitialPosition:                    DefaultInitialPosition,
		InitialPositionExtended:            *newInitialPosition(DefaultInitialPosition),
		LeaseDurationSeconds:               DefaultLeaseDurationSeconds,
		LeaseRenewIntervalSeconds:          DefaultLeaseRenewIntervalSeconds,
		CheckpointTimeoutSeconds:           DefaultCheckpointTimeoutSeconds,
		MaxBatchSize:                       DefaultMaxBatchSize,
		ReceiveTimeoutMillis:               DefaultReceiveTimeoutMillis,
		InvokeProcessorAfterReceiveTimeout: DefaultInvokeProcessorAfterReceiveTimeout,
		TaskBackoffTimeMillis:              DefaultTaskBackoffTimeMillis,
		MaxConcurrentLeaseChecks:           DefaultMaxConcurrentLeaseChecks,
		InitialLeaseTableReadCapacity:      DefaultInitialLeaseTableReadCapacity,
		InitialLeaseTableWriteCapacity:     DefaultInitialLeaseTableWriteCapacity,
		Logger:                             logger.GetDefaultLogger(),
	}
}

// WithRegionName sets the AWS region used by the DynamoDB, Kinesis and CloudWatch clients.
func (c *HostConfiguration) WithRegionName(regionName string) *HostConfiguration {
	checkIsValueNotEmpty("RegionName", regionName)
	c.RegionName = regionName
	return c
}

// WithKinesisEndpoint is used to provide an alternative Kinesis endpoint
func (c *HostConfiguration) WithKinesisEndpoint(kinesisEndpoint string) *HostConfiguration {
	c.KinesisEndpoint = kinesisEndpoint
	return c
}

// WithDynamoDBEndpoint is used to provide an alternative DynamoDB endpoint
func (c *HostConfiguration) WithDynamoDBEndpoint(dynamoDBEndpoint string) *HostConfiguration {
	c.DynamoDBEndpoint = dynamoDBEndpoint
	return c
}

// WithCredentials sets the same credentials for Kinesis and DynamoDB.
func (c *HostConfiguration) WithCredentials(creds *credentials.Credentials) *HostConfiguration {
	c.KinesisCredentials = creds
	c.DynamoDBCredentials = creds
	return c
}

// WithTableName to provide alternative lease table
func (c *HostConfiguration) WithTableName(tableName string) *HostConfiguration {
	checkIsValueNotEmpty("TableName", tableName)
	c.TableName = tableName
	return c
}

func (c *HostConfiguration) WithInitialPosition(initialPosition InitialPosition) *HostConfiguration {
	c.InitialPosition = initialPosition
	c.InitialPositionExtended = *newInitialPosition(initialPosition)
	return c
}

func (c *HostConfiguration) WithTimestampAtInitialPosition(timestamp *time.Time) *HostConfiguration {
	c.InitialPosition = AT_TIMESTAMP
	c.InitialPositionExtended = *newInitialPositionAtTimestamp(timestamp)
	return c
}

// WithInitialPositionProvider sets a per partition start position used when no checkpoint exists.
// A provider returning nil falls back to InitialPosition.
func (c *HostConfiguration) WithInitialPositionProvider(provider func(partitionID string) *interfaces.EventPosition) *HostConfiguration {
	c.InitialPositionProvider = provider
	return c
}

func (c *HostConfiguration) WithLeaseDurationSeconds(leaseDurationSeconds int) *HostConfiguration {
	checkIsValuePositive("LeaseDurationSeconds", leaseDurationSeconds)
	c.LeaseDurationSeconds = leaseDurationSeconds
	return c
}

func (c *HostConfiguration) WithLeaseRenewIntervalSeconds(leaseRenewIntervalSeconds int) *HostConfiguration {
	checkIsValuePositive("LeaseRenewIntervalSeconds", leaseRenewIntervalSeconds)
	c.LeaseRenewIntervalSeconds = leaseRenewIntervalSeconds
	return c
}

func (c *HostConfiguration) WithCheckpointTimeoutSeconds(checkpointTimeoutSeconds int) *HostConfiguration {
	checkIsValuePositive("CheckpointTimeoutSeconds", checkpointTimeoutSeconds)
	c.CheckpointTimeoutSeconds = checkpointTimeoutSeconds
	return c
}

func (c *HostConfiguration) WithMaxBatchSize(maxBatchSize int) *HostConfiguration {
	checkIsValuePositive("MaxBatchSize", maxBatchSize)
	c.MaxBatchSize = maxBatchSize
	return c
}

func (c *HostConfiguration) WithReceiveTimeoutMillis(receiveTimeoutMillis int) *HostConfiguration {
	checkIsValuePositive("ReceiveTimeoutMillis", receiveTimeoutMillis)
	c.ReceiveTimeoutMillis = receiveTimeoutMillis
	return c
}

// WithInvokeProcessorAfterReceiveTimeout delivers empty batches when a receive times out.
// Checkpointing from such a batch fails until a real event was seen.
func (c *HostConfiguration) WithInvokeProcessorAfterReceiveTimeout(invoke bool) *HostConfiguration {
	c.InvokeProcessorAfterReceiveTimeout = invoke
	return c
}

func (c *HostConfiguration) WithTaskBackoffTimeMillis(taskBackoffTimeMillis int) *HostConfiguration {
	checkIsValuePositive("TaskBackoffTimeMillis", taskBackoffTimeMillis)
	c.TaskBackoffTimeMillis = taskBackoffTimeMillis
	return c
}

func (c *HostConfiguration) WithMaxConcurrentLeaseChecks(n int) *HostConfiguration {
	checkIsValuePositive("MaxConcurrentLeaseChecks", n)
	c.MaxConcurrentLeaseChecks = n
	return c
}

func (c *HostConfiguration) WithLogger(logger logger.Logger) *HostConfiguration {
	if logger == nil {
		log.Panic("Logger cannot be null")
	}
	c.Logger = logger
	return c
}

// WithMonitoringService sets the monitoring service to use to publish metrics.
func (c *HostConfiguration) WithMonitoringService(mService metrics.MonitoringService) *HostConfiguration {
	// Nil case is handled downward (at coordinator creation) so no need to do it here.
	c.MonitoringService = mService
	return c
}

// WithExceptionHandler registers the sink for recoverable failures. nil disables notifications.
func (c *HostConfiguration) WithExceptionHandler(handler interfaces.ExceptionHandler) *HostConfiguration {
	c.ExceptionHandler = handler
	return c
}
