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

// Package config holds the options of an event processor host.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	creds "github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/logger"
)

const (
	// START_OF_STREAM starts from the oldest available event.
	START_OF_STREAM InitialPosition = iota + 1
	// END_OF_STREAM starts after the most recent event (fetch new data only).
	END_OF_STREAM
	// AT_TIMESTAMP starts from the first event enqueued at or after the configured timestamp.
	AT_TIMESTAMP

	// The position a partition is read from when it has no checkpoint yet.
	DefaultInitialPosition = END_OF_STREAM

	// Lease duration. A host which does not renew its lease within this period
	// loses it to whichever host scans next.
	DefaultLeaseDurationSeconds = 30

	// Interval between two coordinator iterations. Must not exceed the lease duration.
	DefaultLeaseRenewIntervalSeconds = 10

	// Upper bound for one checkpoint write.
	DefaultCheckpointTimeoutSeconds = 120

	// Max events delivered to a processor in one batch.
	DefaultMaxBatchSize = 10

	// How long a receiver waits for events before delivering an empty batch
	// (only when InvokeProcessorAfterReceiveTimeout is set).
	DefaultReceiveTimeoutMillis = 60000

	// Don't call ProcessEvents for empty batches.
	DefaultInvokeProcessorAfterReceiveTimeout = false

	// Backoff between two attempts of a failed initialization step.
	DefaultTaskBackoffTimeMillis = 500

	// Max number of leases evaluated concurrently during one scan.
	DefaultMaxConcurrentLeaseChecks = 16

	// The DynamoDB lease table will be provisioned with this read capacity.
	DefaultInitialLeaseTableReadCapacity = 10

	// The DynamoDB lease table will be provisioned with this write capacity.
	DefaultInitialLeaseTableWriteCapacity = 10
)

type (
	// InitialPosition is used to specify where a partition without checkpoint starts.
	InitialPosition int

	// InitialPositionExtended carries the AT_TIMESTAMP value alongside the position.
	InitialPositionExtended struct {
		Position InitialPosition

		// Timestamp of the first event to read. If no event with this exact
		// timestamp exists, the next later event is used.
		Timestamp *time.Time
	}

	// InitialPositionProvider returns the start position of a partition which has no checkpoint.
	InitialPositionProvider func(partitionID string) *interfaces.EventPosition

	// HostConfiguration configures one event processor host.
	HostConfiguration struct {
		// ApplicationName identifies the consuming application. Several applications may consume the same stream.
		ApplicationName string

		// StreamName is the partitioned stream being consumed.
		StreamName string

		// ConsumerGroup scopes leases so that several groups can consume the same stream independently.
		ConsumerGroup string

		// HostName distinguishes cooperating hosts. Defaults to a random UUID.
		HostName string

		// TableName is the lease table name, default ApplicationName.
		TableName string

		// RegionName is the AWS region for the DynamoDB, Kinesis and CloudWatch clients.
		RegionName string

		// DynamoDBEndpoint is an optional endpoint URL that overrides the default generated endpoint for a DynamoDB client.
		DynamoDBEndpoint string

		// KinesisEndpoint is an optional endpoint URL that overrides the default generated endpoint for a Kinesis client.
		KinesisEndpoint string

		// KinesisCredentials is used to access Kinesis
		KinesisCredentials *creds.Credentials

		// DynamoDBCredentials is used to access DynamoDB
		DynamoDBCredentials *creds.Credentials

		// InitialPosition specifies where a partition without checkpoint starts.
		InitialPosition InitialPosition

		// InitialPositionExtended provides actual AT_TIMESTAMP value
		InitialPositionExtended InitialPositionExtended

		// InitialPositionProvider overrides InitialPosition per partition when set.
		InitialPositionProvider InitialPositionProvider

		// LeaseDurationSeconds leases not renewed within this period can be acquired by others.
		LeaseDurationSeconds int

		// LeaseRenewIntervalSeconds is the coordinator cadence.
		LeaseRenewIntervalSeconds int

		// CheckpointTimeoutSeconds bounds a single checkpoint write.
		CheckpointTimeoutSeconds int

		// MaxBatchSize Max events delivered per ProcessEvents call
		MaxBatchSize int

		// ReceiveTimeoutMillis Idle time between reads when no events are returned
		ReceiveTimeoutMillis int

		// InvokeProcessorAfterReceiveTimeout calls ProcessEvents with an empty batch after a receive timeout.
		InvokeProcessorAfterReceiveTimeout bool

		// TaskBackoffTimeMillis Backoff period when initialization tasks encounter an error
		TaskBackoffTimeMillis int

		// MaxConcurrentLeaseChecks bounds concurrent store calls during a scan.
		MaxConcurrentLeaseChecks int

		// Read capacity to provision when creating the lease table (dynamoDB).
		InitialLeaseTableReadCapacity int

		// Write capacity to provision when creating the lease table.
		InitialLeaseTableWriteCapacity int

		// Logger used to log message.
		Logger logger.Logger

		// MonitoringService publishes per host-scoped metrics.
		MonitoringService metrics.MonitoringService

		// ExceptionHandler receives recoverable failures. Optional.
		ExceptionHandler interfaces.ExceptionHandler
	}
)

var positionMap = map[InitialPosition]*string{
	START_OF_STREAM: aws.String("START_OF_STREAM"),
	END_OF_STREAM:   aws.String("END_OF_STREAM"),
	AT_TIMESTAMP:    aws.String("AT_TIMESTAMP"),
}

// InitialPositionName returns the label of an initial position.
func InitialPositionName(pos InitialPosition) *string {
	return positionMap[pos]
}

func newInitialPosition(position InitialPosition) *InitialPositionExtended {
	return &InitialPositionExtended{Position: position, Timestamp: nil}
}

func newInitialPositionAtTimestamp(timestamp *time.Time) *InitialPositionExtended {
	return &InitialPositionExtended{Position: AT_TIMESTAMP, Timestamp: timestamp}
}

// EventPosition converts the extended initial position into an event source position.
func (p *InitialPositionExtended) EventPosition() *interfaces.EventPosition {
	switch p.Position {
	case START_OF_STREAM:
		return &interfaces.EventPosition{Offset: interfaces.StartOfStream}
	case AT_TIMESTAMP:
		if p.Timestamp != nil {
			return interfaces.NewEventPositionAtTimestamp(*p.Timestamp)
		}
		return &interfaces.EventPosition{Offset: interfaces.StartOfStream}
	default:
		return &interfaces.EventPosition{Offset: interfaces.EndOfStream}
	}
}

// StartPosition returns the position a partition without checkpoint starts from.
func (c *HostConfiguration) StartPosition(partitionID string) *interfaces.EventPosition {
	if c.InitialPositionProvider != nil {
		if pos := c.InitialPositionProvider(partitionID); pos != nil {
			return pos
		}
	}
	return c.InitialPositionExtended.EventPosition()
}

// LeaseDuration returns LeaseDurationSeconds as a duration.
func (c *HostConfiguration) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

// LeaseRenewInterval returns LeaseRenewIntervalSeconds as a duration.
func (c *HostConfiguration) LeaseRenewInterval() time.Duration {
	return time.Duration(c.LeaseRenewIntervalSeconds) * time.Second
}

// CheckpointTimeout returns CheckpointTimeoutSeconds as a duration.
func (c *HostConfiguration) CheckpointTimeout() time.Duration {
	return time.Duration(c.CheckpointTimeoutSeconds) * time.Second
}

// TaskBackoff returns TaskBackoffTimeMillis as a duration.
func (c *HostConfiguration) TaskBackoff() time.Duration {
	return time.Duration(c.TaskBackoffTimeMillis) * time.Millisecond
}

// Validate checks the invariants between options that the With* setters cannot check alone.
func (c *HostConfiguration) Validate() error {
	if empty(c.ApplicationName) {
		return errors.New("ApplicationName must not be empty")
	}
	if empty(c.HostName) {
		return errors.New("HostName must not be empty")
	}
	if c.LeaseDurationSeconds <= 0 {
		return fmt.Errorf("LeaseDurationSeconds must be positive, actual: %d", c.LeaseDurationSeconds)
	}
	if c.LeaseRenewIntervalSeconds <= 0 {
		return fmt.Errorf("LeaseRenewIntervalSeconds must be positive, actual: %d", c.LeaseRenewIntervalSeconds)
	}
	if c.LeaseRenewIntervalSeconds > c.LeaseDurationSeconds {
		return fmt.Errorf("LeaseRenewIntervalSeconds (%d) must not exceed LeaseDurationSeconds (%d)",
			c.LeaseRenewIntervalSeconds, c.LeaseDurationSeconds)
	}
	if c.CheckpointTimeoutSeconds <= 0 {
		return fmt.Errorf("CheckpointTimeoutSeconds must be positive, actual: %d", c.CheckpointTimeoutSeconds)
	}
	if c.MaxConcurrentLeaseChecks <= 0 {
		return fmt.Errorf("MaxConcurrentLeaseChecks must be positive, actual: %d", c.MaxConcurrentLeaseChecks)
	}
	if c.InitialPosition == AT_TIMESTAMP && c.InitialPositionExtended.Timestamp == nil {
		return errors.New("AT_TIMESTAMP initial position requires a timestamp")
	}
	return nil
}

func empty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// checkIsValueNotEmpty makes sure the value is not empty.
func checkIsValueNotEmpty(key string, value string) {
	if empty(value) {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Non-empty value expected for %v, actual: %v", key, value)
	}
}

// checkIsValuePositive makes sure the value is positive.
func checkIsValuePositive(key string, value int) {
	if value <= 0 {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Positive value expected for %v, actual: %v", key, value)
	}
}
