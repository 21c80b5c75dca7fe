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

package interfaces

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
)

const (
	// SHUTDOWN is used when the host is stopping or the partition source failed.
	// The lease is released so another host can pick the partition up immediately.
	SHUTDOWN ShutdownReason = iota + 1

	// LEASE_LOST is used when another host took the lease. Checkpointing will fail
	// and the lease must not be released by this host.
	LEASE_LOST
)

// Containers for the parameters to the IEventProcessor methods.
type (
	// ShutdownReason is the reason a processor is being closed.
	ShutdownReason int

	InitializationInput struct {
		Context IPartitionContext

		// StartPosition is where the event source will begin reading.
		StartPosition *EventPosition
	}

	ProcessEventsInput struct {
		Context IPartitionContext

		// Events is never nil but may be empty when empty batches are delivered on receive timeout.
		Events []*EventData
	}

	ShutdownInput struct {
		Context        IPartitionContext
		ShutdownReason ShutdownReason
	}

	ErrorInput struct {
		Context IPartitionContext
		Err     error
	}
)

var shutdownReasonMap = map[ShutdownReason]*string{
	SHUTDOWN:   aws.String("SHUTDOWN"),
	LEASE_LOST: aws.String("LEASE_LOST"),
}

// ShutdownReasonMessage returns the label of a shutdown reason.
func ShutdownReasonMessage(reason ShutdownReason) *string {
	return shutdownReasonMap[reason]
}

func (r ShutdownReason) String() string {
	if msg := ShutdownReasonMessage(r); msg != nil {
		return *msg
	}
	return "UNKNOWN"
}

type (
	// IPartitionContext is handed to a processor for the lifetime of one partition worker.
	// It exposes the partition identity and checkpointing.
	IPartitionContext interface {
		PartitionID() string
		HostName() string
		Epoch() int64

		// Checkpoint records the last event delivered to the processor.
		Checkpoint(ctx context.Context) error

		// CheckpointAt records the given event. Checkpoints never move backwards.
		CheckpointAt(ctx context.Context, event *EventData) error
	}

	// IEventProcessor is the user supplied business logic for one partition.
	// Calls to ProcessEvents and Shutdown are never concurrent.
	IEventProcessor interface {
		// Initialize is called once before any events are delivered. An error aborts the worker.
		Initialize(ctx context.Context, input *InitializationInput) error

		// ProcessEvents delivers one batch. An error is forwarded to OnError and the
		// batch does not advance the partition position.
		ProcessEvents(ctx context.Context, input *ProcessEventsInput) error

		// Shutdown is called once when the worker closes. When the reason is LEASE_LOST
		// checkpointing is no longer possible.
		Shutdown(ctx context.Context, input *ShutdownInput) error

		// OnError is called for processing errors and event source errors.
		OnError(input *ErrorInput)
	}

	// IEventProcessorFactory creates one IEventProcessor per partition worker.
	IEventProcessorFactory interface {
		CreateProcessor(pctx IPartitionContext) (IEventProcessor, error)
	}
)
