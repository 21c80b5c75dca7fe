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
)

type (
	// OpenInput carries what an event source needs to start a receiver on a partition.
	OpenInput struct {
		PartitionID string

		// Epoch fences out receivers opened with a lower epoch, where the source supports it.
		Epoch int64

		StartPosition *EventPosition

		// Handler receives batches and errors on the receiver's own goroutine.
		Handler IBatchHandler
	}

	// IBatchHandler is the push style callback installed on a receiver.
	IBatchHandler interface {
		OnEvents(events []*EventData)

		// OnError reports a receive failure. The receiver stops delivering after it.
		OnError(err error)
	}

	// IReceiver is the handle of an opened receiver.
	IReceiver interface {
		// Close stops delivery. No handler call is made after Close returns.
		Close(ctx context.Context) error
	}

	// IEventSource connects partition workers to the partitioned stream.
	IEventSource interface {
		// PartitionIDs returns the fixed partition id set of the stream.
		PartitionIDs(ctx context.Context) ([]string, error)

		// Open starts a receiver. Cancelling ctx aborts a pending open.
		Open(ctx context.Context, input *OpenInput) (IReceiver, error)
	}
)
