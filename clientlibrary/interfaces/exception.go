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

// Action labels carried by ExceptionReceivedInput.
const (
	ActionCheckingLeases          = "Checking Leases"
	ActionStealingLease           = "Stealing Lease"
	ActionCreatingLease           = "Creating Lease"
	ActionCreatingCheckpoint      = "Creating Checkpoint"
	ActionCreatingLeaseStore      = "Creating Lease Store"
	ActionCreatingCheckpointStore = "Creating Checkpoint Store"
	ActionGettingPartitionIDs     = "Getting Partition Ids"
	ActionOpeningEventProcessor   = "Opening Event Processor"
	ActionOpeningEventSource      = "Opening Event Source"
	ActionClosingEventProcessor   = "Closing Event Processor"
	ActionClosingEventSource      = "Closing Event Source"
	ActionReleasingLease          = "Releasing Lease"
	ActionDeliveringEvents        = "Delivering Events"
	ActionPartitionManagerLoop    = "Partition Manager Main Loop"
)

// ExceptionReceivedInput describes a recoverable failure outside a processor's own error hook.
type ExceptionReceivedInput struct {
	HostName string
	Err      error
	Action   string

	// PartitionID is empty when the failure is not tied to one partition.
	PartitionID string
}

// ExceptionHandler is the optional operator sink for ExceptionReceivedInput.
type ExceptionHandler func(input *ExceptionReceivedInput)
