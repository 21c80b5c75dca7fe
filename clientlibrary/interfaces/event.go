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
	"time"
)

// StartOfStream is the offset that positions a receiver before the first available event.
const StartOfStream = "-1"

// EndOfStream is the offset that positions a receiver after the last enqueued event.
const EndOfStream = "@latest"

type (
	// EventData is one event received from a partition.
	EventData struct {
		// Body is the raw payload.
		Body []byte

		// PartitionKey the producer used, if any.
		PartitionKey string

		// Offset is the stream specific position marker of this event.
		Offset string

		// SequenceNumber increases monotonically within a partition.
		SequenceNumber int64

		// EnqueuedTime is when the event was accepted by the stream.
		EnqueuedTime time.Time

		Properties map[string]interface{}
	}

	// EventPosition tells an event source where a receiver has to start reading.
	// Exactly one of Offset or Timestamp is set.
	EventPosition struct {
		Offset         string
		SequenceNumber int64
		Timestamp      *time.Time

		// Inclusive includes the event at Offset. Positions derived from a checkpoint are exclusive.
		Inclusive bool
	}
)

// NewEventPositionFromOffset returns an exclusive position after the given offset.
func NewEventPositionFromOffset(offset string, sequenceNumber int64) *EventPosition {
	return &EventPosition{Offset: offset, SequenceNumber: sequenceNumber}
}

// NewEventPositionAtTimestamp returns a position at the first event enqueued at or after t.
func NewEventPositionAtTimestamp(t time.Time) *EventPosition {
	return &EventPosition{Timestamp: &t}
}

// IsStartOfStream reports whether the position points before the first event.
func (p *EventPosition) IsStartOfStream() bool {
	return p.Timestamp == nil && p.Offset == StartOfStream
}

// IsEndOfStream reports whether the position points after the last event.
func (p *EventPosition) IsEndOfStream() bool {
	return p.Timestamp == nil && p.Offset == EndOfStream
}

// LastEvent returns the newest event in a batch, or nil for an empty batch.
func LastEvent(events []*EventData) *EventData {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

// BatchBytes sums the body sizes of a batch.
func BatchBytes(events []*EventData) int64 {
	var n int64
	for _, e := range events {
		n += int64(len(e.Body))
	}
	return n
}
