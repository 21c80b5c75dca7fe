package models

// Lease is one row of the lease table. Leases and checkpoints share the row.
type Lease struct {
	ConsumerGroup string
	PartitionID   string
	Owner         string
	Token         string
	Epoch         int64

	// LeaseTimeout is in unix nanoseconds, 0 when unset.
	LeaseTimeout int64

	// Offset is empty until a checkpoint was recorded.
	Offset         string
	SequenceNumber int64

	// Version is bumped on every write and used for optimistic concurrency.
	Version int64
}
