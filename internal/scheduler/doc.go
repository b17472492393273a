// Package scheduler backs an asynchronous work scheduler with streams.
//
// Each queue is a stream named work/{queue} consumed by one processor whose
// single computation is named after the queue, so the queue name is also the
// consumer group. Works are msgpack encoded and partitioned by their
// partition key.
//
// # Metrics
//
// Queue metrics are derived from the lag of the queue group:
//
//	| Metric    | Source                        |
//	|-----------|-------------------------------|
//	| Scheduled | records not committed         |
//	| Running   | min(scheduled, partitions)    |
//	| Completed | records committed             |
//	| Cancelled | works cancelled before a run  |
//
// # Identity
//
// Scheduling a work whose id is already scheduled or running is a no-op.
// Once the work completed the id can be scheduled again.
package scheduler
