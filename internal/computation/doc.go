// Package computation defines the units of a stream topology.
//
// A Computation declares numbered input and output slots ("i1", "o1", ...)
// and is driven by a runner through ProcessRecord and ProcessTimer. Side
// effects go through a Context: produced records, timers, checkpoint and
// termination requests. The runner maps slots to real streams, so a
// computation never sees stream names.
//
// Batch wraps a BatchProcessor with capacity, threshold and input-switch
// flushing and applies the retry and failure policy in place.
package computation
