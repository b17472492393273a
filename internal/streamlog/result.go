package streamlog

import "github.com/rzbill/flostream/internal/record"

// LogRecord is a record with the offset it was read at.
type LogRecord struct {
	Offset Offset
	Record record.Record
}

// ReadKind tags a ReadResult.
type ReadKind int

const (
	// Empty: nothing arrived before the timeout.
	Empty ReadKind = iota
	// Ok: Record is set.
	Ok
	// RebalanceInProgress: assignments changed, read again.
	RebalanceInProgress
)

func (k ReadKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case RebalanceInProgress:
		return "rebalance"
	}
	return "empty"
}

// ReadResult is the outcome of Tailer.Read.
type ReadResult struct {
	Kind   ReadKind
	Record LogRecord
}

func OkResult(r LogRecord) ReadResult { return ReadResult{Kind: Ok, Record: r} }
func EmptyResult() ReadResult         { return ReadResult{Kind: Empty} }
func RebalanceResult() ReadResult     { return ReadResult{Kind: RebalanceInProgress} }

func (r ReadResult) IsOk() bool        { return r.Kind == Ok }
func (r ReadResult) IsEmpty() bool     { return r.Kind == Empty }
func (r ReadResult) IsRebalance() bool { return r.Kind == RebalanceInProgress }
