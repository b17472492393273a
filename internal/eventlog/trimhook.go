package eventlog

// TrimHook is an optional callback invoked when trims delete ranges. The file
// backend uses it to count purged entries.
type TrimHook interface {
	TrimmedRange(logID string, partition uint32, minSeq, maxSeq uint64)
}

// TrimHookFunc adapts a function to TrimHook.
type TrimHookFunc func(logID string, partition uint32, minSeq, maxSeq uint64)

func (f TrimHookFunc) TrimmedRange(logID string, partition uint32, minSeq, maxSeq uint64) {
	f(logID, partition, minSeq, maxSeq)
}

type noopTrimHook struct{}

func (noopTrimHook) TrimmedRange(string, uint32, uint64, uint64) {}
