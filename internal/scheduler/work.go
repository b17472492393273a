package scheduler

import (
	"github.com/juju/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/rzbill/flostream/pkg/id"
)

// Work is a unit of work of a queue.
type Work struct {
	ID           string            `msgpack:"id" json:"id"`
	Category     string            `msgpack:"category" json:"category"`
	PartitionKey string            `msgpack:"partitionKey" json:"partitionKey,omitempty"`
	Payload      []byte            `msgpack:"payload" json:"payload,omitempty"`
	Properties   map[string]string `msgpack:"properties" json:"properties,omitempty"`
	ScheduledAt  int64             `msgpack:"scheduledAt" json:"scheduledAt"`
}

// NewWork returns a work with a fresh time-ordered id.
func NewWork(category string, payload []byte) Work {
	return Work{ID: id.New().String(), Category: category, Payload: payload}
}

// key partitions the work; works without a partition key spread by id.
func (w Work) key() string {
	if w.PartitionKey != "" {
		return w.PartitionKey
	}
	return w.ID
}

func encodeWork(w Work) ([]byte, error) {
	b, err := msgpack.Marshal(&w)
	return b, errors.Annotatef(err, "encode work %s", w.ID)
}

func decodeWork(b []byte) (Work, error) {
	var w Work
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return Work{}, errors.Annotate(err, "decode work")
	}
	return w, nil
}

// QueueMetrics are the counters of a queue.
type QueueMetrics struct {
	Queue     string `json:"queue"`
	Scheduled int64  `json:"scheduled"`
	Running   int64  `json:"running"`
	Completed int64  `json:"completed"`
	Cancelled int64  `json:"cancelled"`
}
