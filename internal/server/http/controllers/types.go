package controllers

import "github.com/rzbill/flostream/internal/processor"

// Common request/response types for HTTP controllers

type infoResp struct {
	Backend     string   `json:"backend"`
	Codecs      []string `json:"codecs"`
	Subscribe   bool     `json:"subscribe"`
	Concurrency int      `json:"concurrency"`
	Partitions  int      `json:"partitions"`
}

type logJSON struct {
	Log        string   `json:"log"`
	Partitions int      `json:"partitions"`
	Groups     []string `json:"groups"`
}

// createReq creates a log.
type createReq struct {
	Log        string `json:"log"`
	Partitions int    `json:"partitions"`
}

type deleteReq struct {
	Log string `json:"log"`
}

// appendReq appends one record. Data is base64 in JSON. A negative
// partition routes by key.
type appendReq struct {
	Log       string            `json:"log"`
	Key       string            `json:"key"`
	Data      []byte            `json:"data"`
	Headers   map[string]string `json:"headers"`
	Watermark int64             `json:"watermark"`
	Codec     string            `json:"codec"`
	Partition *int              `json:"partition"`
}

type appendResp struct {
	Partition int   `json:"partition"`
	Position  int64 `json:"position"`
}

type lagJSON struct {
	Partition int   `json:"partition"`
	Lower     int64 `json:"lower"`
	Upper     int64 `json:"upper"`
	Lag       int64 `json:"lag"`
}

type lagResp struct {
	Log        string    `json:"log"`
	Group      string    `json:"group"`
	Lag        int64     `json:"lag"`
	Upper      int64     `json:"upper"`
	Partitions []lagJSON `json:"partitions"`
}

// tailItem is one SSE event of a tail.
type tailItem struct {
	Partition int               `json:"partition"`
	Position  int64             `json:"position"`
	Key       string            `json:"key"`
	Data      []byte            `json:"data"`
	Watermark int64             `json:"watermark"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type processorJSON struct {
	Name         string                       `json:"name"`
	ID           string                       `json:"id"`
	Terminated   bool                         `json:"terminated"`
	LowWatermark int64                        `json:"low_watermark"`
	Computations []processor.ComputationStats `json:"computations"`
}

type computationLagResp struct {
	Processor   string `json:"processor"`
	Computation string `json:"computation"`
	Lag         int64  `json:"lag"`
	Upper       int64  `json:"upper"`
	LatencyMs   int64  `json:"latency_ms"`
}

type cancelReq struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}
