package codec

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/record"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON encodes records as one JSON object; data is base64.
var JSON Codec = jsonCodec{}

type jsonRecord struct {
	Key       string            `json:"key,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Watermark int64             `json:"wm"`
	Flags     uint8             `json:"flags,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return JSONName }

func (jsonCodec) Encode(r record.Record) ([]byte, error) {
	return jsonAPI.Marshal(jsonRecord{Key: r.Key, Data: r.Data, Watermark: r.Watermark, Flags: uint8(r.Flags), Headers: r.Headers})
}

func (jsonCodec) Decode(b []byte) (record.Record, error) {
	var jr jsonRecord
	if err := jsonAPI.Unmarshal(b, &jr); err != nil {
		return record.Record{}, errors.NewNotValid(err, "json record")
	}
	return record.Record{Key: jr.Key, Data: jr.Data, Watermark: jr.Watermark, Flags: record.Flag(jr.Flags), Headers: jr.Headers}, nil
}
