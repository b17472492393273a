package codec

import (
	"github.com/juju/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/rzbill/flostream/internal/record"
)

// Msgpack encodes records as a msgpack map.
var Msgpack Codec = msgpackCodec{}

type msgpackRecord struct {
	Key       string            `msgpack:"k"`
	Data      []byte            `msgpack:"d"`
	Watermark int64             `msgpack:"w"`
	Flags     uint8             `msgpack:"f"`
	Headers   map[string]string `msgpack:"h"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return MsgpackName }

func (msgpackCodec) Encode(r record.Record) ([]byte, error) {
	return msgpack.Marshal(&msgpackRecord{Key: r.Key, Data: r.Data, Watermark: r.Watermark, Flags: uint8(r.Flags), Headers: r.Headers})
}

func (msgpackCodec) Decode(b []byte) (record.Record, error) {
	var mr msgpackRecord
	if err := msgpack.Unmarshal(b, &mr); err != nil {
		return record.Record{}, errors.NewNotValid(err, "msgpack record")
	}
	out := record.Record{Key: mr.Key, Watermark: mr.Watermark, Flags: record.Flag(mr.Flags)}
	if len(mr.Data) > 0 {
		out.Data = mr.Data
	}
	if len(mr.Headers) > 0 {
		out.Headers = mr.Headers
	}
	return out, nil
}
