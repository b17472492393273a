package codec

import (
	"sort"

	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rzbill/flostream/internal/record"
)

// Proto encodes records with the protobuf wire format of:
//
//	message Record {
//	  string key = 1;
//	  bytes data = 2;
//	  int64 watermark = 3;
//	  uint32 flags = 4;
//	  map<string, string> headers = 5;
//	}
var Proto Codec = protoCodec{}

type protoCodec struct{}

func (protoCodec) Name() string { return ProtoName }

func (protoCodec) Encode(r record.Record) ([]byte, error) {
	var b []byte
	if r.Key != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	if r.Watermark != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Watermark))
	}
	if r.Flags != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Flags))
	}
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, r.Headers[k])
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func (protoCodec) Decode(b []byte) (record.Record, error) {
	var r record.Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, errors.NewNotValid(protowire.ParseError(n), "proto record tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, errors.NewNotValid(protowire.ParseError(n), "proto record key")
			}
			r.Key, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, errors.NewNotValid(protowire.ParseError(n), "proto record data")
			}
			r.Data, b = append([]byte(nil), v...), b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, errors.NewNotValid(protowire.ParseError(n), "proto record watermark")
			}
			r.Watermark, b = int64(v), b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, errors.NewNotValid(protowire.ParseError(n), "proto record flags")
			}
			r.Flags, b = record.Flag(v), b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, errors.NewNotValid(protowire.ParseError(n), "proto record header")
			}
			k, val, err := decodeHeaderEntry(v)
			if err != nil {
				return r, err
			}
			if r.Headers == nil {
				r.Headers = map[string]string{}
			}
			r.Headers[k] = val
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, errors.NewNotValid(protowire.ParseError(n), "proto record field")
			}
			b = b[n:]
		}
	}
	return r, nil
}

func decodeHeaderEntry(b []byte) (string, string, error) {
	var k, v string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", "", errors.NotValidf("proto header entry")
		}
		b = b[n:]
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", errors.NewNotValid(protowire.ParseError(n), "proto header entry")
		}
		b = b[n:]
		switch num {
		case 1:
			k = s
		case 2:
			v = s
		}
	}
	return k, v, nil
}
