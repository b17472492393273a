package codec

import (
	"encoding/binary"
	"sort"

	"github.com/juju/errors"

	"github.com/rzbill/flostream/internal/record"
)

// Legacy is the raw framing used when no codec was negotiated:
//
//	uvarint len | key | uvarint len | data | watermark (8B BE) | flags (1B) |
//	uvarint n | n × (uvarint len | k | uvarint len | v)
var Legacy Codec = legacyCodec{}

type legacyCodec struct{}

func (legacyCodec) Name() string { return LegacyName }

func (legacyCodec) Encode(r record.Record) ([]byte, error) {
	out := make([]byte, 0, len(r.Key)+len(r.Data)+24)
	out = appendBytes(out, []byte(r.Key))
	out = appendBytes(out, r.Data)
	out = binary.BigEndian.AppendUint64(out, uint64(r.Watermark))
	out = append(out, byte(r.Flags))
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out = binary.AppendUvarint(out, uint64(len(keys)))
	for _, k := range keys {
		out = appendBytes(out, []byte(k))
		out = appendBytes(out, []byte(r.Headers[k]))
	}
	return out, nil
}

func (legacyCodec) Decode(b []byte) (record.Record, error) {
	var r record.Record
	key, b, err := readBytes(b)
	if err != nil {
		return r, err
	}
	data, b, err := readBytes(b)
	if err != nil {
		return r, err
	}
	if len(b) < 9 {
		return r, errors.NotValidf("legacy record: truncated")
	}
	r.Key = string(key)
	if len(data) > 0 {
		r.Data = data
	}
	r.Watermark = int64(binary.BigEndian.Uint64(b[:8]))
	r.Flags = record.Flag(b[8])
	b = b[9:]
	n, sz := binary.Uvarint(b)
	if sz <= 0 || n > uint64(len(b)) {
		return r, errors.NotValidf("legacy record: bad header count")
	}
	b = b[sz:]
	if n > 0 {
		r.Headers = make(map[string]string, n)
	}
	for i := uint64(0); i < n; i++ {
		var k, v []byte
		if k, b, err = readBytes(b); err != nil {
			return r, err
		}
		if v, b, err = readBytes(b); err != nil {
			return r, err
		}
		r.Headers[string(k)] = string(v)
	}
	if len(b) != 0 {
		return r, errors.NotValidf("legacy record: %d trailing bytes", len(b))
	}
	return r, nil
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 || uint64(len(b)-sz) < n {
		return nil, nil, errors.NotValidf("legacy record: truncated field")
	}
	end := sz + int(n)
	return append([]byte(nil), b[sz:end]...), b[end:], nil
}
