package eventlog

import (
	"encoding/binary"
	"hash/crc32"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
//
// Header encoding: appendMs (8B BE) | tag bytes. The tag is opaque to the log;
// the file backend stores the codec name there.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord frames header and payload with a checksum.
func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

type Decoded struct {
	Header  []byte
	Payload []byte
}

// DecodeRecord reverses EncodeRecord. It reports false on truncation or a
// checksum mismatch.
func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)) < uint64(n)+hlen+4 {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, false
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, true
}

// EncodeHeader builds an entry header from an append time and a tag.
func EncodeHeader(appendMs int64, tag string) []byte {
	h := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(h, uint64(appendMs))
	return append(h, tag...)
}

// DecodeHeader splits a header built by EncodeHeader.
func DecodeHeader(h []byte) (appendMs int64, tag string, ok bool) {
	if len(h) < 8 {
		return 0, "", false
	}
	return int64(binary.BigEndian.Uint64(h[:8])), string(h[8:]), true
}

// HeaderAppendTime is a HeaderTimestampExtractor for EncodeHeader headers.
func HeaderAppendTime(h []byte) (int64, bool) {
	ms, _, ok := DecodeHeader(h)
	return ms, ok
}
