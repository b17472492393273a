package eventlog

import "testing"

func TestRecordRoundtrip(t *testing.T) {
	header := []byte("h")
	payload := []byte("payload")
	rec := EncodeRecord(header, payload)
	dec, ok := DecodeRecord(rec)
	if !ok {
		t.Fatalf("decode failed")
	}
	if string(dec.Header) != string(header) {
		t.Fatalf("header mismatch")
	}
	if string(dec.Payload) != string(payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestRecordCRCFail(t *testing.T) {
	h := []byte("x")
	p := []byte("y")
	rec := EncodeRecord(h, p)
	rec[len(rec)-1] ^= 0xFF // corrupt one byte
	if _, ok := DecodeRecord(rec); ok {
		t.Fatalf("expected crc failure")
	}
}

func TestHeaderRoundtrip(t *testing.T) {
	h := EncodeHeader(1234, "msgpack")
	ms, tag, ok := DecodeHeader(h)
	if !ok || ms != 1234 || tag != "msgpack" {
		t.Fatalf("header mismatch: %d %q %v", ms, tag, ok)
	}
	if _, _, ok := DecodeHeader([]byte{1, 2}); ok {
		t.Fatalf("short header should not decode")
	}
}
