package codec

import (
	"bytes"
	"io"

	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/rzbill/flostream/internal/record"
)

// LZ4 wraps inner, compressing its output with an lz4 frame. The wrapped
// codec is named "lz4+<inner>".
func LZ4(inner Codec) Codec { return lz4Codec{inner: inner} }

type lz4Codec struct{ inner Codec }

func (c lz4Codec) Name() string { return lz4Prefix + c.inner.Name() }

func (c lz4Codec) Encode(r record.Record) ([]byte, error) {
	raw, err := c.inner.Encode(r)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Annotate(err, "lz4 compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Annotate(err, "lz4 compress")
	}
	return buf.Bytes(), nil
}

func (c lz4Codec) Decode(b []byte) (record.Record, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
	if err != nil {
		return record.Record{}, errors.NewNotValid(err, "lz4 frame")
	}
	return c.inner.Decode(raw)
}
