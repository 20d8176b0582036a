package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// snappyHeader is the stream identifier snappy's framing format starts
// with. Values without it are plain JSON.
var snappyHeader = []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}

type Option func(*options)

type options struct {
	compress bool
}

// WithCompression stores values snappy compressed. Reading accepts both
// forms, so the flag can be flipped on an existing store.
func WithCompression(enabled bool) Option {
	return func(o *options) {
		o.compress = enabled
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if !o.compress {
		return data, nil
	}
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out any) error {
	if bytes.HasPrefix(data, snappyHeader) {
		raw, err := io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		data = raw
	}
	return json.Unmarshal(data, out)
}
