// Package batchstore encodes and decodes the on-disk representation of a
// batch of events: gzip-compressed JSON.
package batchstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/and161185/external-metrics/model"
)

// ErrDecode is returned for any payload that is not a valid encoded batch.
var ErrDecode = errors.New("malformed batch")

// maxDecodedSize bounds the inflated size of a single file.
const maxDecodedSize = 16 << 20

// Encode serializes the batch into its on-disk form.
func Encode(b model.Batch) ([]byte, error) {
	if b.Events == nil {
		b.Events = []model.Event{}
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses one encoded batch. Any failure wraps ErrDecode.
func Decode(data []byte) (model.Batch, error) {
	if len(data) == 0 {
		return model.Batch{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(io.LimitReader(gr, maxDecodedSize+1))
	if err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) > maxDecodedSize {
		return model.Batch{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrDecode, maxDecodedSize)
	}

	var b model.Batch
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}
