// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// CompressThreshold is the serialized size starting from which event
// payloads are gzip-compressed on the wire. All participants of a session
// share the constant; messages below it travel raw.
const CompressThreshold = 1024

type Compressor struct {
	threshold int
}

func NewCompressor() *Compressor {
	return &Compressor{threshold: CompressThreshold}
}

// MaybeCompress returns the compressed payload if data is at least the
// threshold long, and (nil, false) otherwise.
func (comp *Compressor) MaybeCompress(data []byte) ([]byte, bool) {
	if len(data) < comp.threshold {
		return nil, false
	}
	buf := new(bytes.Buffer)
	w := gzip.NewWriter(buf)
	// Writes to a bytes.Buffer don't fail.
	w.Write(data)
	w.Close()
	return buf.Bytes(), true
}

func (comp *Compressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress payload: %v", ErrCodec, err)
	}
	ret, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress payload: %v", ErrCodec, err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to decompress payload: %v", ErrCodec, err)
	}
	return ret, nil
}
