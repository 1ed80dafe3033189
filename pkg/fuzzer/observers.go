// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"encoding/binary"
	"fmt"
)

// CoverObservers is the observer state of one execution: the set of
// coverage PCs the target reached.
type CoverObservers struct {
	PCs []uint64
}

// EncodeObservers serializes observers in the deterministic little-endian
// format shared by all session participants.
func EncodeObservers(obs *CoverObservers) []byte {
	ret := binary.LittleEndian.AppendUint32(nil, uint32(len(obs.PCs)))
	for _, pc := range obs.PCs {
		ret = binary.LittleEndian.AppendUint64(ret, pc)
	}
	return ret
}

func DecodeObservers(data []byte) (*CoverObservers, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("truncated observers buffer of %v bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+8*count {
		return nil, fmt.Errorf("observers buffer of %v bytes doesn't hold %v PCs", len(data), count)
	}
	pcs := make([]uint64, count)
	for i := range pcs {
		pcs[i] = binary.LittleEndian.Uint64(data[4+8*i:])
	}
	return &CoverObservers{PCs: pcs}, nil
}
