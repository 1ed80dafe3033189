// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package log

import "fmt"

// Truncate leaves up to `begin` bytes at the beginning of data and
// up to `end` bytes at the end of the data.
func Truncate(data []byte, begin, end int) []byte {
	cut := len(data) - begin - end
	if cut <= 0 {
		return data
	}
	ret := append([]byte{}, data[:begin]...)
	if begin > 0 {
		ret = append(ret, "\n\n"...)
	}
	ret = append(ret, fmt.Sprintf("<<cut %d bytes out>>", cut)...)
	if end > 0 {
		ret = append(ret, "\n\n"...)
	}
	return append(ret, data[len(data)-end:]...)
}

// TruncateMiddle cuts the middle of data so that no more than max bytes
// of the original payload remain. Used to keep oversized lines from
// evicting the whole log cache.
func TruncateMiddle(data []byte, max int) []byte {
	if max <= 0 || len(data) <= max {
		return data
	}
	return Truncate(data, max/2, max-max/2)
}
