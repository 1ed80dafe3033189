// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides functionality similar to the standard log package with some extensions:
//   - verbosity levels
//   - global verbosity setting that can be used by multiple packages
//   - ability to remember a fixed amount of recent output for error reports
package log

import (
	"bytes"
	"flag"
	"fmt"
	golog "log"
	"strings"
	"sync"
	"time"
)

var (
	flagV = flag.Int("vv", 0, "verbosity")

	mu           sync.Mutex
	cacheMem     int
	cacheMaxMem  int
	cachePos     int
	cacheEntries []string
	prependTime  = true // for testing
)

// A single cached line longer than this is truncated in the middle, so that
// one huge message dump cannot evict the rest of the cache.
const maxCachedLineLen = 4 << 10

// EnableLogCaching makes the package remember the last maxLines lines of output,
// but no more than maxMem bytes total.
func EnableLogCaching(maxLines, maxMem int) {
	mu.Lock()
	defer mu.Unlock()
	if cacheEntries != nil {
		Fatalf("log caching is already enabled")
	}
	if maxLines < 1 || maxMem < 1 {
		panic("invalid maxLines/maxMem")
	}
	cacheMaxMem = maxMem
	cacheEntries = make([]string, maxLines)
}

// CachedLogOutput returns all cached log output.
func CachedLogOutput() string {
	mu.Lock()
	defer mu.Unlock()
	buf := new(bytes.Buffer)
	for i := range cacheEntries {
		pos := (cachePos + i) % len(cacheEntries)
		if cacheEntries[pos] == "" {
			continue
		}
		buf.WriteString(cacheEntries[pos])
		buf.WriteByte('\n')
	}
	return buf.String()
}

// V reports whether verbosity at the requested level is enabled.
func V(level int) bool {
	return level <= *flagV
}

func Logf(v int, msg string, args ...interface{}) {
	cacheMessage(msg, args...)
	if V(v) {
		golog.Printf(msg, args...)
	}
}

func Errorf(msg string, args ...interface{}) {
	Logf(0, "ERROR: "+msg, args...)
}

func Fatal(err error) {
	Fatalf("%v", err)
}

func Fatalf(msg string, args ...interface{}) {
	cacheMessage(msg, args...)
	golog.Fatalf(msg, args...)
}

func cacheMessage(msg string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if cacheEntries == nil {
		return
	}
	line := fmt.Sprintf(msg, args...)
	if prependTime {
		line = fmt.Sprintf("%v %v", time.Now().Format("15:04:05"), line)
	}
	line = strings.TrimSpace(line)
	line = string(TruncateMiddle([]byte(line), maxCachedLineLen))
	cacheMem -= len(cacheEntries[cachePos])
	if cacheMem < 0 {
		panic("log cache size underflow")
	}
	cacheEntries[cachePos] = line
	cacheMem += len(line)
	cachePos++
	if cachePos == len(cacheEntries) {
		cachePos = 0
	}
	for cacheMem > cacheMaxMem {
		pos := cachePos
		for cacheEntries[pos] == "" {
			pos++
			if pos == len(cacheEntries) {
				pos = 0
			}
		}
		cacheMem -= len(cacheEntries[pos])
		cacheEntries[pos] = ""
	}
}
