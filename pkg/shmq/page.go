// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package shmq

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/centfuzz/centfuzz/pkg/osutil"
)

// A page is a shared memory file with a fixed header followed by an
// append-only record log. There is exactly one writer per page; the write
// position is published with a release store, so a reader that loads it sees
// fully written records. The single consumer of an outgoing page mirrors its
// progress into the readPos field, which is what the safe-to-unmap barrier
// polls. The broadcast page has many readers, each keeping a private cursor,
// and its readPos field stays zero.
const (
	pageMagic      = 0x53484d51 // "SHMQ"
	pageVersion    = 1
	pageHeaderSize = 64

	offMagic    = 0
	offVersion  = 4
	offWritePos = 8
	offReadPos  = 16
	offExiting  = 24

	defaultPageSize = 1 << 20
)

// Records are [tag u32][flags u32][origin u32][len u32][payload], padded
// to 8 bytes. tagEndOfPage chains to the next page of the log; its payload
// is the path of that page.
const (
	recordHeaderSize = 16
	tagEndOfPage     = 0x0af1e0f2
	// Room kept at the end of every page for the chaining record.
	endOfPageReserve = recordHeaderSize + 256
)

type page struct {
	f    *os.File
	mem  []byte
	path string
}

func createPage(dir string, size int) (*page, error) {
	path := filepath.Join(dir, "shmq-"+uuid.New().String())
	f, mem, err := osutil.CreateSharedMemFile(path, size)
	if err != nil {
		return nil, err
	}
	p := &page{f: f, mem: mem, path: path}
	binary.LittleEndian.PutUint32(mem[offVersion:], pageVersion)
	// The magic is published last so that an attaching reader never sees
	// a half-initialized header.
	atomic.StoreUint32(p.u32(offMagic), pageMagic)
	return p, nil
}

func openPage(path string) (*page, error) {
	f, mem, err := osutil.OpenSharedMemFile(path)
	if err != nil {
		return nil, err
	}
	p := &page{f: f, mem: mem, path: path}
	if len(mem) < pageHeaderSize || atomic.LoadUint32(p.u32(offMagic)) != pageMagic {
		osutil.CloseMemMappedFile(f, mem)
		return nil, fmt.Errorf("%v is not a shmq page", path)
	}
	return p, nil
}

func (p *page) close() error {
	return osutil.CloseMemMappedFile(p.f, p.mem)
}

func (p *page) unlink() {
	os.Remove(p.path)
}

func (p *page) data() []byte {
	return p.mem[pageHeaderSize:]
}

func (p *page) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.mem[off]))
}

func (p *page) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.mem[off]))
}

func (p *page) writePos() uint64     { return atomic.LoadUint64(p.u64(offWritePos)) }
func (p *page) setWritePos(v uint64) { atomic.StoreUint64(p.u64(offWritePos), v) }
func (p *page) readPos() uint64      { return atomic.LoadUint64(p.u64(offReadPos)) }
func (p *page) setReadPos(v uint64)  { atomic.StoreUint64(p.u64(offReadPos), v) }
func (p *page) exiting() bool        { return atomic.LoadUint32(p.u32(offExiting)) != 0 }
func (p *page) setExiting()          { atomic.StoreUint32(p.u32(offExiting), 1) }

func align8(v int) int {
	return (v + 7) &^ 7
}

// writer is the producing side of a page chain.
type writer struct {
	dir  string
	size int
	cur  *page
	// Pages that may still hold unconsumed records, oldest first.
	pages []*page
}

func newWriter(dir string, size int) (*writer, error) {
	if size == 0 {
		size = defaultPageSize
	}
	w := &writer{dir: dir, size: size}
	p, err := createPage(dir, size)
	if err != nil {
		return nil, err
	}
	w.cur = p
	w.pages = []*page{p}
	return w, nil
}

// reattachWriter continues an existing page chain, e.g. after the owning
// process was respawned.
func reattachWriter(path string, size int) (*writer, error) {
	if size == 0 {
		size = defaultPageSize
	}
	p, err := openPage(path)
	if err != nil {
		return nil, err
	}
	return &writer{dir: filepath.Dir(path), size: size, cur: p, pages: []*page{p}}, nil
}

func (w *writer) send(tag, flags uint32, origin ClientID, buf []byte) error {
	need := recordHeaderSize + align8(len(buf))
	data := w.cur.data()
	pos := w.cur.writePos()
	if int(pos)+need+endOfPageReserve > len(data) {
		if err := w.grow(need); err != nil {
			return err
		}
		data = w.cur.data()
		pos = 0
	}
	putRecordHeader(data[pos:], tag, flags, origin, len(buf))
	copy(data[pos+recordHeaderSize:], buf)
	w.cur.setWritePos(pos + uint64(need))
	return nil
}

// grow allocates a fresh page and chains it to the current one with an
// end-of-page record. The new page is made big enough for the pending
// record even if it exceeds the configured page size.
func (w *writer) grow(need int) error {
	size := w.size
	if need+endOfPageReserve+pageHeaderSize > size {
		size = need + endOfPageReserve + pageHeaderSize
	}
	next, err := createPage(w.dir, size)
	if err != nil {
		return err
	}
	path := []byte(next.path)
	if recordHeaderSize+align8(len(path)) > endOfPageReserve {
		next.close()
		next.unlink()
		return fmt.Errorf("shmq page path %q does not fit in the end-of-page reserve", next.path)
	}
	data := w.cur.data()
	pos := w.cur.writePos()
	putRecordHeader(data[pos:], tagEndOfPage, FlagInitialized, 0, len(path))
	copy(data[pos+recordHeaderSize:], path)
	w.cur.setWritePos(pos + uint64(recordHeaderSize+align8(len(path))))
	w.cur = next
	w.pages = append(w.pages, next)
	w.reclaim()
	return nil
}

// reclaim unlinks fully consumed non-current pages.
func (w *writer) reclaim() {
	live := w.pages[:0]
	for _, p := range w.pages {
		if p != w.cur && p.readPos() == p.writePos() {
			p.close()
			p.unlink()
			continue
		}
		live = append(live, p)
	}
	w.pages = live
}

// drained reports whether the consumer has caught up with everything
// written so far.
func (w *writer) drained() bool {
	for _, p := range w.pages {
		if p.readPos() != p.writePos() {
			return false
		}
	}
	return true
}

func (w *writer) setExiting() {
	w.cur.setExiting()
}

func (w *writer) close() {
	for _, p := range w.pages {
		p.close()
	}
	w.pages = nil
	w.cur = nil
}

func putRecordHeader(data []byte, tag, flags uint32, origin ClientID, size int) {
	binary.LittleEndian.PutUint32(data[0:], tag)
	binary.LittleEndian.PutUint32(data[4:], flags)
	binary.LittleEndian.PutUint32(data[8:], uint32(origin))
	binary.LittleEndian.PutUint32(data[12:], uint32(size))
}

// reader is the consuming side of a page chain. mirrorPos makes the reader
// publish its progress into the page header; that must be enabled for
// exactly one reader per chain (the broker reading a client's outgoing
// pages) and disabled for broadcast readers.
type reader struct {
	cur       *page
	pos       uint64
	mirrorPos bool
}

func newReader(path string, pos uint64, mirrorPos bool) (*reader, error) {
	p, err := openPage(path)
	if err != nil {
		return nil, err
	}
	return &reader{cur: p, pos: pos, mirrorPos: mirrorPos}, nil
}

// recv returns the next pending record, or ok=false if there is none.
// The returned payload is detached from the shared mapping.
func (r *reader) recv() (origin ClientID, tag, flags uint32, payload []byte, ok bool, err error) {
	for {
		wp := r.cur.writePos()
		if r.pos >= wp {
			return 0, 0, 0, nil, false, nil
		}
		data := r.cur.data()
		if int(r.pos)+recordHeaderSize > len(data) {
			return 0, 0, 0, nil, false, fmt.Errorf("corrupted shmq page %v: record header at %v overflows the page",
				r.cur.path, r.pos)
		}
		tag = binary.LittleEndian.Uint32(data[r.pos:])
		flags = binary.LittleEndian.Uint32(data[r.pos+4:])
		origin = ClientID(binary.LittleEndian.Uint32(data[r.pos+8:]))
		size := int(binary.LittleEndian.Uint32(data[r.pos+12:]))
		next := r.pos + uint64(recordHeaderSize+align8(size))
		if next > wp {
			return 0, 0, 0, nil, false, fmt.Errorf("corrupted shmq page %v: record at %v overflows the committed area",
				r.cur.path, r.pos)
		}
		payload = append([]byte{}, data[r.pos+recordHeaderSize:r.pos+recordHeaderSize+uint64(size)]...)
		r.pos = next
		if r.mirrorPos {
			r.cur.setReadPos(r.pos)
		}
		if tag != tagEndOfPage {
			return origin, tag, flags, payload, true, nil
		}
		if err := r.followChain(string(payload)); err != nil {
			return 0, 0, 0, nil, false, err
		}
	}
}

func (r *reader) followChain(path string) error {
	next, err := openPage(path)
	if err != nil {
		return fmt.Errorf("failed to follow shmq page chain: %w", err)
	}
	r.cur.close()
	r.cur = next
	r.pos = 0
	return nil
}

// exhausted reports whether the producer announced its exit and all its
// records have been consumed.
func (r *reader) exhausted() bool {
	return r.cur.exiting() && r.pos >= r.cur.writePos()
}

func (r *reader) close() {
	r.cur.close()
}
