// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/centfuzz/centfuzz/pkg/shmq"
)

// The wire encoding is a fixed-order little-endian format with u32 length
// prefixes for byte fields and a presence byte for optional fields.
// All participants of a session must agree on it bit-for-bit; encoding the
// same event twice produces identical bytes.

// ErrCodec is wrapped by all serialization/deserialization failures.
var ErrCodec = errors.New("event codec error")

const (
	kindNewTestcase = 1 + iota
	kindExecStats
	kindStop
	kindLogMessage
	kindObjective
)

func Encode(ev Event) ([]byte, error) {
	w := new(encoder)
	switch ev := ev.(type) {
	case *NewTestcase:
		w.u8(kindNewTestcase)
		w.bytes(ev.Input)
		w.u64(uint64(ev.ClientConfig))
		w.u8(uint8(ev.ExitKind))
		w.u64(ev.CorpusSize)
		w.opt(ev.ObserversBuf != nil)
		if ev.ObserversBuf != nil {
			w.bytes(ev.ObserversBuf)
		}
		w.u64(uint64(ev.Time))
		w.u64(ev.Executions)
		w.opt(ev.ForwardID != nil)
		if ev.ForwardID != nil {
			w.u32(uint32(*ev.ForwardID))
		}
	case *ExecStats:
		w.u8(kindExecStats)
		w.u64(uint64(ev.Time))
		w.u64(ev.Executions)
	case *Stop:
		w.u8(kindStop)
	case *LogMessage:
		w.u8(kindLogMessage)
		w.u8(uint8(ev.Severity))
		w.bytes([]byte(ev.Message))
	case *Objective:
		w.u8(kindObjective)
		w.bytes(ev.Input)
		w.u64(uint64(ev.Time))
		w.u64(ev.Executions)
	default:
		return nil, fmt.Errorf("%w: cannot encode event type %T", ErrCodec, ev)
	}
	return w.buf, nil
}

func Decode(data []byte) (Event, error) {
	r := &decoder{buf: data}
	kind := r.u8()
	var ev Event
	switch kind {
	case kindNewTestcase:
		tc := &NewTestcase{
			Input:        r.bytes(),
			ClientConfig: Config(r.u64()),
			ExitKind:     ExitKind(r.u8()),
			CorpusSize:   r.u64(),
		}
		if r.opt() {
			tc.ObserversBuf = r.bytes()
		}
		tc.Time = time.Duration(r.u64())
		tc.Executions = r.u64()
		if r.opt() {
			id := shmq.ClientID(r.u32())
			tc.ForwardID = &id
		}
		ev = tc
	case kindExecStats:
		ev = &ExecStats{
			Time:       time.Duration(r.u64()),
			Executions: r.u64(),
		}
	case kindStop:
		ev = &Stop{}
	case kindLogMessage:
		ev = &LogMessage{
			Severity: LogSeverity(r.u8()),
			Message:  string(r.bytes()),
		}
	case kindObjective:
		ev = &Objective{
			Input:      r.bytes(),
			Time:       time.Duration(r.u64()),
			Executions: r.u64(),
		}
	default:
		return nil, fmt.Errorf("%w: unknown event kind %v", ErrCodec, kind)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("%w: %v trailing bytes after the event", ErrCodec, len(r.buf)-r.pos)
	}
	return ev, nil
}

type encoder struct {
	buf []byte
}

func (w *encoder) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *encoder) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *encoder) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *encoder) bytes(data []byte) {
	w.u32(uint32(len(data)))
	w.buf = append(w.buf, data...)
}

func (w *encoder) opt(present bool) {
	if present {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// decoder keeps the first error and makes all subsequent reads return zero
// values, so that decode paths don't need to check every step.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (r *decoder) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: truncated %v at offset %v", ErrCodec, what, r.pos)
	}
}

func (r *decoder) u8() uint8 {
	if r.pos+1 > len(r.buf) {
		r.fail("u8")
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *decoder) u32() uint32 {
	if r.pos+4 > len(r.buf) {
		r.fail("u32")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *decoder) u64() uint64 {
	if r.pos+8 > len(r.buf) {
		r.fail("u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *decoder) bytes() []byte {
	size := int(r.u32())
	if r.err != nil {
		return nil
	}
	if r.pos+size > len(r.buf) {
		r.fail("byte field")
		return nil
	}
	v := r.buf[r.pos : r.pos+size : r.pos+size]
	r.pos += size
	return v
}

func (r *decoder) opt() bool {
	return r.u8() != 0
}
