// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"math/rand"

	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/fuzzer"
)

// executor runs inputs against a built-in sample target: a byte-level
// state machine whose transitions serve as coverage PCs. It stands in for
// a real instrumented target and gives the session something to make
// progress on.
type executor struct{}

func newExecutor() *executor {
	return &executor{}
}

func (exec *executor) ObserverConfig() event.Config {
	return event.ConfigFromName("sample-target/cover-pcs/v1")
}

func (exec *executor) Run(input []byte) (event.Observers, event.ExitKind, error) {
	obs := &fuzzer.CoverObservers{}
	seen := make(map[uint64]bool)
	cover := func(pc uint64) {
		if !seen[pc] {
			seen[pc] = true
			obs.PCs = append(obs.PCs, pc)
		}
	}
	state := uint64(0)
	for i, b := range input {
		// Each (state, input byte class) transition is a distinct PC.
		class := uint64(b >> 4)
		state = state*31 + class + 1
		cover(state % 100003)
		if i > 64 {
			break
		}
	}
	kind := event.ExitOk
	// A tiny planted "bug": inputs longer than 16 bytes whose final state
	// lands on one particular value crash.
	if len(input) > 16 && state%100003 == 77777 {
		kind = event.ExitCrash
	}
	return obs, kind, nil
}

func (exec *executor) DecodeObservers(data []byte) (event.Observers, error) {
	return fuzzer.DecodeObservers(data)
}

const maxInputLen = 256

func generate(rnd *rand.Rand) []byte {
	input := make([]byte, rnd.Intn(maxInputLen)+1)
	rnd.Read(input)
	return input
}

func mutate(rnd *rand.Rand, input []byte) []byte {
	ret := append([]byte{}, input...)
	switch rnd.Intn(3) {
	case 0: // flip a byte
		if len(ret) > 0 {
			ret[rnd.Intn(len(ret))] ^= byte(1 << rnd.Intn(8))
		}
	case 1: // append a byte
		if len(ret) < maxInputLen {
			ret = append(ret, byte(rnd.Intn(256)))
		}
	case 2: // truncate
		if len(ret) > 1 {
			ret = ret[:rnd.Intn(len(ret)-1)+1]
		}
	}
	return ret
}
