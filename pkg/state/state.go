// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package state holds the per-process fuzzing state: the corpus, the PRNG,
// the execution counters and the stop flag. The state is owned by the single
// goroutine that runs the fuzzing loop; only the stop flag and the execution
// counter may be touched from other goroutines.
package state

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/centfuzz/centfuzz/pkg/corpus"
)

type State struct {
	corpus    *corpus.Corpus
	rnd       *rand.Rand
	startTime time.Time

	executions atomic.Uint64
	stop       atomic.Bool
}

func New(corpus *corpus.Corpus, rnd *rand.Rand) *State {
	return &State{
		corpus:    corpus,
		rnd:       rnd,
		startTime: time.Now(),
	}
}

func (st *State) Corpus() *corpus.Corpus {
	return st.corpus
}

func (st *State) Rand() *rand.Rand {
	return st.rnd
}

// RequestStop asks the fuzzing loop to terminate. The loop observes the flag
// between iterations; there is no way to preempt an in-flight execution.
func (st *State) RequestStop() {
	st.stop.Store(true)
}

func (st *State) StopRequested() bool {
	return st.stop.Load()
}

func (st *State) AddExecutions(n uint64) {
	st.executions.Add(n)
}

func (st *State) Executions() uint64 {
	return st.executions.Load()
}

// Uptime is the time since the state was created, stamped on outgoing events.
func (st *State) Uptime() time.Duration {
	return time.Since(st.startTime)
}
