// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer implements the coverage-novelty evaluator: it keeps the
// set of coverage PCs the session has already seen and accepts an input
// into the corpus iff its execution produced a PC outside of that set.
package fuzzer

import (
	"fmt"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/state"
	"github.com/centfuzz/centfuzz/pkg/stats"
)

type Evaluator struct {
	cfg event.Config
	// All coverage PCs observed so far.
	signal map[uint64]bool

	statExecs    *stats.Val
	statAccepted *stats.Val
}

func NewEvaluator(cfg event.Config) *Evaluator {
	return &Evaluator{
		cfg:          cfg,
		signal:       make(map[uint64]bool),
		statExecs:    stats.New("evaluated_execs", "inputs evaluated"),
		statAccepted: stats.New("accepted_inputs", "inputs accepted into the corpus"),
	}
}

// EvaluateExecution judges an input that has already been executed,
// given the observer state of that execution.
func (ev *Evaluator) EvaluateExecution(st *state.State, mgr event.Manager, input []byte,
	obs event.Observers, kind event.ExitKind, sendEvents bool) (corpus.ID, bool, error) {
	cover, ok := obs.(*CoverObservers)
	if !ok {
		return 0, false, fmt.Errorf("evaluator got observers of type %T", obs)
	}
	ev.statExecs.Add(1)
	newPCs := ev.signalDiff(cover.PCs)
	if len(newPCs) == 0 {
		return 0, false, nil
	}
	for _, pc := range newPCs {
		ev.signal[pc] = true
	}
	id, err := st.Corpus().Add(&corpus.Entry{
		Input:      input,
		Signal:     newPCs,
		Time:       st.Uptime(),
		Executions: st.Executions(),
	})
	if err != nil {
		return 0, false, err
	}
	ev.statAccepted.Add(1)
	log.Logf(2, "accepted input with %v new PCs as corpus entry %v", len(newPCs), id)
	if sendEvents && mgr.ShouldSend() {
		if err := ev.fireNewTestcase(st, mgr, input, cover, kind); err != nil {
			return id, true, err
		}
	}
	return id, true, nil
}

// EvaluateInput executes the input first and then judges it.
func (ev *Evaluator) EvaluateInput(st *state.State, exec event.Executor, mgr event.Manager,
	input []byte, sendEvents bool) (corpus.ID, bool, error) {
	obs, kind, err := exec.Run(input)
	if err != nil {
		return 0, false, err
	}
	st.AddExecutions(1)
	return ev.EvaluateExecution(st, mgr, input, obs, kind, sendEvents)
}

func (ev *Evaluator) fireNewTestcase(st *state.State, mgr event.Manager, input []byte,
	cover *CoverObservers, kind event.ExitKind) error {
	var obsBuf []byte
	if enc, ok := mgr.(event.ObserverEncoder); ok {
		var err error
		if obsBuf, err = enc.EncodeObservers(cover); err != nil {
			return err
		}
	}
	return mgr.Fire(st, &event.NewTestcase{
		Input:        input,
		ClientConfig: ev.cfg,
		ExitKind:     kind,
		CorpusSize:   uint64(st.Corpus().Count()),
		ObserversBuf: obsBuf,
		Time:         st.Uptime(),
		Executions:   st.Executions(),
	})
}

// signalDiff returns the PCs that are not yet in the known signal set.
func (ev *Evaluator) signalDiff(pcs []uint64) []uint64 {
	var ret []uint64
	for _, pc := range pcs {
		if !ev.signal[pc] {
			ret = append(ret, pc)
		}
	}
	return ret
}
