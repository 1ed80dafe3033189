// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stage

import (
	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/state"
)

// CorpusPruning probabilistically disables corpus entries. It is meant to
// run only on the loop iterations that perform a restart; periodically
// shrinking the scheduled corpus keeps the fuzzer from plateauing on a
// bloated entry set (https://mschloegel.me/paper/schiller2023fuzzerrestarts.pdf).
//
// Each active entry is retained when a draw from [0, 100) is at most
// RetainProb*100 (so even RetainProb 0 retains about 1% of the entries) and
// otherwise moved to the disabled subset: it stays on disk and can be re-enabled, but
// is excluded from scheduling. The stage keeps no cross-restart state.
type CorpusPruning struct {
	// Probability to keep an entry active. The default is aggressive on
	// purpose: a restart is the one moment the corpus can shrink.
	RetainProb float64
}

const DefaultRetainProb = 0.05

func NewCorpusPruning() *CorpusPruning {
	return &CorpusPruning{RetainProb: DefaultRetainProb}
}

func (cp *CorpusPruning) Perform(fuzzer event.Fuzzer, exec event.Executor,
	st *state.State, mgr event.Manager) error {
	corpus := st.Corpus()
	ids := corpus.ActiveIDs()
	disable := make([]bool, len(ids))
	for i := range ids {
		r := float64(st.Rand().Intn(100))
		disable[i] = cp.RetainProb*100 < r
	}
	for i, id := range ids {
		if !disable[i] {
			continue
		}
		entry, err := corpus.Remove(id)
		if err != nil {
			return err
		}
		if _, err := corpus.AddDisabled(entry); err != nil {
			return err
		}
	}
	log.Logf(0, "corpus pruning: had %v entries, retained %v", len(ids), corpus.Count())
	return nil
}

func (cp *CorpusPruning) ShouldRestart(st *state.State) (bool, error) {
	// The stage does not execute the target, so restart safety is moot.
	return true, nil
}

func (cp *CorpusPruning) ClearProgress(st *state.State) error {
	return nil
}
