// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/state"
	"github.com/centfuzz/centfuzz/pkg/testutil"
)

func TestEvaluator(t *testing.T) {
	st := state.New(corpus.New(), rand.New(testutil.RandSource(t)))
	eval := NewEvaluator(event.ConfigFromName("test"))
	mgr := event.NewNopManager()

	// Novel coverage is accepted.
	_, accepted, err := eval.EvaluateExecution(st, mgr, []byte("a"),
		&CoverObservers{PCs: []uint64{1, 2, 3}}, event.ExitOk, false)
	assert.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 1, st.Corpus().Count())

	// The same coverage again is a duplicate.
	_, accepted, err = eval.EvaluateExecution(st, mgr, []byte("b"),
		&CoverObservers{PCs: []uint64{3, 1}}, event.ExitOk, false)
	assert.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1, st.Corpus().Count())

	// A single new PC among known ones is enough.
	_, accepted, err = eval.EvaluateExecution(st, mgr, []byte("c"),
		&CoverObservers{PCs: []uint64{1, 4}}, event.ExitOk, false)
	assert.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 2, st.Corpus().Count())
}

func TestEvaluateInputFiresEvents(t *testing.T) {
	st := state.New(corpus.New(), rand.New(testutil.RandSource(t)))
	eval := NewEvaluator(event.ConfigFromName("test"))
	mgr := &recordingManager{NopManager: event.NewNopManager()}
	exec := &stubExecutor{pcs: []uint64{10, 20}}

	_, accepted, err := eval.EvaluateInput(st, exec, mgr, []byte("input"), true)
	assert.NoError(t, err)
	assert.True(t, accepted)
	assert.EqualValues(t, 1, st.Executions())
	if len(mgr.fired) != 1 {
		t.Fatalf("expected 1 fired event, got %v", len(mgr.fired))
	}
	tc := mgr.fired[0].(*event.NewTestcase)
	assert.Equal(t, []byte("input"), tc.Input)
	assert.EqualValues(t, 1, tc.CorpusSize)

	// The main-evaluator path must stay silent.
	exec.pcs = []uint64{30}
	_, accepted, err = eval.EvaluateInput(st, exec, mgr, []byte("input2"), false)
	assert.NoError(t, err)
	assert.True(t, accepted)
	assert.Len(t, mgr.fired, 1)
}

func TestObserversCodec(t *testing.T) {
	obs := &CoverObservers{PCs: []uint64{0, 1, 1 << 60, 42}}
	decoded, err := DecodeObservers(EncodeObservers(obs))
	assert.NoError(t, err)
	assert.Empty(t, cmp.Diff(obs, decoded))

	_, err = DecodeObservers([]byte{1, 2})
	assert.Error(t, err)
	_, err = DecodeObservers([]byte{10, 0, 0, 0})
	assert.Error(t, err)
}

type recordingManager struct {
	*event.NopManager
	fired []event.Event
}

func (mgr *recordingManager) Fire(st *state.State, ev event.Event) error {
	mgr.fired = append(mgr.fired, ev)
	return nil
}

func (mgr *recordingManager) ShouldSend() bool {
	return true
}

type stubExecutor struct {
	pcs []uint64
}

func (exec *stubExecutor) Run(input []byte) (event.Observers, event.ExitKind, error) {
	return &CoverObservers{PCs: exec.pcs}, event.ExitOk, nil
}

func (exec *stubExecutor) DecodeObservers(data []byte) (event.Observers, error) {
	return DecodeObservers(data)
}
