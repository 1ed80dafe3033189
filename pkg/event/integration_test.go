// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package event_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/fuzzer"
	"github.com/centfuzz/centfuzz/pkg/shmq"
	"github.com/centfuzz/centfuzz/pkg/state"
	"github.com/centfuzz/centfuzz/pkg/testutil"
)

// Two secondaries forward one testcase each through a real broker; the main
// evaluator accepts the novel one and republishes it to its inner manager.
func TestSessionOverBroker(t *testing.T) {
	cfg := event.ConfigFromName("integration layout")
	broker, err := shmq.NewBroker("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer broker.Close()

	exec := &pcExecutor{pcs: map[string][]uint64{"x": {1}, "y": {2}}}

	main := newNode(t, broker, cfg, true)
	secA := newNode(t, broker, cfg, false)
	secB := newNode(t, broker, cfg, false)

	// The main node has already seen y's coverage: y must be rejected.
	_, accepted, err := main.eval.EvaluateExecution(main.st, main.mgr, []byte("seed"),
		&fuzzer.CoverObservers{PCs: []uint64{2}}, event.ExitOk, false)
	assert.NoError(t, err)
	assert.True(t, accepted)

	_, accepted, err = secA.eval.EvaluateInput(secA.st, exec, secA.mgr, []byte("x"), true)
	assert.NoError(t, err)
	assert.True(t, accepted)
	_, accepted, err = secB.eval.EvaluateInput(secB.st, exec, secB.mgr, []byte("y"), true)
	assert.NoError(t, err)
	assert.True(t, accepted)

	handled := 0
	for deadline := time.Now().Add(10 * time.Second); handled < 2; {
		count, err := main.mgr.Process(main.eval, main.st, exec)
		assert.NoError(t, err)
		handled += count
		if time.Now().After(deadline) {
			t.Fatalf("main handled %v events, want 2", handled)
		}
		time.Sleep(time.Millisecond)
	}

	if len(main.inner.fired) != 1 {
		t.Fatalf("main's inner manager saw %v events, want 1", len(main.inner.fired))
	}
	tc := main.inner.fired[0].(*event.NewTestcase)
	assert.Equal(t, []byte("x"), tc.Input)
	if assert.NotNil(t, tc.ForwardID) {
		assert.EqualValues(t, secA.inner.ID(), *tc.ForwardID)
	}
	// The accepted input went into the main's corpus: 1 seed + x.
	assert.Equal(t, 2, main.st.Corpus().Count())

	for _, node := range []*node{secA, secB, main} {
		assert.NoError(t, node.mgr.SendExiting())
	}
}

type node struct {
	st    *state.State
	eval  *fuzzer.Evaluator
	inner *recordingInner
	mgr   *event.CentralizedManager
}

func newNode(t *testing.T, broker *shmq.Broker, cfg event.Config, isMain bool) *node {
	client, err := shmq.Dial(broker.Addr())
	if err != nil {
		t.Fatal(err)
	}
	inner := &recordingInner{SimpleManager: event.NewSimpleManager(cfg)}
	inner.Encoder = func(obs event.Observers) ([]byte, error) {
		return fuzzer.EncodeObservers(obs.(*fuzzer.CoverObservers)), nil
	}
	mgr, err := event.NewBuilder().IsMain(isMain).BuildFromClient(inner, nil, client)
	if err != nil {
		t.Fatal(err)
	}
	return &node{
		st:    state.New(corpus.New(), rand.New(testutil.RandSource(t))),
		eval:  fuzzer.NewEvaluator(cfg),
		inner: inner,
		mgr:   mgr,
	}
}

type recordingInner struct {
	*event.SimpleManager
	fired []event.Event
}

func (mgr *recordingInner) Fire(st *state.State, ev event.Event) error {
	mgr.fired = append(mgr.fired, ev)
	return mgr.SimpleManager.Fire(st, ev)
}

type pcExecutor struct {
	pcs map[string][]uint64
}

func (exec *pcExecutor) Run(input []byte) (event.Observers, event.ExitKind, error) {
	return &fuzzer.CoverObservers{PCs: exec.pcs[string(input)]}, event.ExitOk, nil
}

func (exec *pcExecutor) DecodeObservers(data []byte) (event.Observers, error) {
	return fuzzer.DecodeObservers(data)
}
