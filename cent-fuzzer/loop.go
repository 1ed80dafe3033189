// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"time"

	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/fuzzer"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/stage"
	"github.com/centfuzz/centfuzz/pkg/state"
)

const heartbeatPeriod = 10 * time.Second

type loop struct {
	cfg     *Config
	st      *state.State
	exec    *executor
	eval    *fuzzer.Evaluator
	mgr     *event.CentralizedManager
	pruning *stage.CorpusPruning
	stop    chan struct{}
}

func (l *loop) run(isMain bool) error {
	started := time.Now()
	lastHeartbeat := started
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}
		if l.st.StopRequested() {
			log.Logf(0, "stop requested, exiting")
			return nil
		}
		if !isMain {
			if err := l.fuzzOne(); err != nil {
				return err
			}
		}
		if _, err := l.mgr.Process(l.eval, l.st, l.exec); err != nil {
			return err
		}
		if time.Since(lastHeartbeat) > heartbeatPeriod {
			lastHeartbeat = time.Now()
			err := l.mgr.Fire(l.st, &event.ExecStats{
				Time:       l.st.Uptime(),
				Executions: l.st.Executions(),
			})
			if err != nil {
				return err
			}
		}
		if l.cfg.RestartEvery != 0 && time.Since(started) > l.cfg.RestartEvery {
			return l.restart()
		}
		if isMain {
			// The main node is driven entirely by incoming events.
			time.Sleep(time.Millisecond)
		}
	}
}

// fuzzOne runs a single input: either a mutation of a corpus entry or,
// while the corpus is empty, a generated one.
func (l *loop) fuzzOne() error {
	rnd := l.st.Rand()
	var input []byte
	if entry := l.st.Corpus().ChooseProgram(rnd); entry != nil {
		input = mutate(rnd, entry.Input)
	} else {
		input = generate(rnd)
	}
	_, _, err := l.eval.EvaluateInput(l.st, l.exec, l.mgr, input, true)
	return err
}

// restart prepares a restart boundary: prunes the corpus, refreshes the
// endpoint handshake in the environment and terminates the process.
// The launcher is expected to respawn us with the environment intact.
func (l *loop) restart() error {
	if err := l.pruning.Perform(l.eval, l.exec, l.st, l.mgr); err != nil {
		return err
	}
	if err := l.mgr.ToEnv(centralizedEnv); err != nil {
		return err
	}
	return stage.Restart{}.Perform(l.eval, l.exec, l.st, l.mgr)
}
