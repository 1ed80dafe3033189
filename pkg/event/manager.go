// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"sync/atomic"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/shmq"
	"github.com/centfuzz/centfuzz/pkg/state"
	"github.com/centfuzz/centfuzz/pkg/stats"
)

// ManagerID identifies an event manager within one process.
type ManagerID uint64

var lastManagerID atomic.Uint64

func allocManagerID() ManagerID {
	return ManagerID(lastManagerID.Add(1))
}

// Manager routes events between the local fuzzing loop and the rest of the
// session. All methods are called from the goroutine owning the loop.
type Manager interface {
	// Fire publishes an event originating locally.
	Fire(st *state.State, ev Event) error
	// Process drains pending inbound work and returns the number of
	// events handled. Non-blocking.
	Process(fuzzer Fuzzer, st *state.State, exec Executor) (int, error)
	// OnRestart blocks until the manager's resources can be safely
	// released, in preparation for a process restart.
	OnRestart(st *state.State) error
	AwaitRestartSafe()
	// SendExiting announces the imminent process exit to all peers.
	SendExiting() error
	// OnShutdown is the idempotent variant of SendExiting invoked from
	// the shutdown path.
	OnShutdown() error
	ID() ManagerID
	ShouldSend() bool
	Config() Config
	Log(st *state.State, sev LogSeverity, msg string) error
}

// Observers is the deserialized observer state of one execution. It is
// opaque to the event layer; the executor decodes it and the fuzzer
// interprets it.
type Observers interface{}

// Executor runs inputs on the target and knows the observer layout.
type Executor interface {
	Run(input []byte) (Observers, ExitKind, error)
	DecodeObservers(data []byte) (Observers, error)
}

// Fuzzer decides whether an input is globally interesting.
// The sendEvents argument controls whether the evaluation publishes events
// through mgr; the main evaluator passes false and republishes accepted
// testcases itself.
type Fuzzer interface {
	// EvaluateExecution judges an already-executed input given its
	// observer state. Returns the corpus id and true if the input
	// was accepted.
	EvaluateExecution(st *state.State, mgr Manager, input []byte, obs Observers,
		kind ExitKind, sendEvents bool) (corpus.ID, bool, error)
	// EvaluateInput executes the input through exec first.
	EvaluateInput(st *state.State, exec Executor, mgr Manager, input []byte,
		sendEvents bool) (corpus.ID, bool, error)
}

// Hook observes events accepted into the local fuzzing loop.
type Hook interface {
	OnFire(st *state.State, from shmq.ClientID, ev Event) error
}

// fireAllHooks invokes every hook once, in registration order.
func fireAllHooks(hooks []Hook, st *state.State, from shmq.ClientID, ev Event) error {
	for _, hook := range hooks {
		if err := hook.OnFire(st, from, ev); err != nil {
			return err
		}
	}
	return nil
}

// ObserverEncoder is implemented by managers that can serialize the local
// observer state for attaching to outgoing testcases.
type ObserverEncoder interface {
	EncodeObservers(obs Observers) ([]byte, error)
}

// SimpleManager handles all events in-process: it accounts statistics and
// writes logs, but talks to no broker. It serves as the inner manager in
// single-machine runs and tests.
type SimpleManager struct {
	id  ManagerID
	cfg Config
	// Optional; attaches serialized observers to outgoing testcases.
	Encoder func(obs Observers) ([]byte, error)

	testcases  *stats.Val
	objectives *stats.Val
	heartbeats *stats.Val
}

func NewSimpleManager(cfg Config) *SimpleManager {
	return &SimpleManager{
		id:         allocManagerID(),
		cfg:        cfg,
		testcases:  stats.New("testcases", "new testcases observed"),
		objectives: stats.New("objectives", "objectives observed"),
		heartbeats: stats.New("heartbeats", "heartbeat events received"),
	}
}

func (mgr *SimpleManager) Fire(st *state.State, ev Event) error {
	switch ev := ev.(type) {
	case *NewTestcase:
		mgr.testcases.Add(1)
		log.Logf(2, "mgr %v: new testcase of %v bytes, corpus size %v",
			mgr.id, len(ev.Input), ev.CorpusSize)
	case *ExecStats:
		mgr.heartbeats.Add(1)
		log.Logf(2, "mgr %v: %v execs in %v", mgr.id, ev.Executions, ev.Time)
	case *Objective:
		mgr.objectives.Add(1)
		log.Logf(0, "mgr %v: OBJECTIVE after %v execs", mgr.id, ev.Executions)
	case *LogMessage:
		log.Logf(logVerbosity(ev.Severity), "%s", ev.Message)
	case *Stop:
		st.RequestStop()
	}
	return nil
}

func (mgr *SimpleManager) Process(fuzzer Fuzzer, st *state.State, exec Executor) (int, error) {
	return 0, nil
}

func (mgr *SimpleManager) OnRestart(st *state.State) error { return nil }
func (mgr *SimpleManager) AwaitRestartSafe()               {}
func (mgr *SimpleManager) SendExiting() error              { return nil }
func (mgr *SimpleManager) OnShutdown() error               { return nil }

func (mgr *SimpleManager) ID() ManagerID {
	return mgr.id
}

func (mgr *SimpleManager) ShouldSend() bool {
	return true
}

func (mgr *SimpleManager) Config() Config {
	return mgr.cfg
}

func (mgr *SimpleManager) Log(st *state.State, sev LogSeverity, msg string) error {
	return mgr.Fire(st, &LogMessage{Severity: sev, Message: msg})
}

func (mgr *SimpleManager) EncodeObservers(obs Observers) ([]byte, error) {
	if mgr.Encoder == nil {
		return nil, nil
	}
	return mgr.Encoder(obs)
}

func logVerbosity(sev LogSeverity) int {
	switch sev {
	case LogError, LogWarn:
		return 0
	case LogInfo:
		return 1
	default:
		return 2
	}
}

// NopManager discards everything. Useful as a placeholder inner manager.
type NopManager struct {
	id ManagerID
}

func NewNopManager() *NopManager {
	return &NopManager{id: allocManagerID()}
}

func (mgr *NopManager) Fire(st *state.State, ev Event) error { return nil }
func (mgr *NopManager) Process(fuzzer Fuzzer, st *state.State, exec Executor) (int, error) {
	return 0, nil
}
func (mgr *NopManager) OnRestart(st *state.State) error { return nil }
func (mgr *NopManager) AwaitRestartSafe()               {}
func (mgr *NopManager) SendExiting() error              { return nil }
func (mgr *NopManager) OnShutdown() error               { return nil }
func (mgr *NopManager) ID() ManagerID                   { return mgr.id }
func (mgr *NopManager) ShouldSend() bool                { return false }
func (mgr *NopManager) Config() Config                  { return ConfigAlwaysUnique }
func (mgr *NopManager) Log(st *state.State, sev LogSeverity, msg string) error {
	return nil
}
