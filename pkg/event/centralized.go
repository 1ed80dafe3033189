// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"errors"
	"fmt"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/shmq"
	"github.com/centfuzz/centfuzz/pkg/state"
)

// TagToMain marks messages destined for the main evaluator on the
// centralized channel. No other tag is legal there.
const TagToMain uint32 = 0x03453453

// ErrProtocol is wrapped by all protocol violations observed on the
// centralized channel: an unexpected tag, an event kind that must not cross
// the channel, or observer bytes that fail to decode under a matching
// config. None of these are recoverable.
var ErrProtocol = errors.New("centralized channel protocol violation")

// Transport is the point-to-point ordered byte-message queue connecting
// this process to the centralized broker. Provided by pkg/shmq; redefined
// here so that tests can substitute their own.
type Transport interface {
	SendBuf(tag uint32, buf []byte) error
	SendBufWithFlags(tag, flags uint32, buf []byte) error
	// RecvBufWithFlags returns the next pending message, or ok=false if
	// there is none. Non-blocking.
	RecvBufWithFlags() (origin shmq.ClientID, tag, flags uint32, buf []byte, ok bool, err error)
	SenderID() shmq.ClientID
	AwaitSafeToUnmap()
	SendExiting() error
	Describe() (*shmq.Description, error)
	ToEnv(name string) error
}

// CentralizedManager wraps an inner event manager and redirects part of the
// event traffic through the centralized broker.
//
// On a secondary, NewTestcase events leave through the centralized channel
// only: the inner manager talks to the main broker, and a testcase must not
// reach it before the main evaluator has vetted the input. ExecStats and
// Stop go both ways — the centralized broker tracks peer liveness and would
// disconnect a silent client, and Stop must reach every broker.
//
// On the main evaluator, Process drains the forwarded testcases,
// re-evaluates each one, and republishes the survivors through the inner
// manager, which is how an accepted testcase finally reaches the main
// broker for redistribution.
type CentralizedManager struct {
	inner      Manager
	client     Transport
	compressor *Compressor
	hooks      []Hook
	isMain     bool
}

// Builder constructs CentralizedManagers.
type Builder struct {
	isMain bool
}

func NewBuilder() *Builder {
	return &Builder{}
}

// IsMain makes the built manager the main evaluator node.
func (b *Builder) IsMain(isMain bool) *Builder {
	b.isMain = isMain
	return b
}

// BuildFromClient wraps inner with a manager attached to the centralized
// broker through the given transport client.
func (b *Builder) BuildFromClient(inner Manager, hooks []Hook, client Transport) (*CentralizedManager, error) {
	return &CentralizedManager{
		inner:      inner,
		client:     client,
		compressor: NewCompressor(),
		hooks:      hooks,
		isMain:     b.isMain,
	}, nil
}

// BuildOnPort attaches to the centralized broker on the port, or becomes
// the broker if the port is not yet bound. The returned broker is non-nil
// only in the latter case; the caller owns its shutdown.
func (b *Builder) BuildOnPort(inner Manager, hooks []Hook, port int) (*CentralizedManager, *shmq.Broker, error) {
	client, broker, err := shmq.NewOnPort(port)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := b.BuildFromClient(inner, hooks, client)
	if err != nil {
		return nil, nil, err
	}
	return mgr, broker, nil
}

// BuildExistingClientFromEnv reattaches to a connection previously stored
// in the environment variable by ToEnv. Used after a process respawn.
func (b *Builder) BuildExistingClientFromEnv(inner Manager, hooks []Hook, envName string) (*CentralizedManager, error) {
	client, err := shmq.FromEnv(envName)
	if err != nil {
		return nil, err
	}
	return b.BuildFromClient(inner, hooks, client)
}

// ExistingClientFromDescription reattaches to a connection from an
// in-memory description produced by Describe.
func (b *Builder) ExistingClientFromDescription(inner Manager, hooks []Hook,
	desc *shmq.Description) (*CentralizedManager, error) {
	client, err := shmq.FromDescription(desc)
	if err != nil {
		return nil, err
	}
	return b.BuildFromClient(inner, hooks, client)
}

// IsMain reports whether this is the main evaluator node.
func (mgr *CentralizedManager) IsMain() bool {
	return mgr.isMain
}

func (mgr *CentralizedManager) Fire(st *state.State, ev Event) error {
	if !mgr.isMain {
		forward, isTestcase := false, false
		switch ev := ev.(type) {
		case *NewTestcase:
			id := shmq.ClientID(mgr.inner.ID())
			ev.ForwardID = &id
			forward, isTestcase = true, true
		case *ExecStats:
			// Not handled by the main node; sent only so that the
			// centralized broker doesn't consider this client dead.
			forward = true
		case *Stop:
			forward = true
		}
		if forward {
			if err := mgr.forwardToMain(ev); err != nil {
				return err
			}
			if isTestcase {
				// Testcases go to the centralized broker only; the inner
				// manager sees them after the main evaluator accepts them.
				return nil
			}
		}
	}
	return mgr.inner.Fire(st, ev)
}

func (mgr *CentralizedManager) forwardToMain(ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if compressed, ok := mgr.compressor.MaybeCompress(data); ok {
		return mgr.client.SendBufWithFlags(TagToMain, shmq.FlagCompressed, compressed)
	}
	return mgr.client.SendBuf(TagToMain, data)
}

func (mgr *CentralizedManager) Process(fuzzer Fuzzer, st *state.State, exec Executor) (int, error) {
	if mgr.isMain {
		return mgr.receiveFromSecondary(fuzzer, st, exec)
	}
	// Secondaries have nothing to drain on the centralized channel.
	return mgr.inner.Process(fuzzer, st, exec)
}

func (mgr *CentralizedManager) receiveFromSecondary(fuzzer Fuzzer, st *state.State, exec Executor) (int, error) {
	selfID := mgr.client.SenderID()
	count := 0
	for {
		from, tag, flags, buf, ok, err := mgr.client.RecvBufWithFlags()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		if tag != TagToMain {
			return count, fmt.Errorf("%w: message from client %v has tag 0x%x",
				ErrProtocol, from, tag)
		}
		if from == selfID {
			// The broker echoes our own messages; skip them.
			continue
		}
		if flags&shmq.FlagCompressed != 0 {
			if buf, err = mgr.compressor.Decompress(buf); err != nil {
				return count, err
			}
		}
		ev, err := Decode(buf)
		if err != nil {
			return count, err
		}
		log.Logf(3, "main: received %v from client %v", ev.Name(), from)
		if err := mgr.handleInMain(fuzzer, exec, st, from, ev); err != nil {
			return count, err
		}
		count++
	}
}

func (mgr *CentralizedManager) handleInMain(fuzzer Fuzzer, exec Executor, st *state.State,
	from shmq.ClientID, ev Event) error {
	switch ev := ev.(type) {
	case *NewTestcase:
		var id corpus.ID
		var accepted bool
		var err error
		if ev.ClientConfig.Match(mgr.Config()) && ev.ObserversBuf != nil {
			// The sender executed the input under an identical observer
			// layout, so its observer state can be trusted as-is.
			obs, derr := exec.DecodeObservers(ev.ObserversBuf)
			if derr != nil {
				return fmt.Errorf("%w: observers from client %v don't decode under a matching config: %v",
					ErrProtocol, from, derr)
			}
			id, accepted, err = fuzzer.EvaluateExecution(st, mgr, ev.Input, obs, ev.ExitKind, false)
		} else {
			id, accepted, err = fuzzer.EvaluateInput(st, exec, mgr, ev.Input, false)
		}
		if err != nil {
			return err
		}
		if !accepted {
			log.Logf(3, "main: discarded testcase from client %v", from)
			return nil
		}
		log.Logf(3, "main: adding testcase from client %v as corpus entry %v", from, id)
		if err := fireAllHooks(mgr.hooks, st, from, ev); err != nil {
			return err
		}
		// Republish to the main broker via the inner manager.
		return mgr.inner.Fire(st, ev)
	case *ExecStats:
		// Heartbeats only keep the sender alive at the centralized broker;
		// there is nothing to do with them here.
		return nil
	case *Stop:
		st.RequestStop()
		return nil
	default:
		return fmt.Errorf("%w: event %v must not arrive at the main node",
			ErrProtocol, ev.Name())
	}
}

func (mgr *CentralizedManager) OnRestart(st *state.State) error {
	mgr.client.AwaitSafeToUnmap()
	return mgr.inner.OnRestart(st)
}

func (mgr *CentralizedManager) AwaitRestartSafe() {
	mgr.client.AwaitSafeToUnmap()
	mgr.inner.AwaitRestartSafe()
}

func (mgr *CentralizedManager) SendExiting() error {
	if err := mgr.client.SendExiting(); err != nil {
		return err
	}
	return mgr.inner.SendExiting()
}

func (mgr *CentralizedManager) OnShutdown() error {
	if err := mgr.inner.OnShutdown(); err != nil {
		return err
	}
	return mgr.client.SendExiting()
}

func (mgr *CentralizedManager) ID() ManagerID {
	return mgr.inner.ID()
}

func (mgr *CentralizedManager) ShouldSend() bool {
	return mgr.inner.ShouldSend()
}

func (mgr *CentralizedManager) Config() Config {
	return mgr.inner.Config()
}

func (mgr *CentralizedManager) Log(st *state.State, sev LogSeverity, msg string) error {
	return mgr.inner.Log(st, sev, msg)
}

// EncodeObservers delegates observer serialization to the inner manager
// when it supports it.
func (mgr *CentralizedManager) EncodeObservers(obs Observers) ([]byte, error) {
	if enc, ok := mgr.inner.(ObserverEncoder); ok {
		return enc.EncodeObservers(obs)
	}
	return nil, nil
}

// Describe exports the manager's transport endpoint in a restorable fashion.
func (mgr *CentralizedManager) Describe() (*shmq.Description, error) {
	return mgr.client.Describe()
}

// ToEnv stores the endpoint description in the environment variable, so that
// a respawned process can reattach with BuildExistingClientFromEnv.
func (mgr *CentralizedManager) ToEnv(name string) error {
	return mgr.client.ToEnv(name)
}
