// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package event defines the events exchanged between the processes of a
// fuzzing session, their wire encoding, and the event managers that route
// them. The centralized manager (see CentralizedManager) implements the
// main/secondary architecture: secondaries funnel candidate testcases to a
// single main evaluator, which republishes the survivors to everybody else.
package event

import (
	"time"

	"github.com/centfuzz/centfuzz/pkg/shmq"
)

// Event is a message produced by fuzzer activity. Concrete events are
// pointers to the structs below, dispatched by type switch.
type Event interface {
	// Name returns a short stable name of the event kind for error
	// messages and logging.
	Name() string
}

// NewTestcase announces an input that produced new coverage on the sender.
type NewTestcase struct {
	Input []byte
	// Fingerprint of the sender's observer layout. If it matches the
	// receiver's, ObserversBuf can be trusted and the input does not
	// have to be re-executed.
	ClientConfig Config
	ExitKind     ExitKind
	// Size of the sender's corpus after the input was added.
	CorpusSize uint64
	// Serialized observer state, or nil if the sender did not attach it.
	ObserversBuf []byte
	// Sender uptime at the time of the finding.
	Time       time.Duration
	Executions uint64
	// Id of the manager the testcase originates from. Nil until the event
	// crosses the centralized channel; the main evaluator uses it for
	// attribution and loop prevention.
	ForwardID *shmq.ClientID
}

// ExecStats is a periodic heartbeat carrying throughput statistics.
type ExecStats struct {
	Time       time.Duration
	Executions uint64
}

// Stop requests graceful termination of the whole session.
type Stop struct{}

// LogMessage carries a log line to be delivered to the session log sink.
type LogMessage struct {
	Severity LogSeverity
	Message  string
}

// Objective announces an input that triggered the fuzzing objective
// (a crash, typically).
type Objective struct {
	Input      []byte
	Time       time.Duration
	Executions uint64
}

func (*NewTestcase) Name() string { return "NewTestcase" }
func (*ExecStats) Name() string   { return "ExecStats" }
func (*Stop) Name() string        { return "Stop" }
func (*LogMessage) Name() string  { return "LogMessage" }
func (*Objective) Name() string   { return "Objective" }

type ExitKind uint8

const (
	ExitOk ExitKind = iota
	ExitCrash
	ExitTimeout
	ExitOOM
)

type LogSeverity uint8

const (
	LogDebug LogSeverity = iota
	LogInfo
	LogWarn
	LogError
)
