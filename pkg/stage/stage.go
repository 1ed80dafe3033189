// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stage implements the steps the fuzzing loop runs between input
// batches.
package stage

import (
	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/state"
)

type Stage interface {
	Perform(fuzzer event.Fuzzer, exec event.Executor, st *state.State, mgr event.Manager) error
	// ShouldRestart reports whether the stage may run right after a
	// restart, before any progress was made.
	ShouldRestart(st *state.State) (bool, error)
	// ClearProgress drops any intermediate progress of an interrupted
	// stage run.
	ClearProgress(st *state.State) error
}
