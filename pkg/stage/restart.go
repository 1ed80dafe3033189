// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stage

import (
	"os"

	"github.com/centfuzz/centfuzz/pkg/event"
	"github.com/centfuzz/centfuzz/pkg/log"
	"github.com/centfuzz/centfuzz/pkg/state"
)

// Restart terminates the process at a restart boundary so that the launcher
// respawns it with a fresh address space. The manager's transport endpoint
// survives via the environment-variable handshake; OnRestart blocks until
// the shared pages are safe to release.
type Restart struct{}

func (r Restart) Perform(fuzzer event.Fuzzer, exec event.Executor,
	st *state.State, mgr event.Manager) error {
	if err := mgr.OnRestart(st); err != nil {
		return err
	}
	log.Logf(0, "restarting the fuzzer process")
	os.Exit(0)
	return nil
}

func (r Restart) ShouldRestart(st *state.State) (bool, error) {
	return true, nil
}

func (r Restart) ClearProgress(st *state.State) error {
	return nil
}
