// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/centfuzz/centfuzz/pkg/corpus"
	"github.com/centfuzz/centfuzz/pkg/state"
	"github.com/centfuzz/centfuzz/pkg/testutil"
)

func TestManagerIDs(t *testing.T) {
	a, b := NewSimpleManager(0), NewNopManager()
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSimpleManagerStop(t *testing.T) {
	st := state.New(corpus.New(), rand.New(testutil.RandSource(t)))
	mgr := NewSimpleManager(ConfigFromName("cfg"))
	assert.False(t, st.StopRequested())
	assert.NoError(t, mgr.Fire(st, &Stop{}))
	assert.True(t, st.StopRequested())
}

func TestSimpleManagerObservers(t *testing.T) {
	mgr := NewSimpleManager(0)
	// Without an encoder observer serialization is just disabled.
	data, err := mgr.EncodeObservers("anything")
	assert.NoError(t, err)
	assert.Nil(t, data)

	mgr.Encoder = func(obs Observers) ([]byte, error) {
		return []byte(obs.(string)), nil
	}
	data, err = mgr.EncodeObservers("observers")
	assert.NoError(t, err)
	assert.Equal(t, []byte("observers"), data)
}
