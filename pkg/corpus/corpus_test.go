// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/centfuzz/centfuzz/pkg/testutil"
)

func TestCorpusCounts(t *testing.T) {
	corpus := New()
	assert.Equal(t, 0, corpus.Count())
	assert.Equal(t, 0, corpus.CountAll())

	id0, err := corpus.Add(&Entry{Input: []byte("a")})
	assert.NoError(t, err)
	id1, err := corpus.Add(&Entry{Input: []byte("b")})
	assert.NoError(t, err)
	assert.NotEqual(t, id0, id1)
	assert.Equal(t, 2, corpus.Count())
	assert.Equal(t, 2, corpus.CountAll())
	assert.Equal(t, []ID{id0, id1}, corpus.ActiveIDs())

	entry, err := corpus.Remove(id0)
	assert.NoError(t, err)
	assert.Equal(t, []byte("a"), entry.Input)
	assert.Equal(t, 1, corpus.Count())
	assert.Equal(t, 1, corpus.CountAll())

	did, err := corpus.AddDisabled(entry)
	assert.NoError(t, err)
	assert.Equal(t, 1, corpus.Count())
	assert.Equal(t, 2, corpus.CountAll())

	assert.NoError(t, corpus.Enable(did))
	assert.Equal(t, 2, corpus.Count())
	assert.Equal(t, 2, corpus.CountAll())

	_, err = corpus.Remove(id0)
	assert.Error(t, err)
	assert.Error(t, corpus.Enable(id1))
}

func TestChooseProgram(t *testing.T) {
	rnd := rand.New(testutil.RandSource(t))
	corpus := New()
	assert.Nil(t, corpus.ChooseProgram(rnd))
	// A heavy entry must be chosen much more often than a light one.
	corpus.Add(&Entry{Input: []byte("light")})
	corpus.Add(&Entry{Input: []byte("heavy"), Signal: make([]uint64, 99)})
	heavy := 0
	for i := 0; i < testutil.IterCount(); i++ {
		if string(corpus.ChooseProgram(rnd).Input) == "heavy" {
			heavy++
		}
	}
	assert.Greater(t, heavy, testutil.IterCount()/2)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	corpus := New()
	assert.NoError(t, corpus.EnableSaving(dir))
	var disabledID ID
	for i := 0; i < 10; i++ {
		id, err := corpus.Add(&Entry{Input: []byte(fmt.Sprintf("input %v", i))})
		assert.NoError(t, err)
		if i == 0 {
			disabledID = id
		}
	}
	entry, err := corpus.Remove(disabledID)
	assert.NoError(t, err)
	_, err = corpus.AddDisabled(entry)
	assert.NoError(t, err)

	loaded, err := Load(dir)
	assert.NoError(t, err)
	assert.Equal(t, 9, loaded.Count())
	assert.Equal(t, 10, loaded.CountAll())
}
