// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus implements the persistent set of fuzzing testcases.
// Entries are partitioned into an active subset, from which the fuzzer
// schedules inputs, and a disabled subset that is kept on disk but excluded
// from scheduling.
package corpus

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// ID identifies an entry within one corpus. Ids are dense and never reused.
type ID int

type Entry struct {
	Input []byte
	// Coverage signal the input produced when it was added.
	// Empty for entries restored from disk.
	Signal     []uint64
	Time       time.Duration
	Executions uint64
}

type Corpus struct {
	mu       sync.Mutex
	active   map[ID]*Entry
	disabled map[ID]*Entry
	nextID   ID
	saver    *saver
}

func New() *Corpus {
	return &Corpus{
		active:   make(map[ID]*Entry),
		disabled: make(map[ID]*Entry),
	}
}

// Add inserts a new active entry and returns its id.
func (corpus *Corpus) Add(entry *Entry) (ID, error) {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	id := corpus.nextID
	corpus.nextID++
	corpus.active[id] = entry
	if corpus.saver != nil {
		if err := corpus.saver.save(entry, false); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Count returns the number of active entries.
func (corpus *Corpus) Count() int {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	return len(corpus.active)
}

// CountAll returns the number of entries, active and disabled.
func (corpus *Corpus) CountAll() int {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	return len(corpus.active) + len(corpus.disabled)
}

// Remove takes an active entry out of the corpus and returns it.
func (corpus *Corpus) Remove(id ID) (*Entry, error) {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	entry := corpus.active[id]
	if entry == nil {
		return nil, fmt.Errorf("no active corpus entry %v", id)
	}
	delete(corpus.active, id)
	if corpus.saver != nil {
		if err := corpus.saver.remove(entry, false); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// AddDisabled inserts an entry into the disabled subset. The entry stays on
// disk but is excluded from scheduling until Enable is called for it.
func (corpus *Corpus) AddDisabled(entry *Entry) (ID, error) {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	id := corpus.nextID
	corpus.nextID++
	corpus.disabled[id] = entry
	if corpus.saver != nil {
		if err := corpus.saver.save(entry, true); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Enable moves a disabled entry back into the active subset.
func (corpus *Corpus) Enable(id ID) error {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	entry := corpus.disabled[id]
	if entry == nil {
		return fmt.Errorf("no disabled corpus entry %v", id)
	}
	delete(corpus.disabled, id)
	corpus.active[id] = entry
	if corpus.saver == nil {
		return nil
	}
	if err := corpus.saver.remove(entry, true); err != nil {
		return err
	}
	return corpus.saver.save(entry, false)
}

// ActiveIDs returns a sorted snapshot of the active entry ids.
func (corpus *Corpus) ActiveIDs() []ID {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	ids := maps.Keys(corpus.active)
	slices.Sort(ids)
	return ids
}

// ChooseProgram picks a random active entry, weighted by the amount of
// signal the entry contributed. Returns nil if the corpus is empty.
func (corpus *Corpus) ChooseProgram(r *rand.Rand) *Entry {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	if len(corpus.active) == 0 {
		return nil
	}
	ids := maps.Keys(corpus.active)
	slices.Sort(ids)
	var total int64
	for _, id := range ids {
		total += corpus.weight(corpus.active[id])
	}
	randVal := r.Int63n(total)
	var running int64
	for _, id := range ids {
		running += corpus.weight(corpus.active[id])
		if running > randVal {
			return corpus.active[id]
		}
	}
	panic("it should not happen")
}

func (corpus *Corpus) weight(entry *Entry) int64 {
	return int64(len(entry.Signal)) + 1
}
