// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/centfuzz/centfuzz/pkg/osutil"
)

// On-disk layout: every input is stored xz-compressed under its content
// hash, active entries in dir, disabled entries in dir/disabled.
const disabledSubdir = "disabled"

type saver struct {
	dir string
}

// EnableSaving makes the corpus persist every mutation to dir.
func (corpus *Corpus) EnableSaving(dir string) error {
	if err := osutil.MkdirAll(filepath.Join(dir, disabledSubdir)); err != nil {
		return err
	}
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	corpus.saver = &saver{dir: dir}
	return nil
}

// Load restores the active and disabled entries previously persisted to dir.
// Restored entries carry no signal; they are not re-executed on load.
func Load(dir string) (*Corpus, error) {
	corpus := New()
	if err := corpus.EnableSaving(dir); err != nil {
		return nil, err
	}
	for _, disabled := range []bool{false, true} {
		entries, err := loadDir(entryDir(dir, disabled))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			corpus.mu.Lock()
			id := corpus.nextID
			corpus.nextID++
			if disabled {
				corpus.disabled[id] = entry
			} else {
				corpus.active[id] = entry
			}
			corpus.mu.Unlock()
		}
	}
	return corpus, nil
}

func entryDir(dir string, disabled bool) string {
	if disabled {
		return filepath.Join(dir, disabledSubdir)
	}
	return dir
}

func (s *saver) save(entry *Entry, disabled bool) error {
	buf := new(bytes.Buffer)
	w, err := xz.NewWriter(buf)
	if err != nil {
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := w.Write(entry.Input); err != nil {
		return fmt.Errorf("failed to compress corpus entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to compress corpus entry: %w", err)
	}
	return osutil.WriteFile(s.path(entry, disabled), buf.Bytes())
}

func (s *saver) remove(entry *Entry, disabled bool) error {
	err := os.Remove(s.path(entry, disabled))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *saver) path(entry *Entry, disabled bool) string {
	return filepath.Join(entryDir(s.dir, disabled), fmt.Sprintf("%x", sha1.Sum(entry.Input)))
}

func loadDir(dir string) ([]*Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []*Entry
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		data, err := osutil.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, err
		}
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("corrupted corpus entry %v: %w", file.Name(), err)
		}
		input, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("corrupted corpus entry %v: %w", file.Name(), err)
		}
		entries = append(entries, &Entry{Input: input})
	}
	return entries, nil
}
