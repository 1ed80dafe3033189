// Copyright 2025 centfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateSharedMemFile creates a file-backed shared mapping at the given path
// (normally under /dev/shm) that other processes can attach to with
// OpenSharedMemFile.
func CreateSharedMemFile(path string, size int) (f *os.File, mem []byte, err error) {
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		err = fmt.Errorf("failed to create shm file %v: %w", path, err)
		return
	}
	if err = f.Truncate(int64(size)); err != nil {
		err = fmt.Errorf("failed to truncate shm file %v: %w", path, err)
		f.Close()
		os.Remove(path)
		return
	}
	mem, err = mmapFile(f, size)
	if err != nil {
		f.Close()
		os.Remove(path)
	}
	return
}

// OpenSharedMemFile maps an existing shared memory file created by
// CreateSharedMemFile in another process.
func OpenSharedMemFile(path string) (f *os.File, mem []byte, err error) {
	f, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		err = fmt.Errorf("failed to open shm file %v: %w", path, err)
		return
	}
	st, err := f.Stat()
	if err != nil {
		err = fmt.Errorf("failed to stat shm file %v: %w", path, err)
		f.Close()
		return
	}
	mem, err = mmapFile(f, int(st.Size()))
	if err != nil {
		f.Close()
	}
	return
}

func mmapFile(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap shm file: %w", err)
	}
	return mem, nil
}

// CloseMemMappedFile destroys a mapping created by one of the functions above.
func CloseMemMappedFile(f *os.File, mem []byte) error {
	err1 := unix.Munmap(mem)
	err2 := f.Close()
	switch {
	case err1 != nil:
		return err1
	case err2 != nil:
		return err2
	default:
		return nil
	}
}
