// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package emufs

import (
	"fmt"
	"os"

	"github.com/googlecloudplatform/rd-go/internal/assertx"
	"github.com/googlecloudplatform/rd-go/internal/logger"
	"github.com/jacobsa/syncutil"
)

// cloneBufLen matches the original's BUF_LEN = 65536 / sizeof(u64): a
// 65536-byte buffer for clone_file's copy loop.
const cloneBufLen = 65536

// File is an EmuFile: one emulated file. It owns a Backing, remembers the
// recorded (device, inode, size) it emulates, and its origin path.
//
// File is shared by reference among every holder of a strong handle; FS
// itself holds only a non-retaining registration (see FS.files). Go's
// garbage collector would happily collect a true cycle here, but reclaiming
// a File's backing object requires deterministic, synchronous destruction
// the instant the last holder releases its handle - something GC timing
// cannot promise - so ownership is tracked explicitly with Acquire/Close,
// the same shape as gcsproxy.MutableContent's destroyed-flag lifecycle.
type File struct {
	Mu syncutil.InvariantMutex

	// owner is a non-owning back-reference. owner outlives every File it
	// contains by construction (FS is torn down only after every task using
	// it is gone); giving File a strong reference to its FS would create a
	// retain cycle neither side would ever break.
	owner *FS

	origPath string
	realPath string
	backing  *Backing

	device, inode uint64

	// size is monotonically non-decreasing.
	//
	// GUARDED_BY(Mu)
	size int64

	// refs counts live strong handles. The File is destroyed - removed from
	// owner, backing closed - when it drops to zero.
	//
	// GUARDED_BY(Mu)
	refs int32

	// GUARDED_BY(Mu)
	destroyed bool
}

// newFile constructs an EmuFile with one strong reference already held by
// the caller (FS.GetOrCreate or FS.CloneFile). Construction is not exported:
// only FS creates Files.
func newFile(owner *FS, origPath string, device, inode uint64, size int64) *File {
	backing, err := CreateBacking(os.Getpid(), device, inode, origPath, size, owner.tempDirConfig())
	if err != nil {
		logger.Fatalf("emufs: failed to create backing object for dev:%d inode:%d %q: %v", device, inode, origPath, err)
	}

	f := &File{
		owner:    owner,
		origPath: origPath,
		realPath: backing.Name(),
		backing:  backing,
		device:   device,
		inode:    inode,
		size:     size,
		refs:     1,
	}
	f.Mu = syncutil.NewInvariantMutex(f.checkInvariants)

	logger.Debugf("emufs: created emulated file for %q as %q", origPath, f.realPath)
	return f
}

func (f *File) checkInvariants() {
	if f.destroyed {
		return
	}
	assertx.Thatf(f.size >= 0, "negative size %d", f.size)
	assertx.Thatf(f.backing.Size() >= f.size, "backing %d smaller than reported size %d", f.backing.Size(), f.size)
}

// OrigPath is the path the recorded file had.
func (f *File) OrigPath() string { return f.origPath }

// RealPath is the human-readable backing-object name.
func (f *File) RealPath() string { return f.realPath }

// Device and Inode are the recorded identity this File emulates.
func (f *File) Device() uint64 { return f.device }
func (f *File) Inode() uint64  { return f.inode }

// Size is the current backing-object size.
func (f *File) Size() int64 {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.size
}

// ProcPath returns /proc/<own-pid>/fd/<raw-backing-fd>, usable by the
// dispatcher to pass the backing object into a remote mmap performed in the
// tracee.
func (f *File) ProcPath() string {
	return fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), f.backing.FD())
}

// BackingFD exposes the raw backing fd for callers that need to mmap/pread
// it directly (tests, and the dispatcher's remote-mmap setup).
func (f *File) BackingFD() int {
	return f.backing.FD()
}

// EnsureSize grows the backing object to n if size < n. Idempotent and
// monotonic: never shrinks.
func (f *File) EnsureSize(n int64) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.ensureSizeLocked(n)
}

func (f *File) ensureSizeLocked(n int64) {
	if f.size < n {
		if err := f.backing.Resize(n); err != nil {
			logger.Fatalf("emufs: failed to resize backing %q to %d: %v", f.realPath, n, err)
		}
		f.size = n
	}
}

// Update asserts (device, inode) matches what was recorded, then ensures
// size. Called by FS.GetOrCreate every time an existing entry is reused.
func (f *File) Update(device, inode uint64, newSize int64) {
	assertx.Thatf(f.device == device && f.inode == inode,
		"emufs.File.Update: recorded identity mismatch: have dev:%d inode:%d, got dev:%d inode:%d",
		f.device, f.inode, device, inode)
	f.EnsureSize(newSize)
}

// CloneFile returns a fresh File with the same (device, inode, size,
// orig_path) and a byte-wise copy of the current backing contents,
// registered in the same FS. Copying proceeds in 65536-byte blocks using
// positional read/write; short reads/writes are looped, and a read
// returning 0 before size bytes have been copied is fatal.
func (f *File) CloneFile() *File {
	f.Mu.Lock()
	size := f.size
	device, inode, origPath := f.device, f.inode, f.origPath
	f.Mu.Unlock()

	clone := newFile(f.owner, origPath, device, inode, size)

	buf := make([]byte, cloneBufLen)
	var offset int64
	for offset < size {
		want := cloneBufLen
		if remaining := size - offset; remaining < int64(want) {
			want = int(remaining)
		}

		n, err := f.backing.ReadAt(buf[:want], offset)
		if n <= 0 {
			logger.Fatalf("emufs: clone_file: couldn't read all the data from %q at offset %d: %v", f.realPath, offset, err)
		}

		written := 0
		for written < n {
			w, err := clone.backing.WriteAt(buf[written:n], offset+int64(written))
			if w <= 0 {
				logger.Fatalf("emufs: clone_file: couldn't write all the data to %q at offset %d: %v", clone.realPath, offset+int64(written), err)
			}
			written += w
		}
		offset += int64(n)
	}

	return clone
}

// Acquire adds a strong reference. Used when a second call site needs to
// independently hold (and later release) the same File FS.GetOrCreate
// already found registered.
func (f *File) Acquire() *File {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	assertx.That(!f.destroyed, "emufs.File.Acquire: use of destroyed File")
	f.refs++
	return f
}

// Close drops a strong reference. When the last one drops, the File calls
// back into its owner FS to remove the (device, inode) entry, then closes
// the backing object - in that order, so FS never observes a registered
// entry whose File has already released its backing: a weak-handle upgrade
// always succeeds before destruction actually runs.
func (f *File) Close() {
	f.Mu.Lock()
	f.refs--
	remaining := f.refs
	f.Mu.Unlock()

	assertx.Thatf(remaining >= 0, "emufs.File.Close: refcount underflow for dev:%d inode:%d", f.device, f.inode)
	if remaining > 0 {
		return
	}

	f.owner.destroyedFile(f)

	f.Mu.Lock()
	f.destroyed = true
	f.Mu.Unlock()

	if err := f.backing.Close(); err != nil {
		logger.Warnf("emufs: error closing backing %q: %v", f.realPath, err)
	}
}
