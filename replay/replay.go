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

// Package replay gives the emufs and fdtable packages the small collaborator
// interfaces they need from the rest of a record-and-replay debugger - the
// ptrace control loop, the task/address-space graph, and the syscall
// dispatcher - without owning or implementing any of it. Everything in this
// package is a seam for a caller outside this module to satisfy.
package replay

import "context"

// RecordedMapping is what the dispatcher hands EmuFs when the tracee asks to
// establish or extend a shared mapping of a recorded file. It carries the
// identity that was recorded, not whatever the file looks like today.
type RecordedMapping struct {
	// Device and Inode are the (device, inode) pair recorded at trace time;
	// together they form the emufs.FileID key.
	Device uint64
	Inode  uint64

	// OrigPath is the path the recorded file had. It may be any byte
	// string - non-UTF8 paths are possible - so callers should treat it as
	// raw bytes where that matters; Go's string type is just that.
	OrigPath string

	// FileOffset and Length describe the mapped region; their sum is the
	// minimum backing-object size the mapping requires.
	FileOffset int64
	Length     int64
}

// MinSize is the smallest backing-object size this mapping requires.
func (m RecordedMapping) MinSize() int64 {
	return m.FileOffset + m.Length
}

// Task is the subset of the task abstraction the core consumes: enough to
// reach a tracee's address space, write bytes into it, and record what was
// written so replay observes the identical value.
type Task interface {
	// Tid is the real (replaying) thread id.
	Tid() int

	// RecTid is the recorded thread id, used to resolve /proc/<rec_tid>/fd
	// entries against the state that was recorded, not the replay host's.
	RecTid() int

	// Recording reports whether this session is recording (true) or
	// replaying (false). The disabled-fds bitmap recompute in fdtable is
	// suppressed outside recording sessions.
	Recording() bool

	// AddressSpace returns the address space this task currently runs in.
	AddressSpace() AddressSpace

	// FdTableHandle returns an accessor for the FdTable this task currently
	// shares. The core never reaches this through any other path.
	FdTableHandle() FdTableHandle
}

// FdTableHandle is the one thing Task exposes back about its FdTable: enough
// indirection that fdtable.Table does not need to import its own consumer.
type FdTableHandle interface {
	// Table returns the concrete *fdtable.Table, typed as interface{} here to
	// avoid an import cycle; callers in fdtable assert it back to *Table.
	Table() interface{}
}

// AddressSpace is one virtual address space, potentially shared by several
// Tasks. The disabled-fds bitmap lives here: one byte array per address
// space, refreshed from the union of every FdTable reachable through a task
// that runs in it.
type AddressSpace interface {
	// Tasks returns every task currently running in this address space.
	Tasks() []Task

	// WriteSyscallbufFdsDisabledByte writes value into byte offset index of
	// the preload globals' syscallbuf_fds_disabled array inside this address
	// space's tracee. A failure here is fatal: the write is expected to be
	// infallible in the same sense as ptrace itself.
	WriteSyscallbufFdsDisabledByte(ctx context.Context, index int, value byte) error
}

// FileMonitor is a dispatcher-provided handler attached to one fd that
// intercepts or augments syscall replay for that fd, modeled on the
// original's FileMonitor base class: a full hook set with no-op defaults
// that a real monitor overrides selectively.
type FileMonitor interface {
	// HandleClose is called when the fd(s) bound to this monitor are closed.
	HandleClose(task Task, fd int)

	// EmulateIoctl reports whether this monitor handles the ioctl, and its
	// emulated return value if so.
	EmulateIoctl(task Task, fd int, request uintptr) (ret int64, handled bool)

	// EmulateFcntl reports whether this monitor handles the fcntl, and its
	// emulated return value if so.
	EmulateFcntl(task Task, fd int, cmd int, arg uintptr) (ret int64, handled bool)

	// EmulateRead reports whether this monitor supplies emulated content for
	// a read, and the byte count if so.
	EmulateRead(task Task, fd int, buf []byte, offset int64) (n int, handled bool)

	// WillWrite is called immediately before a write to fd is allowed to
	// proceed to the kernel; returning false vetoes it.
	WillWrite(task Task, fd int) (allow bool)

	// DidWrite is called after a write to fd completed with n bytes written.
	DidWrite(task Task, fd int, n int)

	// FilterGetdents lets the monitor redact or rewrite directory entries
	// returned by a getdents replay for fd.
	FilterGetdents(task Task, fd int, entries []byte) []byte

	// IsRdFd reports whether fd is an internal descriptor belonging to the
	// replay tool itself (so it is never exposed to the tracee as "real").
	IsRdFd() bool
}

// NoopFileMonitor is an embeddable FileMonitor whose every hook returns the
// value FdTable treats as "no monitor present": false, "not handled", or a
// pass-through of the input. Implementers embed this and override only the
// hooks they care about, the way Go substitutes for the original's
// virtual-method defaults.
type NoopFileMonitor struct{}

func (NoopFileMonitor) HandleClose(Task, int) {}

func (NoopFileMonitor) EmulateIoctl(Task, int, uintptr) (int64, bool) { return 0, false }

func (NoopFileMonitor) EmulateFcntl(Task, int, int, uintptr) (int64, bool) { return 0, false }

func (NoopFileMonitor) EmulateRead(Task, int, []byte, int64) (int, bool) { return 0, false }

func (NoopFileMonitor) WillWrite(Task, int) bool { return true }

func (NoopFileMonitor) DidWrite(Task, int, int) {}

func (NoopFileMonitor) FilterGetdents(_ Task, _ int, entries []byte) []byte { return entries }

func (NoopFileMonitor) IsRdFd() bool { return false }

var _ FileMonitor = NoopFileMonitor{}
