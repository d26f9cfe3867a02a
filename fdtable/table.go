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

// Package fdtable implements the per-fd FileMonitor registry shared across
// tasks that share a kernel file descriptor table, and the preload
// "disabled fds" bitmap that registry must keep in sync across every
// address space it touches.
package fdtable

import (
	"context"
	"fmt"

	"github.com/googlecloudplatform/rd-go/clock"
	"github.com/googlecloudplatform/rd-go/common"
	"github.com/googlecloudplatform/rd-go/internal/assertx"
	"github.com/googlecloudplatform/rd-go/internal/logger"
	"github.com/googlecloudplatform/rd-go/replay"
	"github.com/jacobsa/syncutil"
)

// DefaultSyscallbufFdsDisabledSize is the compile-time length of the
// disabled-fds bitmap the preload library maps into every tracee address
// space, absent an override from cfg.Config.SyscallbufFdsDisabledSize.
const DefaultSyscallbufFdsDisabledSize = 32

// Table is a FdTable: a registry mapping fd -> FileMonitor, shared by
// reference among every task that shares the underlying kernel fd table.
type Table struct {
	// Mu guards every field below. Mutation methods take it exclusively;
	// lookups take it too, since the invariant check runs on every unlock
	// regardless of whether the call was a read or a write.
	Mu syncutil.InvariantMutex

	// size is this table's SYSCALLBUF_FDS_DISABLED_SIZE. All tables that
	// share an address space are expected to agree on this value; it is a
	// process-wide preload ABI constant in practice.
	//
	// GUARDED_BY(Mu)
	size int

	// tasks is the set of tasks that share this FdTable by kernel fd-table
	// sharing. Conceptually weak (a Task's lifetime is owned elsewhere); Go's
	// GC makes the reference harmless, but nothing in this package extends a
	// Task's lifetime by holding it here.
	//
	// GUARDED_BY(Mu)
	tasks map[replay.Task]struct{}

	// fds maps fd -> monitor. Multiple fds may share one monitor after dup.
	//
	// GUARDED_BY(Mu)
	fds map[int]replay.FileMonitor

	// beyondLimit is |{fd ∈ fds : fd >= size}|.
	//
	// GUARDED_BY(Mu)
	beyondLimit int

	metrics common.MetricHandle

	// clock times the bitmap-refresh latency metric. RealClock outside
	// tests; a clock.SimulatedClock lets a test assert on the exact
	// reported latency instead of a wall-clock range.
	clock clock.Clock
}

// New returns an empty FdTable shared by no tasks yet. Most callers want
// Create, which also registers the owning task.
func New(size int, metrics common.MetricHandle) *Table {
	return NewWithClock(size, metrics, clock.RealClock{})
}

// NewWithClock is New with an injectable Clock, for tests that need
// deterministic bitmap-refresh-latency measurements.
func NewWithClock(size int, metrics common.MetricHandle, cl clock.Clock) *Table {
	if size <= 0 {
		size = DefaultSyscallbufFdsDisabledSize
	}
	if metrics == nil {
		metrics = common.NewNoopMetrics()
	}
	if cl == nil {
		cl = clock.RealClock{}
	}
	t := &Table{
		size:    size,
		tasks:   make(map[replay.Task]struct{}),
		fds:     make(map[int]replay.FileMonitor),
		metrics: metrics,
		clock:   cl,
	}
	t.Mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	beyond := 0
	for fd := range t.fds {
		if fd >= t.size {
			beyond++
		}
	}
	assertx.Thatf(beyond == t.beyondLimit, "beyondLimit drift: want %d, have %d", beyond, t.beyondLimit)
}

// Create returns a fresh, empty FdTable shared initially only by task.
func Create(task replay.Task, size int, metrics common.MetricHandle) *Table {
	t := New(size, metrics)
	t.AddTask(task)
	return t
}

// CloneIntoTask returns a new FdTable with a shallow copy of t's fds and the
// same beyondLimit, shared initially only by task. Used when a task is
// cloned without sharing its kernel fd table.
func (t *Table) CloneIntoTask(task replay.Task) *Table {
	t.Mu.Lock()
	clone := NewWithClock(t.size, t.metrics, t.clock)
	for fd, mon := range t.fds {
		clone.fds[fd] = mon
	}
	clone.beyondLimit = t.beyondLimit
	t.Mu.Unlock()

	clone.AddTask(task)
	clone.metrics.FdTableMonitoredFds(context.Background(), int64(len(clone.fds)))
	return clone
}

// AddTask registers task as an additional sharer of this table - the case
// of two tasks that share a kernel fd table but run in distinct address
// spaces, each of which needs its own disabled-fds bitmap kept in sync.
// Mirrors the original's public TaskSet, which the task-creation dispatcher
// inserts into directly on an already-existing shared table.
func (t *Table) AddTask(task replay.Task) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.tasks[task] = struct{}{}
}

// RemoveTask unregisters task as a sharer of this table, e.g. when the task
// exits or execs into a fresh fd table of its own.
func (t *Table) RemoveTask(task replay.Task) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	delete(t.tasks, task)
}

// IsMonitoring reports whether fd has a monitor bound in this table.
func (t *Table) IsMonitoring(fd int) bool {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	_, ok := t.fds[fd]
	return ok
}

// GetMonitor returns the monitor bound to fd, if any.
func (t *Table) GetMonitor(fd int) (replay.FileMonitor, bool) {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	m, ok := t.fds[fd]
	return m, ok
}

// AddMonitor binds monitor to fd.
//
// REQUIRES: !IsMonitoring(fd)
func (t *Table) AddMonitor(ctx context.Context, task replay.Task, fd int, monitor replay.FileMonitor) {
	t.Mu.Lock()
	_, already := t.fds[fd]
	assertx.Thatf(!already, "fd %d is already monitored", fd)

	if fd >= t.size {
		t.beyondLimit++
	}
	t.fds[fd] = monitor
	t.Mu.Unlock()

	t.metrics.FdTableMutation(ctx, []common.MetricAttr{{Key: common.EventKey, Value: "add_monitor"}})
	t.metrics.FdTableMonitoredFds(ctx, 1)
	t.refreshDisabledFdsBitmap(ctx, task, fd)
}

// DidDup binds to to whatever monitor (if any) from is bound to - shared,
// not copied - or, if from has no monitor, closes to.
func (t *Table) DidDup(ctx context.Context, task replay.Task, from, to int) {
	t.Mu.Lock()
	mon, fromMonitored := t.fds[from]
	_, toWasMonitored := t.fds[to]
	if fromMonitored {
		if to >= t.size && !toWasMonitored {
			t.beyondLimit++
		}
		t.fds[to] = mon
	} else {
		if to >= t.size && toWasMonitored {
			t.beyondLimit--
		}
		delete(t.fds, to)
	}
	t.Mu.Unlock()

	t.metrics.FdTableMutation(ctx, []common.MetricAttr{{Key: common.EventKey, Value: "did_dup"}})
	if delta := monitoredDelta(toWasMonitored, fromMonitored); delta != 0 {
		t.metrics.FdTableMonitoredFds(ctx, delta)
	}
	t.refreshDisabledFdsBitmap(ctx, task, to)
}

// monitoredDelta returns the change in monitored-fd count when to's monitored
// state goes from was to now.
func monitoredDelta(was, now bool) int64 {
	switch {
	case !was && now:
		return 1
	case was && !now:
		return -1
	default:
		return 0
	}
}

// DidClose removes any monitor bound to fd.
func (t *Table) DidClose(ctx context.Context, task replay.Task, fd int) {
	logger.Tracef("fdtable: close fd %d", fd)

	t.Mu.Lock()
	_, wasMonitored := t.fds[fd]
	if fd >= t.size && wasMonitored {
		t.beyondLimit--
	}
	delete(t.fds, fd)
	t.Mu.Unlock()

	t.metrics.FdTableMutation(ctx, []common.MetricAttr{{Key: common.EventKey, Value: "did_close"}})
	if wasMonitored {
		t.metrics.FdTableMonitoredFds(ctx, -1)
	}
	t.refreshDisabledFdsBitmap(ctx, task, fd)
}

// BeyondLimit returns the number of monitored fds >= this table's
// disabled-fds bitmap size.
func (t *Table) BeyondLimit() int {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.beyondLimit
}

// EmulateIoctl dispatches to fd's monitor, or reports unhandled.
func (t *Table) EmulateIoctl(task replay.Task, fd int, request uintptr) (int64, bool) {
	if m, ok := t.GetMonitor(fd); ok {
		return m.EmulateIoctl(task, fd, request)
	}
	return 0, false
}

// EmulateFcntl dispatches to fd's monitor, or reports unhandled.
func (t *Table) EmulateFcntl(task replay.Task, fd int, cmd int, arg uintptr) (int64, bool) {
	if m, ok := t.GetMonitor(fd); ok {
		return m.EmulateFcntl(task, fd, cmd, arg)
	}
	return 0, false
}

// EmulateRead dispatches to fd's monitor, or reports unhandled.
func (t *Table) EmulateRead(task replay.Task, fd int, buf []byte, offset int64) (int, bool) {
	if m, ok := t.GetMonitor(fd); ok {
		return m.EmulateRead(task, fd, buf, offset)
	}
	return 0, false
}

// WillWrite dispatches to fd's monitor; the no-op default is "allow".
func (t *Table) WillWrite(task replay.Task, fd int) bool {
	if m, ok := t.GetMonitor(fd); ok {
		return m.WillWrite(task, fd)
	}
	return true
}

// DidWrite dispatches to fd's monitor, if any.
func (t *Table) DidWrite(task replay.Task, fd int, n int) {
	if m, ok := t.GetMonitor(fd); ok {
		m.DidWrite(task, fd, n)
	}
}

// FilterGetdents dispatches to fd's monitor, if any, passing entries through
// unmodified when there is none.
func (t *Table) FilterGetdents(task replay.Task, fd int, entries []byte) []byte {
	if m, ok := t.GetMonitor(fd); ok {
		return m.FilterGetdents(task, fd, entries)
	}
	return entries
}

// IsRdFd dispatches to fd's monitor, if any.
func (t *Table) IsRdFd(fd int) bool {
	if m, ok := t.GetMonitor(fd); ok {
		return m.IsRdFd()
	}
	return false
}

// adjustFd collapses any fd >= size onto the bitmap's final byte.
func (t *Table) adjustFd(fd int) int {
	if fd >= t.size {
		return t.size - 1
	}
	return fd
}

// refreshDisabledFdsBitmap recomputes and writes byte adjustFd(fd) into
// every address space reachable from a task sharing this table, exactly
// once per address space. An address space is skipped once it HAS been
// updated this call, not while it hasn't - the original's inverted
// vms_updated guard did the opposite, skipping every address space that
// had not yet been updated, so none was ever written.
func (t *Table) refreshDisabledFdsBitmap(ctx context.Context, _ replay.Task, fd int) {
	start := t.clock.Now()
	defer func() {
		t.metrics.FdTableBitmapRefreshLatency(ctx, float64(t.clock.Now().Sub(start).Microseconds()))
	}()

	t.Mu.Lock()
	tasks := make([]replay.Task, 0, len(t.tasks))
	for tk := range t.tasks {
		tasks = append(tasks, tk)
	}
	adjusted := t.adjustFd(fd)
	t.Mu.Unlock()

	updated := make(map[replay.AddressSpace]struct{})
	for _, tk := range tasks {
		if !tk.Recording() {
			continue
		}
		vm := tk.AddressSpace()
		if _, done := updated[vm]; done {
			continue
		}
		updated[vm] = struct{}{}

		disabled := byte(0)
		if isFdMonitoredInAnyTask(vm, adjusted, t.size) {
			disabled = 1
		}
		if err := vm.WriteSyscallbufFdsDisabledByte(ctx, adjusted, disabled); err != nil {
			logger.Fatalf("fdtable: failed to write disabled-fds byte %d: %v", adjusted, err)
		}
		t.metrics.FdTableBitmapRefresh(ctx, 1)
	}
	t.metrics.FdTableBeyondLimit(ctx, int64(t.BeyondLimit()))
}

// isFdMonitoredInAnyTask reports whether some FdTable reachable from some
// task in vm monitors fd directly, or (for the collapsed last byte) has any
// fd beyond the direct range monitored.
func isFdMonitoredInAnyTask(vm replay.AddressSpace, fd int, size int) bool {
	for _, tk := range vm.Tasks() {
		table, ok := tk.FdTableHandle().Table().(*Table)
		if !ok {
			continue
		}
		if table.IsMonitoring(fd) {
			return true
		}
		if fd == size-1 && table.BeyondLimit() > 0 {
			return true
		}
	}
	return false
}

// InitSyscallbufFdsDisabled fully recomputes task's disabled-fds bitmap from
// the union over all tasks in task's address space. Used at preload
// initialization, where a byte-by-byte diff against the previous state
// isn't available yet.
func (t *Table) InitSyscallbufFdsDisabled(ctx context.Context, task replay.Task) {
	if !task.Recording() {
		return
	}

	start := t.clock.Now()
	defer func() {
		t.metrics.FdTableBitmapRefreshLatency(ctx, float64(t.clock.Now().Sub(start).Microseconds()))
	}()

	disabled := make([]byte, t.size)
	vm := task.AddressSpace()
	for _, tk := range vm.Tasks() {
		table, ok := tk.FdTableHandle().Table().(*Table)
		if !ok {
			continue
		}
		table.Mu.Lock()
		for fd := range table.fds {
			assertx.Thatf(fd >= 0, "negative fd %d in fds map", fd)
			disabled[table.adjustFd(fd)] = 1
		}
		table.Mu.Unlock()
	}

	for i, v := range disabled {
		if err := vm.WriteSyscallbufFdsDisabledByte(ctx, i, v); err != nil {
			logger.Fatalf("fdtable: failed to initialize disabled-fds byte %d: %v", i, err)
		}
	}
	t.metrics.FdTableBitmapRefresh(ctx, int64(len(disabled)))
}

// FdsToCloseAfterExec calls fdOpen for each currently-monitored fd; any fd
// for which fdOpen reports false is treated as closed by execve (almost
// always CLOEXEC). Those fds are removed from the table and returned. It
// does not read /proc itself: whether an fd survived is entirely fdOpen's
// answer.
func (t *Table) FdsToCloseAfterExec(ctx context.Context, task replay.Task, fdOpen func(fd int) bool) []int {
	t.Mu.Lock()
	candidates := make([]int, 0, len(t.fds))
	for fd := range t.fds {
		candidates = append(candidates, fd)
	}
	t.Mu.Unlock()

	var toClose []int
	for _, fd := range candidates {
		if !fdOpen(fd) {
			toClose = append(toClose, fd)
		}
	}
	for _, fd := range toClose {
		t.DidClose(ctx, task, fd)
	}
	return toClose
}

// CloseAfterExec applies a previously computed closure list on the replay
// side.
func (t *Table) CloseAfterExec(ctx context.Context, task replay.Task, fds []int) {
	for _, fd := range fds {
		t.DidClose(ctx, task, fd)
	}
}

// DebugString dumps every monitored fd, for diagnosing replay divergence.
func (t *Table) DebugString() string {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	s := fmt.Sprintf("FdTable{size=%d, beyond_limit=%d, fds=[", t.size, t.beyondLimit)
	first := true
	for fd := range t.fds {
		if !first {
			s += ", "
		}
		first = false
		s += fmt.Sprintf("%d", fd)
	}
	return s + "]}"
}
