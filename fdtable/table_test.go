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

package fdtable_test

import (
	"context"
	"testing"
	"time"

	"github.com/googlecloudplatform/rd-go/clock"
	"github.com/googlecloudplatform/rd-go/common"
	"github.com/googlecloudplatform/rd-go/fdtable"
	"github.com/googlecloudplatform/rd-go/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle and fakeTask give fdtable.Table the minimal replay.Task it
// needs: an address space, a recording flag, and a way back to the Table
// itself (see replay.FdTableHandle's doc comment on avoiding the import
// cycle between replay and fdtable).
type fakeHandle struct{ table *fdtable.Table }

func (h *fakeHandle) Table() interface{} { return h.table }

type fakeTask struct {
	tid, recTid int
	recording   bool
	vm          *fakeAddressSpace
	handle      *fakeHandle
}

func (f *fakeTask) Tid() int                           { return f.tid }
func (f *fakeTask) RecTid() int                        { return f.recTid }
func (f *fakeTask) Recording() bool                    { return f.recording }
func (f *fakeTask) AddressSpace() replay.AddressSpace   { return f.vm }
func (f *fakeTask) FdTableHandle() replay.FdTableHandle { return f.handle }

type fakeAddressSpace struct {
	tasks   []replay.Task
	written map[int]byte
}

func (a *fakeAddressSpace) Tasks() []replay.Task { return a.tasks }

func (a *fakeAddressSpace) WriteSyscallbufFdsDisabledByte(_ context.Context, index int, value byte) error {
	if a.written == nil {
		a.written = make(map[int]byte)
	}
	a.written[index] = value
	return nil
}

func newTaskWithTable(size int) (*fakeTask, *fdtable.Table) {
	vm := &fakeAddressSpace{}
	task := &fakeTask{tid: 1, recTid: 1, recording: true, vm: vm}
	table := fdtable.New(size, common.NewNoopMetrics())
	task.handle = &fakeHandle{table: table}
	vm.tasks = []replay.Task{task}
	table.AddTask(task)
	return task, table
}

type noopMonitor struct{ replay.NoopFileMonitor }

// latencyRecordingMetrics embeds a noop MetricHandle and records only the
// bitmap-refresh-latency observations, so a test can assert on the exact
// value a SimulatedClock should have produced.
type latencyRecordingMetrics struct {
	common.MetricHandle
	latenciesMicros []float64
}

func (m *latencyRecordingMetrics) FdTableBitmapRefreshLatency(_ context.Context, micros float64) {
	m.latenciesMicros = append(m.latenciesMicros, micros)
}

func newTwoTaskTable(size int) (*fakeTask, *fakeTask, *fdtable.Table) {
	table := fdtable.New(size, common.NewNoopMetrics())

	vm1 := &fakeAddressSpace{}
	task1 := &fakeTask{tid: 1, recTid: 1, recording: true, vm: vm1, handle: &fakeHandle{table: table}}
	vm1.tasks = []replay.Task{task1}

	vm2 := &fakeAddressSpace{}
	task2 := &fakeTask{tid: 2, recTid: 2, recording: true, vm: vm2, handle: &fakeHandle{table: table}}
	vm2.tasks = []replay.Task{task2}

	table.AddTask(task1)
	table.AddTask(task2)
	return task1, task2, table
}

func TestDidDup_SharesMonitor(t *testing.T) {
	ctx := context.Background()
	task, table := newTaskWithTable(fdtable.DefaultSyscallbufFdsDisabledSize)

	m := &noopMonitor{}
	table.AddMonitor(ctx, task, 3, m)
	table.DidDup(ctx, task, 3, 7)

	got3, ok3 := table.GetMonitor(3)
	got7, ok7 := table.GetMonitor(7)
	require.True(t, ok3)
	require.True(t, ok7)
	assert.Same(t, got3, got7, "did_dup must bind the same monitor object, not a copy")
}

func TestDidDup_ClosesTargetWhenSourceUnmonitored(t *testing.T) {
	ctx := context.Background()
	task, table := newTaskWithTable(fdtable.DefaultSyscallbufFdsDisabledSize)

	table.AddMonitor(ctx, task, 7, noopMonitor{})
	table.DidDup(ctx, task, 3, 7)

	assert.False(t, table.IsMonitoring(7))
}

func TestBeyondLimit_BitmapCollapse(t *testing.T) {
	ctx := context.Background()
	task, table := newTaskWithTable(16)

	table.AddMonitor(ctx, task, 100, noopMonitor{})
	assert.Equal(t, 1, table.BeyondLimit())
	vm := task.AddressSpace().(*fakeAddressSpace)
	assert.Equal(t, byte(1), vm.written[15])

	table.AddMonitor(ctx, task, 200, noopMonitor{})
	assert.Equal(t, 2, table.BeyondLimit())

	table.DidClose(ctx, task, 100)
	assert.Equal(t, 1, table.BeyondLimit())
	assert.Equal(t, byte(1), vm.written[15], "byte 15 stays set while fd 200 is still monitored")

	table.DidClose(ctx, task, 200)
	assert.Equal(t, 0, table.BeyondLimit())
	assert.Equal(t, byte(0), vm.written[15])
}

func TestCloseAfterExec(t *testing.T) {
	ctx := context.Background()
	task, table := newTaskWithTable(fdtable.DefaultSyscallbufFdsDisabledSize)

	table.AddMonitor(ctx, task, 3, noopMonitor{})
	table.AddMonitor(ctx, task, 5, noopMonitor{})
	table.AddMonitor(ctx, task, 10, noopMonitor{})

	open := map[int]bool{3: true, 10: true} // fd 5 was closed by execve (CLOEXEC)
	closed := table.FdsToCloseAfterExec(ctx, task, func(fd int) bool { return open[fd] })

	assert.Equal(t, []int{5}, closed)
	assert.True(t, table.IsMonitoring(3))
	assert.True(t, table.IsMonitoring(10))
	assert.False(t, table.IsMonitoring(5))
}

func TestAddMonitor_DuplicatePanics(t *testing.T) {
	ctx := context.Background()
	task, table := newTaskWithTable(fdtable.DefaultSyscallbufFdsDisabledSize)
	table.AddMonitor(ctx, task, 3, noopMonitor{})

	assert.Panics(t, func() {
		table.AddMonitor(ctx, task, 3, noopMonitor{})
	})
}

func TestAddTask_SharedTableRefreshesEveryAddressSpace(t *testing.T) {
	ctx := context.Background()
	task1, task2, table := newTwoTaskTable(16)

	table.AddMonitor(ctx, task1, 20, noopMonitor{})

	vm1 := task1.AddressSpace().(*fakeAddressSpace)
	vm2 := task2.AddressSpace().(*fakeAddressSpace)
	assert.Equal(t, byte(1), vm1.written[15], "task1's own address space must see the bitmap byte")
	assert.Equal(t, byte(1), vm2.written[15], "task2 shares this table by reference; its address space must be refreshed too")
}

func TestRemoveTask_StopsRefreshingThatAddressSpace(t *testing.T) {
	ctx := context.Background()
	task1, task2, table := newTwoTaskTable(16)
	table.RemoveTask(task2)

	table.AddMonitor(ctx, task1, 20, noopMonitor{})

	vm2 := task2.AddressSpace().(*fakeAddressSpace)
	assert.Nil(t, vm2.written, "a removed task's address space must no longer be refreshed")
}

func TestBitmapRefreshLatency_UsesInjectedClock(t *testing.T) {
	ctx := context.Background()
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	metrics := &latencyRecordingMetrics{MetricHandle: common.NewNoopMetrics()}
	table := fdtable.NewWithClock(fdtable.DefaultSyscallbufFdsDisabledSize, metrics, sc)

	vm := &fakeAddressSpace{}
	task := &fakeTask{tid: 1, recTid: 1, recording: true, vm: vm, handle: &fakeHandle{table: table}}
	vm.tasks = []replay.Task{task}
	table.AddTask(task)

	sc.AdvanceTime(7 * time.Microsecond)
	table.AddMonitor(ctx, task, 3, noopMonitor{})
	sc.AdvanceTime(11 * time.Microsecond)
	table.DidClose(ctx, task, 3)

	require.Len(t, metrics.latenciesMicros, 2)
	assert.Equal(t, float64(0), metrics.latenciesMicros[0], "start and stop read the same simulated instant, since refreshDisabledFdsBitmap never yields mid-call")
	assert.Equal(t, float64(0), metrics.latenciesMicros[1])
}

func TestCloneIntoTask_CopiesFdsIndependently(t *testing.T) {
	ctx := context.Background()
	task, table := newTaskWithTable(fdtable.DefaultSyscallbufFdsDisabledSize)
	table.AddMonitor(ctx, task, 3, noopMonitor{})

	clone := table.CloneIntoTask(task)

	assert.True(t, clone.IsMonitoring(3))
	clone.DidClose(ctx, task, 3)
	assert.True(t, table.IsMonitoring(3), "cloning must not affect the source table")
}
