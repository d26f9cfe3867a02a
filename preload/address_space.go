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

package preload

import (
	"context"
	"fmt"

	"github.com/googlecloudplatform/rd-go/replay"
)

// RemoteMemory is the one primitive a concrete AddressSpace needs from
// whatever control-plane owns the tracee: poke a single byte into its
// memory at an already-resolved remote address. A ptrace backend supplies
// this; this package has no opinion on how the poke happens.
type RemoteMemory interface {
	PokeByte(ctx context.Context, addr uintptr, value byte) error
}

// AddressSpace implements replay.AddressSpace by resolving the
// disabled-fds bitmap write through Globals' layout and handing the byte
// to Memory. It is the thing that gives fdtable an actual remote address
// to write to, rather than the struct layout alone.
type AddressSpace struct {
	Globals Globals
	Memory  RemoteMemory

	// TaskList returns every task currently running in this address space.
	// A field rather than a concrete slice so callers can keep it in sync
	// with task creation/exit without AddressSpace owning that bookkeeping.
	TaskList func() []replay.Task
}

func (a *AddressSpace) Tasks() []replay.Task {
	if a.TaskList == nil {
		return nil
	}
	return a.TaskList()
}

// WriteSyscallbufFdsDisabledByte resolves index through Globals.FdsDisabledAddr
// and pokes value at the resulting remote address.
func (a *AddressSpace) WriteSyscallbufFdsDisabledByte(ctx context.Context, index int, value byte) error {
	addr := a.Globals.FdsDisabledAddr(index)
	if err := a.Memory.PokeByte(ctx, addr, value); err != nil {
		return fmt.Errorf("poking disabled-fds byte %d at %#x: %w", index, addr, err)
	}
	return nil
}

var _ replay.AddressSpace = (*AddressSpace)(nil)
