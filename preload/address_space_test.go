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

package preload_test

import (
	"context"
	"errors"
	"testing"

	"github.com/googlecloudplatform/rd-go/preload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	poked map[uintptr]byte
	err   error
}

func (m *fakeMemory) PokeByte(_ context.Context, addr uintptr, value byte) error {
	if m.err != nil {
		return m.err
	}
	if m.poked == nil {
		m.poked = make(map[uintptr]byte)
	}
	m.poked[addr] = value
	return nil
}

func TestAddressSpace_WriteSyscallbufFdsDisabledByte_ResolvesRemoteAddr(t *testing.T) {
	mem := &fakeMemory{}
	vm := &preload.AddressSpace{
		Globals: preload.Globals{Addr: 0x7f0000000000, FdsDisabledOffset: 0x100},
		Memory:  mem,
	}

	require.NoError(t, vm.WriteSyscallbufFdsDisabledByte(context.Background(), 5, 1))

	assert.Equal(t, byte(1), mem.poked[0x7f0000000105])
}

func TestAddressSpace_WriteSyscallbufFdsDisabledByte_WrapsMemoryError(t *testing.T) {
	mem := &fakeMemory{err: errors.New("process gone")}
	vm := &preload.AddressSpace{
		Globals: preload.Globals{Addr: 0x1000, FdsDisabledOffset: 0x8},
		Memory:  mem,
	}

	err := vm.WriteSyscallbufFdsDisabledByte(context.Background(), 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, mem.err)
}

func TestAddressSpace_Tasks_NilTaskListReturnsNil(t *testing.T) {
	vm := &preload.AddressSpace{}
	assert.Nil(t, vm.Tasks())
}
