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

// Package preload describes the layout of the struct the preload syscall-
// buffering library injects into every tracee, to the extent the core
// needs it: the byte offset of the disabled-fds bitmap field within it.
// The rest of the struct belongs to the preload protocol, which this
// module does not implement - this package exists only so fdtable has a
// remote address to write the bitmap to.
package preload

// Globals mirrors the fields of the preload globals structure the core
// cares about: where the structure sits and where the disabled-fds bitmap
// sits inside it. The bitmap's length is not carried here; each FdTable
// holds its own size.
type Globals struct {
	// Addr is the remote address of this structure inside one tracee's
	// address space, as handed to the core by the dispatcher that injected
	// the preload library.
	Addr uintptr

	// FdsDisabledOffset is the byte offset of syscallbuf_fds_disabled within
	// the structure at Addr.
	FdsDisabledOffset uintptr
}

// FdsDisabledAddr returns the remote address of byte index i of
// syscallbuf_fds_disabled.
func (g Globals) FdsDisabledAddr(i int) uintptr {
	return g.Addr + g.FdsDisabledOffset + uintptr(i)
}
