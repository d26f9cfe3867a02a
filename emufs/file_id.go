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

import "fmt"

// FileID is the recorded (device, inode) pair that identifies one emulated
// file. It is the sole key used by FS; only equality and hashing are ever
// needed, both of which a comparable Go struct gives for free as a map key.
type FileID struct {
	Device uint64
	Inode  uint64
}

func (id FileID) String() string {
	return fmt.Sprintf("dev:%d-inode:%d", id.Device, id.Inode)
}
