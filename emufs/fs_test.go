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

package emufs_test

import (
	"context"
	"testing"

	"github.com/googlecloudplatform/rd-go/cfg"
	"github.com/googlecloudplatform/rd-go/common"
	"github.com/googlecloudplatform/rd-go/emufs"
	"github.com/googlecloudplatform/rd-go/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFS() *emufs.FS {
	return emufs.New(cfg.TempDirConfig{}, common.NewNoopMetrics())
}

func TestGetOrCreate_CreateThenExtend(t *testing.T) {
	ctx := context.Background()
	fs := newFS()

	f1 := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 8, Inode: 42, OrigPath: "/a", FileOffset: 0, Length: 4096})
	f2 := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 8, Inode: 42, OrigPath: "/a", FileOffset: 4096, Length: 4096})

	assert.Same(t, f1, f2, "same FileId must return the same EmuFile")
	assert.GreaterOrEqual(t, f2.Size(), int64(8192))
	assert.Equal(t, 1, fs.Size())

	f1.Close()
	f2.Close()
}

func TestGetOrCreate_InodeRecycling(t *testing.T) {
	ctx := context.Background()
	fs := newFS()

	f1 := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 8, Inode: 42, OrigPath: "/a", FileOffset: 0, Length: 4096})
	f1.Close()

	f2 := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 8, Inode: 42, OrigPath: "/b", FileOffset: 0, Length: 128})
	defer f2.Close()

	assert.NotSame(t, f1, f2)
	assert.GreaterOrEqual(t, f2.Size(), int64(128))
	assert.Equal(t, 1, fs.Size())
}

func TestFind_GCReclaimsOnLastClose(t *testing.T) {
	ctx := context.Background()
	fs := newFS()

	f := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 1, Inode: 2, OrigPath: "/a", Length: 4096})
	_, ok := fs.Find(1, 2)
	require.True(t, ok)

	f.Close()

	_, ok = fs.Find(1, 2)
	assert.False(t, ok, "Find must return empty once the last strong handle is dropped")
}

func TestEnsureSize_Monotonic(t *testing.T) {
	ctx := context.Background()
	fs := newFS()
	f := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 1, Inode: 2, OrigPath: "/a", Length: 100})
	defer f.Close()

	f.EnsureSize(50)
	assert.EqualValues(t, 100, f.Size(), "ensure_size with a smaller value must be a no-op")

	f.EnsureSize(500)
	assert.EqualValues(t, 500, f.Size())

	f.EnsureSize(300)
	assert.EqualValues(t, 500, f.Size(), "size must never decrease")
}

func TestUpdate_RejectsIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	fs := newFS()
	f := fs.GetOrCreate(ctx, replay.RecordedMapping{Device: 1, Inode: 2, OrigPath: "/a", Length: 100})
	defer f.Close()

	assert.Panics(t, func() {
		f.Update(1, 3, 200)
	})
}
