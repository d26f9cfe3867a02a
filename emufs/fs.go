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
	"context"
	"fmt"

	"github.com/googlecloudplatform/rd-go/cfg"
	"github.com/googlecloudplatform/rd-go/common"
	"github.com/googlecloudplatform/rd-go/internal/assertx"
	"github.com/googlecloudplatform/rd-go/internal/logger"
	"github.com/googlecloudplatform/rd-go/replay"
	"github.com/jacobsa/syncutil"
)

// FS is an EmuFs: the registry of live Files keyed by recorded (device,
// inode). FS conceptually holds only a weak handle per entry - an entry is
// present iff at least one strong File handle is live - but Go has no weak
// map primitive with a synchronous-upgrade guarantee, so the registration
// is a plain *File that File.Close removes explicitly before the last
// strong reference actually goes away (see File.Close). The net effect is
// the invariant this registry exists to uphold: an entry is present iff a
// strong handle is live, and upgrading it never fails.
type FS struct {
	Mu syncutil.InvariantMutex

	// GUARDED_BY(Mu)
	files map[FileID]*File

	tempDir cfg.TempDirConfig
	metrics common.MetricHandle
}

// New returns an empty FS.
func New(tempDir cfg.TempDirConfig, metrics common.MetricHandle) *FS {
	if metrics == nil {
		metrics = common.NewNoopMetrics()
	}
	fs := &FS{
		files:   make(map[FileID]*File),
		tempDir: tempDir,
		metrics: metrics,
	}
	fs.Mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs
}

func (fs *FS) checkInvariants() {
	seen := make(map[FileID]struct{}, len(fs.files))
	for fid := range fs.files {
		if _, dup := seen[fid]; dup {
			panic("emufs.FS: duplicate FileID registration for " + fid.String())
		}
		seen[fid] = struct{}{}
	}
}

func (fs *FS) tempDirConfig() cfg.TempDirConfig {
	return fs.tempDir
}

// GetOrCreate computes fid = (m.Device, m.Inode) and min_size =
// m.FileOffset + m.Length. If fid is already registered, it calls Update on
// that File and returns a newly acquired strong handle to it. Otherwise it
// creates a new File sized min_size, registers it, and returns it holding
// the construction-time strong reference.
func (fs *FS) GetOrCreate(ctx context.Context, m replay.RecordedMapping) *File {
	fid := FileID{Device: m.Device, Inode: m.Inode}
	minSize := m.MinSize()

	fs.Mu.Lock()
	if existing, ok := fs.files[fid]; ok {
		fs.Mu.Unlock()
		existing.Update(m.Device, m.Inode, minSize)
		existing.Acquire()
		return existing
	}
	fs.Mu.Unlock()

	f := newFile(fs, m.OrigPath, m.Device, m.Inode, minSize)

	fs.Mu.Lock()
	fs.files[fid] = f
	fs.Mu.Unlock()

	fs.metrics.EmuFsLiveFiles(ctx, 1)
	fs.metrics.EmuFsCreated(ctx, []common.MetricAttr{{Key: common.EventKey, Value: "get_or_create"}})
	return f
}

// At is a strict lookup: the caller guarantees fid is registered.
//
// REQUIRES: HasFileFor(m)
func (fs *FS) At(m replay.RecordedMapping) *File {
	f, ok := fs.Find(m.Device, m.Inode)
	assertx.Thatf(ok, "emufs.FS.At: no File registered for dev:%d inode:%d", m.Device, m.Inode)
	return f
}

// HasFileFor is a non-strict lookup.
func (fs *FS) HasFileFor(m replay.RecordedMapping) bool {
	_, ok := fs.Find(m.Device, m.Inode)
	return ok
}

// Find is a convenience lookup for the dispatcher; it returns (nil, false)
// if no File with this identity is registered - an expected absence, never
// an error.
func (fs *FS) Find(device, inode uint64) (*File, bool) {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()
	f, ok := fs.files[FileID{Device: device, Inode: inode}]
	return f, ok
}

// CloneFile makes a physical copy of existing via File.CloneFile and
// replaces the registration under existing's FileId with the new handle -
// so a subsequent GetOrCreate for the same FileId returns the clone, while
// existing remains live for as long as its caller holds it.
func (fs *FS) CloneFile(ctx context.Context, existing *File) *File {
	fid := FileID{Device: existing.Device(), Inode: existing.Inode()}
	clone := existing.CloneFile()

	fs.Mu.Lock()
	fs.files[fid] = clone
	fs.Mu.Unlock()

	fs.metrics.EmuFsLiveFiles(ctx, 1)
	fs.metrics.EmuFsCloned(ctx, []common.MetricAttr{{Key: common.EventKey, Value: "clone_file"}})
	return clone
}

// Size is the number of live entries.
func (fs *FS) Size() int {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()
	return len(fs.files)
}

// destroyedFile is the callback from File.Close when the last strong
// handle drops; it removes fid iff the registered entry still IS f (a
// clone_file call may have already replaced it with a different File under
// the same identity, in which case nothing should be removed).
func (fs *FS) destroyedFile(f *File) {
	fid := FileID{Device: f.Device(), Inode: f.Inode()}

	fs.Mu.Lock()
	if fs.files[fid] == f {
		delete(fs.files, fid)
	}
	fs.Mu.Unlock()

	logger.Debugf("emufs: reclaimed %s (%s)", fid, f.RealPath())
	fs.metrics.EmuFsLiveFiles(context.Background(), -1)
	fs.metrics.EmuFsReclaimed(context.Background(), []common.MetricAttr{{Key: common.EventKey, Value: "destroyed_file"}})
}

// DebugString dumps every live File's origin path, recorded identity, and
// size - a debugging aid for replay divergence, modeled on the original's
// EmuFs::log.
func (fs *FS) DebugString() string {
	fs.Mu.Lock()
	defer fs.Mu.Unlock()

	s := fmt.Sprintf("EmuFs{%d files}", len(fs.files))
	for fid, f := range fs.files {
		s += fmt.Sprintf("\n  %s: orig=%q real=%q size=%d", fid, f.OrigPath(), f.RealPath(), f.Size())
	}
	return s
}
