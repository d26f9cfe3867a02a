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

	"github.com/googlecloudplatform/rd-go/cfg"
	"golang.org/x/sys/unix"
)

// tmpfsMagic is the f_type value statfs(2) reports for a tmpfs mount. Linux
// does not expose this through unix on every platform build tag, so it is
// spelled out directly rather than assumed exported.
const tmpfsMagic = 0x01021994

// Backing is a ShmemBacking: a writable, anonymous, exactly-sized file-like
// object identified by a file descriptor. It behaves like an ordinary fd for
// mmap, pread, pwrite, and ftruncate.
type Backing struct {
	fd   int
	name string
	size int64
}

// buildName formats the rr-emufs-<pid>-dev-<d>-inode-<i>-<orig> name,
// elides non-printable bytes (control characters and DEL), and caps the
// result at 255 bytes, matching the original's plain name.truncate(255) -
// a byte-length cap applied to the whole formatted string, not something
// that tries to preserve the prefix. Operating on []byte throughout means a
// non-UTF8 orig_path never panics on a rune boundary.
func buildName(pid int, device, inode uint64, origPath string) string {
	full := []byte(fmt.Sprintf("rr-emufs-%d-dev-%d-inode-%d-%s", pid, device, inode, origPath))
	out := full[:0]
	for _, c := range full {
		if c < 0x20 || c == 0x7f {
			continue
		}
		out = append(out, c)
	}
	if len(out) > 255 {
		out = out[:255]
	}
	return string(out)
}

// CreateBacking allocates a sized backing object for (device, inode,
// origPath). It first attempts memfd_create; on any failure it falls back
// to an unlinked file under a tmpfs-backed temp directory. Total failure is
// fatal - the caller (emufs.newFile) surfaces that through logger.Fatalf
// rather than a returned error, since there is no recovery at replay time.
func CreateBacking(pid int, device, inode uint64, origPath string, size int64, tmp cfg.TempDirConfig) (*Backing, error) {
	name := buildName(pid, device, inode, origPath)

	if fd, err := unix.MemfdCreate(name, 0); err == nil {
		b := &Backing{fd: fd, name: name}
		if err := b.Resize(size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("resizing memfd backing %q: %w", name, err)
		}
		return b, nil
	}

	return createTmpfsBacking(name, size, tmp)
}

func createTmpfsBacking(name string, size int64, tmp cfg.TempDirConfig) (*Backing, error) {
	dir, err := pickTmpfsDir(tmp)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, sanitizeTempPattern(name))
	if err != nil {
		return nil, fmt.Errorf("creating tmpfs-backed file under %q: %w", dir, err)
	}
	// Unlink immediately: the fd stays valid and the backing object behaves
	// like an anonymous file, matching memfd_create's semantics.
	path := f.Name()
	if err := os.Remove(path); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlinking tmpfs-backed file %q: %w", path, err)
	}

	// Backing keeps only the raw fd, so hold a duplicate that the *os.File's
	// finalizer cannot close, and release the *os.File itself.
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("duplicating tmpfs backing fd for %q: %w", name, err)
	}

	b := &Backing{fd: fd, name: name}
	if err := b.Resize(size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("resizing tmpfs backing %q: %w", name, err)
	}
	return b, nil
}

// sanitizeTempPattern elides non-printable bytes from name so it is safe to
// use as an os.CreateTemp pattern (which otherwise treats '*' specially and
// rejects path separators).
func sanitizeTempPattern(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '*' || c < 0x20 || c == 0x7f {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return "rr-emufs-*"
	}
	return string(out) + "-*"
}

// pickTmpfsDir picks $RD_TMPDIR, then $TMPDIR, then /tmp - whichever is
// first writable, requiring the latter two to be tmpfs unless
// RD_TRUST_TEMP_FILES is set.
func pickTmpfsDir(tmp cfg.TempDirConfig) (string, error) {
	if tmp.RDTmpDir != "" && isWritableDir(tmp.RDTmpDir) {
		return tmp.RDTmpDir, nil
	}
	if tmp.TmpDir != "" && isWritableDir(tmp.TmpDir) && (tmp.TrustTempFiles || isTmpfs(tmp.TmpDir)) {
		return tmp.TmpDir, nil
	}
	if isWritableDir("/tmp") && (tmp.TrustTempFiles || isTmpfs("/tmp")) {
		return "/tmp", nil
	}
	return "", fmt.Errorf("no writable tmpfs-backed directory found ($RD_TMPDIR=%q, $TMPDIR=%q)", tmp.RDTmpDir, tmp.TmpDir)
}

func isWritableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return unix.Access(dir, unix.W_OK) == nil
}

func isTmpfs(dir string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false
	}
	return int64(st.Type) == tmpfsMagic
}

// FD returns the raw backing file descriptor, for ProcPath and for tests
// that want to pread/pwrite it directly.
func (b *Backing) FD() int {
	return b.fd
}

// Name is the sanitized real_path this backing object was created under.
func (b *Backing) Name() string {
	return b.name
}

// Size is the last size this backing object was resized to.
func (b *Backing) Size() int64 {
	return b.size
}

// Resize grows the backing object to newSize via ftruncate. Shrinking is
// never requested by the core; callers that try it get an error rather than
// silent truncation of live data.
func (b *Backing) Resize(newSize int64) error {
	if newSize < b.size {
		return fmt.Errorf("shmem backing %q: refusing to shrink %d -> %d", b.name, b.size, newSize)
	}
	if err := unix.Ftruncate(b.fd, newSize); err != nil {
		return fmt.Errorf("ftruncate %q to %d: %w", b.name, newSize, err)
	}
	b.size = newSize
	return nil
}

// Close releases the backing file descriptor.
func (b *Backing) Close() error {
	return unix.Close(b.fd)
}

// ReadAt and WriteAt give clone_file's copy loop positional IO without
// going through Go's *os.File (which would require wrapping the raw fd).
func (b *Backing) ReadAt(p []byte, off int64) (int, error) {
	return unix.Pread(b.fd, p, off)
}

func (b *Backing) WriteAt(p []byte, off int64) (int, error) {
	return unix.Pwrite(b.fd, p, off)
}
