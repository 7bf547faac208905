// Package dirbackend implements the "dir" pool type: a host directory whose
// regular files are the volumes.
package dirbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/pool"
)

// Dir serves pools of type "dir". It is stateless; all state lives in the
// filesystem and the pool objects.
type Dir struct{}

var (
	_ backend.Backend        = (*Dir)(nil)
	_ backend.Checker        = (*Dir)(nil)
	_ backend.Starter        = (*Dir)(nil)
	_ backend.PoolBuilder    = (*Dir)(nil)
	_ backend.PoolDeleter    = (*Dir)(nil)
	_ backend.VolCreator     = (*Dir)(nil)
	_ backend.VolBuilder     = (*Dir)(nil)
	_ backend.VolFromBuilder = (*Dir)(nil)
	_ backend.VolDeleter     = (*Dir)(nil)
	_ backend.VolRefresher   = (*Dir)(nil)
	_ backend.VolResizer     = (*Dir)(nil)
	_ backend.VolWiper       = (*Dir)(nil)
	_ backend.VolUploader    = (*Dir)(nil)
	_ backend.VolDownloader  = (*Dir)(nil)
	_ backend.StablePather   = (*Dir)(nil)
)

// New returns a directory backend.
func New() *Dir {
	return &Dir{}
}

// TypeName implements backend.Backend.
func (d *Dir) TypeName() string { return "dir" }

// CheckPool reports whether the pool's directory exists.
func (d *Dir) CheckPool(obj *pool.Object) (bool, error) {
	path := pool.PoolTargetPath(obj.Def())
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking pool directory %s: %w", path, err)
	}
	return fi.IsDir(), nil
}

// StartPool verifies the pool's directory is present and a directory.
func (d *Dir) StartPool(ctx context.Context, obj *pool.Object) error {
	path := pool.PoolTargetPath(obj.Def())
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("starting pool %s: %w", obj.Name(), err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("starting pool %s: %s is not a directory", obj.Name(), path)
	}
	return nil
}

// BuildPool creates the pool's directory.
func (d *Dir) BuildPool(ctx context.Context, obj *pool.Object, flags libvirt.StoragePoolBuildFlags) error {
	path := pool.PoolTargetPath(obj.Def())
	if path == "" {
		return fmt.Errorf("pool %s has no target path", obj.Name())
	}

	if flags&libvirt.StoragePoolBuildNoOverwrite != 0 {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("building pool %s: %s already exists", obj.Name(), path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("building pool %s: %w", obj.Name(), err)
		}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("building pool %s: %w", obj.Name(), err)
	}
	return nil
}

// DeletePool removes the pool's directory. The directory must be empty.
func (d *Dir) DeletePool(ctx context.Context, obj *pool.Object) error {
	path := pool.PoolTargetPath(obj.Def())
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting pool %s: %w", obj.Name(), err)
	}
	return nil
}

// RefreshPool rescans the directory, repopulating the volume set and the
// pool size figures. The caller has already cleared the volume set.
func (d *Dir) RefreshPool(ctx context.Context, obj *pool.Object) error {
	def := obj.Def()
	path := pool.PoolTargetPath(def)

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("refreshing pool %s: %w", obj.Name(), err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		volDef := &libvirtxml.StorageVolume{
			Type: "file",
			Name: entry.Name(),
		}
		if err := d.RefreshVol(ctx, obj, volDef); err != nil {
			// The file may have vanished between readdir and stat.
			logrus.WithFields(logrus.Fields{
				"pool":   obj.Name(),
				"volume": entry.Name(),
			}).WithError(err).Warn("skipping unreadable volume")
			continue
		}

		if err := obj.AddVolume(pool.NewVolume(volDef)); err != nil {
			return fmt.Errorf("refreshing pool %s: %w", obj.Name(), err)
		}
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return fmt.Errorf("refreshing pool %s: statfs %s: %w", obj.Name(), path, err)
	}
	capacity := st.Blocks * uint64(st.Bsize)
	available := st.Bavail * uint64(st.Bsize)
	pool.SetPoolCapacity(def, capacity)
	pool.SetPoolAvailable(def, available)
	pool.SetPoolAllocation(def, capacity-available)

	return nil
}

// CreateVol creates an empty file for the volume and fills in its type, key,
// and target path. Population happens later in BuildVol.
func (d *Dir) CreateVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error {
	path := filepath.Join(pool.PoolTargetPath(obj.Def()), def.Name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", def.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("creating volume %s: %w", def.Name, err)
	}

	def.Type = "file"
	def.Key = path
	pool.SetVolTargetPath(def, path)
	if !pool.VolHasAllocation(def) {
		pool.SetVolAllocation(def, 0)
	}
	return nil
}

// BuildVol grows the volume file to its requested capacity.
func (d *Dir) BuildVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error {
	path := pool.VolTargetPath(def)
	if err := os.Truncate(path, int64(pool.VolCapacity(def))); err != nil {
		return fmt.Errorf("building volume %s: %w", def.Name, err)
	}
	return nil
}

// BuildVolFrom copies the source volume's contents into the new volume, then
// pads it out to its capacity.
func (d *Dir) BuildVolFrom(ctx context.Context, obj *pool.Object, def, srcDef *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error {
	src, err := os.Open(pool.VolTargetPath(srcDef))
	if err != nil {
		return fmt.Errorf("cloning volume %s from %s: %w", def.Name, srcDef.Name, err)
	}
	defer src.Close()

	path := pool.VolTargetPath(def)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cloning volume %s from %s: %w", def.Name, srcDef.Name, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("cloning volume %s from %s: %w", def.Name, srcDef.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("cloning volume %s from %s: %w", def.Name, srcDef.Name, err)
	}

	if err := os.Truncate(path, int64(pool.VolCapacity(def))); err != nil {
		return fmt.Errorf("cloning volume %s from %s: %w", def.Name, srcDef.Name, err)
	}
	return nil
}

// DeleteVol removes the volume file.
func (d *Dir) DeleteVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolDeleteFlags) error {
	if err := os.Remove(pool.VolTargetPath(def)); err != nil {
		return fmt.Errorf("deleting volume %s: %w", def.Name, err)
	}
	return nil
}

// RefreshVol re-derives the volume's sizes from its file. The name must be
// set on entry; key and target path are filled in when missing.
func (d *Dir) RefreshVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error {
	path := pool.VolTargetPath(def)
	if path == "" {
		path = filepath.Join(pool.PoolTargetPath(obj.Def()), def.Name)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("refreshing volume %s: stat %s: %w", def.Name, path, err)
	}

	def.Key = path
	pool.SetVolTargetPath(def, path)
	pool.SetVolCapacity(def, uint64(st.Size))
	// Sparse files allocate less than their length; block count is truth.
	pool.SetVolAllocation(def, uint64(st.Blocks)*512)
	return nil
}

// ResizeVol truncates the volume file to the new capacity, both ways.
func (d *Dir) ResizeVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	if err := os.Truncate(pool.VolTargetPath(def), int64(capacity)); err != nil {
		return fmt.Errorf("resizing volume %s: %w", def.Name, err)
	}
	return nil
}

// WipeVol overwrites the volume's contents. Only the zero algorithm is
// supported; patterned wipes need a tool this backend doesn't shell out to.
func (d *Dir) WipeVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, alg libvirt.StorageVolWipeAlgorithm) error {
	if alg != libvirt.StorageVolWipeAlgZero {
		return fmt.Errorf("wipe algorithm %d: %w", alg, backend.ErrNotSupported)
	}

	path := pool.VolTargetPath(def)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("wiping volume %s: %w", def.Name, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("wiping volume %s: %w", def.Name, err)
	}
	defer f.Close()

	zero := io.LimitReader(zeroReader{}, fi.Size())
	if _, err := io.Copy(f, zero); err != nil {
		return fmt.Errorf("wiping volume %s: %w", def.Name, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wiping volume %s: %w", def.Name, err)
	}
	return nil
}

// UploadVol opens the volume file for writing at offset. A non-zero length
// caps how much the returned writer accepts.
func (d *Dir) UploadVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.WriteCloser, error) {
	f, err := os.OpenFile(pool.VolTargetPath(def), os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("uploading to volume %s: %w", def.Name, err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("uploading to volume %s: %w", def.Name, err)
	}
	if length == 0 {
		return f, nil
	}
	return &cappedWriter{f: f, remaining: int64(length)}, nil
}

// DownloadVol opens the volume file for reading at offset. A non-zero length
// caps how much the returned reader yields.
func (d *Dir) DownloadVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.ReadCloser, error) {
	f, err := os.Open(pool.VolTargetPath(def))
	if err != nil {
		return nil, fmt.Errorf("downloading volume %s: %w", def.Name, err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("downloading volume %s: %w", def.Name, err)
	}
	if length == 0 {
		return f, nil
	}
	return &cappedReader{f: f, r: io.LimitReader(f, int64(length))}, nil
}

// StablePath canonicalizes a volume path. Paths inside directory pools are
// already stable, so this only cleans and confirms pool membership.
func (d *Dir) StablePath(obj *pool.Object, path string) (string, error) {
	cleaned := filepath.Clean(path)
	root := pool.PoolTargetPath(obj.Def())
	if !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is not inside pool %s", path, obj.Name())
	}
	return cleaned, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

type cappedWriter struct {
	f         *os.File
	remaining int64
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > w.remaining {
		return 0, fmt.Errorf("write exceeds upload length by %d bytes", int64(len(p))-w.remaining)
	}
	n, err := w.f.Write(p)
	w.remaining -= int64(n)
	return n, err
}

func (w *cappedWriter) Close() error { return w.f.Close() }

type cappedReader struct {
	f *os.File
	r io.Reader
}

func (r *cappedReader) Read(p []byte) (int, error) { return r.r.Read(p) }

func (r *cappedReader) Close() error { return r.f.Close() }
