// Package backend defines the contract between the storage driver and the
// per-pool-type storage implementations.
//
// A Backend covers one pool type string ("dir", "fs", "logical", ...). The
// mandatory surface is deliberately tiny; everything else is an optional
// capability the driver probes with a type assertion and reports as
// ErrNotSupported when absent.
package backend

import (
	"context"
	"io"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/pool"
)

// Backend is the mandatory surface every pool type implements.
//
// Methods receive the pool object with its lock held unless noted otherwise.
// Backends must not touch the object's lock or the registry.
type Backend interface {
	// TypeName returns the pool type string the backend serves.
	TypeName() string

	// RefreshPool rebuilds the pool's volume set and size figures from the
	// underlying storage. The driver clears the volume set first.
	RefreshPool(ctx context.Context, obj *pool.Object) error
}

// Checker probes whether a pool's storage is present and usable. Backends
// without one are treated as never auto-recoverable across a daemon restart.
type Checker interface {
	// CheckPool reports whether the pool should be considered active on
	// daemon startup.
	CheckPool(obj *pool.Object) (bool, error)
}

// Starter prepares a pool's storage for use, e.g. mounting or session login.
type Starter interface {
	StartPool(ctx context.Context, obj *pool.Object) error
}

// Stopper tears down what Starter set up.
type Stopper interface {
	StopPool(ctx context.Context, obj *pool.Object) error
}

// PoolBuilder constructs the pool's underlying storage.
type PoolBuilder interface {
	BuildPool(ctx context.Context, obj *pool.Object, flags libvirt.StoragePoolBuildFlags) error
}

// PoolDeleter removes the pool's underlying storage.
type PoolDeleter interface {
	DeletePool(ctx context.Context, obj *pool.Object) error
}

// SourceFinder discovers candidate pool sources on the host from an optional
// query document, returning a source list document.
type SourceFinder interface {
	FindPoolSources(ctx context.Context, srcSpec string) (string, error)
}

// VolCreator allocates a new volume's metadata and backing object. The
// definition's key is unset on entry; the backend must fill it, along with
// the target path.
type VolCreator interface {
	CreateVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error
}

// VolBuilder performs the long-running population of a created volume. The
// driver calls it with all locks dropped; def is a private shallow copy.
type VolBuilder interface {
	BuildVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error
}

// VolFromBuilder populates a new volume from an existing source volume. The
// driver calls it with all locks dropped; both definitions are private
// shallow copies.
type VolFromBuilder interface {
	BuildVolFrom(ctx context.Context, obj *pool.Object, def, srcDef *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error
}

// VolDeleter removes a volume's backing object.
type VolDeleter interface {
	DeleteVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolDeleteFlags) error
}

// VolRefresher re-derives one volume's metadata from its backing object.
// An ErrIncompleteMetadata return means the volume exists but some target
// details could not be recovered.
type VolRefresher interface {
	RefreshVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error
}

// VolResizer grows or shrinks a volume's backing object to the given
// capacity in bytes.
type VolResizer interface {
	ResizeVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, capacity uint64, flags libvirt.StorageVolResizeFlags) error
}

// VolWiper destroys a volume's data with the given algorithm.
type VolWiper interface {
	WipeVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, alg libvirt.StorageVolWipeAlgorithm) error
}

// VolUploader opens a volume for writing at the given window. The returned
// writer must be closed by the caller; closing flushes the upload.
type VolUploader interface {
	UploadVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.WriteCloser, error)
}

// VolDownloader opens a volume for reading at the given window.
type VolDownloader interface {
	DownloadVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.ReadCloser, error)
}

// StablePather maps a user-supplied path to the stable form volume target
// paths are recorded under, so path lookups tolerate device aliases.
type StablePather interface {
	StablePath(obj *pool.Object, path string) (string, error)
}

// PloopRestorer regenerates container-image metadata after raw bytes were
// written over a volume, for formats that carry a descriptor beside the data.
type PloopRestorer interface {
	RestorePloop(ctx context.Context, volPath string) error
}

// ManagesPoolAccounting marks backends that derive pool capacity and
// allocation themselves during refresh. For these the driver skips its own
// allocation bookkeeping around volume create and delete.
type ManagesPoolAccounting interface {
	ManagesPoolAccounting()
}
