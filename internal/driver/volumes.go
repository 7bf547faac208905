package driver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/event"
	"github.com/jbweber/storaged/internal/naming"
	"github.com/jbweber/storaged/internal/pool"
)

func managesAccounting(b backend.Backend) bool {
	_, ok := b.(backend.ManagesPoolAccounting)
	return ok
}

// lookupVolume resolves a volume reference to its locked pool object and
// volume. The pool must be active.
func (d *Driver) lookupVolume(ref VolumeRef) (*pool.Object, *pool.Volume, error) {
	obj, err := d.lookupPool(PoolRef{Name: ref.Pool})
	if err != nil {
		return nil, nil, err
	}
	if !obj.IsActive() {
		name := obj.Name()
		obj.Unlock()
		return nil, nil, fmt.Errorf("pool %s is not active: %w", name, ErrInvalidState)
	}
	v := obj.FindVolumeByName(ref.Name)
	if v == nil {
		name := obj.Name()
		obj.Unlock()
		return nil, nil, fmt.Errorf("volume %s in pool %s: %w", ref.Name, name, pool.ErrNotFound)
	}
	return obj, v, nil
}

func parseVolDef(doc string) (*libvirtxml.StorageVolume, error) {
	def := &libvirtxml.StorageVolume{}
	if err := def.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("%w: parsing volume definition: %v", ErrInvalidArgument, err)
	}
	if err := naming.CheckVolumeName(def.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return def, nil
}

// addVolAccounting charges a new volume's allocation to its pool.
func addVolAccounting(obj *pool.Object, def *libvirtxml.StorageVolume) {
	poolDef := obj.Def()
	alloc := pool.VolAllocation(def)
	pool.SetPoolAllocation(poolDef, pool.PoolAllocation(poolDef)+alloc)
	avail := pool.PoolAvailable(poolDef)
	if avail > alloc {
		avail -= alloc
	} else {
		avail = 0
	}
	pool.SetPoolAvailable(poolDef, avail)
}

// subVolAccounting refunds a removed volume's allocation to its pool.
func subVolAccounting(obj *pool.Object, def *libvirtxml.StorageVolume) {
	poolDef := obj.Def()
	alloc := pool.VolAllocation(def)
	total := pool.PoolAllocation(poolDef)
	if total > alloc {
		total -= alloc
	} else {
		total = 0
	}
	pool.SetPoolAllocation(poolDef, total)
	pool.SetPoolAvailable(poolDef, pool.PoolAvailable(poolDef)+alloc)
}

// reacquire locks obj again after a dropped-lock build, via the registry
// lock so the ordering stays registry first, object second.
func (d *Driver) reacquire(obj *pool.Object) {
	d.pools.Lock()
	obj.Lock()
	d.pools.Unlock()
}

// CreateVolume creates a volume in an active pool. When the backend has a
// separate build step it runs with all locks dropped; the pool stays usable
// and the new volume is visible but marked building until the build ends.
func (d *Driver) CreateVolume(ctx context.Context, poolRef PoolRef, doc string, flags libvirt.StorageVolCreateFlags) (VolumeRef, error) {
	def, err := parseVolDef(doc)
	if err != nil {
		return VolumeRef{}, err
	}

	obj, err := d.lookupPool(poolRef)
	if err != nil {
		return VolumeRef{}, err
	}
	defer obj.Unlock()

	if !obj.IsActive() {
		return VolumeRef{}, fmt.Errorf("pool %s is not active: %w", obj.Name(), ErrInvalidState)
	}
	if obj.FindVolumeByName(def.Name) != nil {
		return VolumeRef{}, fmt.Errorf("volume %s in pool %s: %w", def.Name, obj.Name(), pool.ErrExists)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return VolumeRef{}, err
	}
	creator, ok := b.(backend.VolCreator)
	if !ok {
		return VolumeRef{}, fmt.Errorf("creating volume in pool %s: %w", obj.Name(), backend.ErrNotSupported)
	}

	// The key is backend-assigned; whatever the caller sent is ignored.
	def.Key = ""
	if err := creator.CreateVol(ctx, obj, def); err != nil {
		return VolumeRef{}, err
	}

	vol := pool.NewVolume(def)
	if err := obj.AddVolume(vol); err != nil {
		return VolumeRef{}, err
	}

	if builder, ok := b.(backend.VolBuilder); ok {
		buildDef := vol.ShadowDef()
		vol.SetBuilding(true)
		obj.IncAsyncJobs()
		obj.Unlock()

		buildErr := builder.BuildVol(ctx, obj, buildDef, flags)

		d.reacquire(obj)
		vol.SetBuilding(false)
		obj.DecAsyncJobs()

		if buildErr != nil {
			if err := d.volDeleteInternal(ctx, b, obj, vol, 0, false); err != nil {
				logrus.WithFields(logrus.Fields{
					"pool":   obj.Name(),
					"volume": def.Name,
				}).WithError(err).Warn("could not clean up after failed volume build")
				obj.RemoveVolume(vol)
			}
			return VolumeRef{}, buildErr
		}
	}

	// Accounting charges what the storage actually allocated, not what the
	// caller asked for.
	if refresher, ok := b.(backend.VolRefresher); ok {
		if err := refresher.RefreshVol(ctx, obj, vol.Def()); err != nil {
			if derr := d.volDeleteInternal(ctx, b, obj, vol, 0, false); derr != nil {
				logrus.WithFields(logrus.Fields{
					"pool":   obj.Name(),
					"volume": def.Name,
				}).WithError(derr).Warn("could not clean up after failed volume refresh")
				obj.RemoveVolume(vol)
			}
			return VolumeRef{}, fmt.Errorf("refreshing volume %s: %w", def.Name, err)
		}
	}

	if !managesAccounting(b) {
		addVolAccounting(obj, vol.Def())
	}
	return volumeRef(obj, vol.Def()), nil
}

// CloneVolume creates a volume populated from an existing one, possibly in
// another pool. The copy runs with all locks dropped; the source volume is
// pinned in use and both pools carry an async job for the duration.
func (d *Driver) CloneVolume(ctx context.Context, dstRef PoolRef, doc string, src VolumeRef, flags libvirt.StorageVolCreateFlags) (VolumeRef, error) {
	def, err := parseVolDef(doc)
	if err != nil {
		return VolumeRef{}, err
	}

	d.pools.Lock()
	dst, err := d.findLocked(dstRef)
	if err != nil {
		d.pools.Unlock()
		return VolumeRef{}, err
	}
	srcObj := dst
	if src.Pool != "" && src.Pool != dst.Name() {
		srcObj, err = d.findLocked(PoolRef{Name: src.Pool})
		if err != nil {
			dst.Unlock()
			d.pools.Unlock()
			return VolumeRef{}, err
		}
	}
	d.pools.Unlock()

	unlock := func() {
		if srcObj != dst {
			srcObj.Unlock()
		}
		dst.Unlock()
	}

	if !dst.IsActive() {
		unlock()
		return VolumeRef{}, fmt.Errorf("pool %s is not active: %w", dstRef.Name, ErrInvalidState)
	}
	if !srcObj.IsActive() {
		unlock()
		return VolumeRef{}, fmt.Errorf("pool %s is not active: %w", src.Pool, ErrInvalidState)
	}
	if dst.FindVolumeByName(def.Name) != nil {
		unlock()
		return VolumeRef{}, fmt.Errorf("volume %s in pool %s: %w", def.Name, dst.Name(), pool.ErrExists)
	}

	srcVol := srcObj.FindVolumeByName(src.Name)
	if srcVol == nil {
		unlock()
		return VolumeRef{}, fmt.Errorf("volume %s in pool %s: %w", src.Name, srcObj.Name(), pool.ErrNotFound)
	}
	if srcVol.Building() {
		unlock()
		return VolumeRef{}, fmt.Errorf("volume %s is still being built: %w", src.Name, ErrBusy)
	}

	b, err := d.backendFor(dst.Def().Type)
	if err != nil {
		unlock()
		return VolumeRef{}, err
	}
	creator, hasCreate := b.(backend.VolCreator)
	fromBuilder, hasFrom := b.(backend.VolFromBuilder)
	if !hasCreate || !hasFrom {
		unlock()
		return VolumeRef{}, fmt.Errorf("cloning into pool %s: %w", dst.Name(), backend.ErrNotSupported)
	}

	// A clone can grow but never truncate the source.
	if pool.VolCapacity(def) < pool.VolCapacity(srcVol.Def()) {
		pool.SetVolCapacity(def, pool.VolCapacity(srcVol.Def()))
	}
	if !pool.VolHasAllocation(def) {
		pool.SetVolAllocation(def, pool.VolAllocation(srcVol.Def()))
	}

	def.Key = ""
	if err := creator.CreateVol(ctx, dst, def); err != nil {
		unlock()
		return VolumeRef{}, err
	}
	vol := pool.NewVolume(def)
	if err := dst.AddVolume(vol); err != nil {
		unlock()
		return VolumeRef{}, err
	}

	buildDef := vol.ShadowDef()
	srcShadow := srcVol.ShadowDef()
	srcVol.AcquireUser()
	vol.SetBuilding(true)
	dst.IncAsyncJobs()
	if srcObj != dst {
		srcObj.IncAsyncJobs()
	}
	unlock()

	buildErr := fromBuilder.BuildVolFrom(ctx, dst, buildDef, srcShadow, flags)

	d.pools.Lock()
	dst.Lock()
	if srcObj != dst {
		srcObj.Lock()
	}
	d.pools.Unlock()

	vol.SetBuilding(false)
	dst.DecAsyncJobs()
	if srcObj != dst {
		srcObj.DecAsyncJobs()
	}
	srcVol.ReleaseUser()

	if buildErr != nil {
		if err := d.volDeleteInternal(ctx, b, dst, vol, 0, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"pool":   dst.Name(),
				"volume": def.Name,
			}).WithError(err).Warn("could not clean up after failed volume clone")
			dst.RemoveVolume(vol)
		}
		unlock()
		return VolumeRef{}, buildErr
	}

	if refresher, ok := b.(backend.VolRefresher); ok {
		if err := refresher.RefreshVol(ctx, dst, vol.Def()); err != nil {
			if derr := d.volDeleteInternal(ctx, b, dst, vol, 0, false); derr != nil {
				logrus.WithFields(logrus.Fields{
					"pool":   dst.Name(),
					"volume": def.Name,
				}).WithError(derr).Warn("could not clean up after failed volume refresh")
				dst.RemoveVolume(vol)
			}
			unlock()
			return VolumeRef{}, fmt.Errorf("refreshing volume %s: %w", def.Name, err)
		}
	}

	if !managesAccounting(b) {
		addVolAccounting(dst, vol.Def())
	}
	ref := volumeRef(dst, vol.Def())
	unlock()
	return ref, nil
}

// volDeleteInternal removes a volume through the backend and drops it from
// the pool. With updateMeta unset, pool accounting is left alone; that is
// the failed-build path, where the allocation was never charged.
func (d *Driver) volDeleteInternal(ctx context.Context, b backend.Backend, obj *pool.Object, vol *pool.Volume, flags libvirt.StorageVolDeleteFlags, updateMeta bool) error {
	deleter, ok := b.(backend.VolDeleter)
	if !ok {
		return fmt.Errorf("deleting volume %s: %w", vol.Def().Name, backend.ErrNotSupported)
	}
	if err := deleter.DeleteVol(ctx, obj, vol.Def(), flags); err != nil {
		return err
	}
	if updateMeta && !managesAccounting(b) {
		subVolAccounting(obj, vol.Def())
	}
	obj.RemoveVolume(vol)
	return nil
}

// DeleteVolume removes a volume and refunds its allocation to the pool.
func (d *Driver) DeleteVolume(ctx context.Context, ref VolumeRef, flags libvirt.StorageVolDeleteFlags) error {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if vol.InUse() > 0 {
		return fmt.Errorf("volume %s is in use: %w", ref.Name, ErrBusy)
	}
	if vol.Building() {
		return fmt.Errorf("volume %s is still being built: %w", ref.Name, ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}
	return d.volDeleteInternal(ctx, b, obj, vol, flags, true)
}

// ResizeVolume changes a volume's capacity. Plain values are absolute;
// the delta flag makes them relative, and shrinking in either form needs
// the shrink flag. Allocation never exceeds what the pool has available.
func (d *Driver) ResizeVolume(ctx context.Context, ref VolumeRef, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if vol.InUse() > 0 {
		return fmt.Errorf("volume %s is in use: %w", ref.Name, ErrBusy)
	}
	if vol.Building() {
		return fmt.Errorf("volume %s is still being built: %w", ref.Name, ErrBusy)
	}

	def := vol.Def()
	abs := capacity
	if flags&libvirt.StorageVolResizeDelta != 0 {
		cur := pool.VolCapacity(def)
		if flags&libvirt.StorageVolResizeShrink != 0 {
			if capacity >= cur {
				abs = 0
			} else {
				abs = cur - capacity
			}
		} else {
			abs = cur + capacity
		}
	}

	if abs < pool.VolAllocation(def) {
		return fmt.Errorf("%w: can't shrink capacity below existing allocation", ErrInvalidArgument)
	}
	if abs < pool.VolCapacity(def) && flags&libvirt.StorageVolResizeShrink == 0 {
		return fmt.Errorf("%w: shrinking volume %s requires the shrink flag", ErrInvalidArgument, ref.Name)
	}

	var delta uint64
	if flags&libvirt.StorageVolResizeAllocate != 0 {
		if alloc := pool.VolAllocation(def); abs > alloc {
			delta = abs - alloc
		}
		if delta > pool.PoolAvailable(obj.Def()) {
			return fmt.Errorf("%w: not enough space in pool %s for allocation", ErrInvalidArgument, obj.Name())
		}
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}
	resizer, ok := b.(backend.VolResizer)
	if !ok {
		return fmt.Errorf("resizing volume %s: %w", ref.Name, backend.ErrNotSupported)
	}
	if err := resizer.ResizeVol(ctx, obj, def, abs, flags); err != nil {
		return err
	}

	pool.SetVolCapacity(def, abs)
	if flags&libvirt.StorageVolResizeAllocate != 0 {
		pool.SetVolAllocation(def, abs)
		if !managesAccounting(b) {
			poolDef := obj.Def()
			pool.SetPoolAllocation(poolDef, pool.PoolAllocation(poolDef)+delta)
			avail := pool.PoolAvailable(poolDef)
			if avail > delta {
				avail -= delta
			} else {
				avail = 0
			}
			pool.SetPoolAvailable(poolDef, avail)
		}
	}
	return nil
}

// WipeVolume destroys a volume's data by zeroing it.
func (d *Driver) WipeVolume(ctx context.Context, ref VolumeRef) error {
	return d.WipeVolumePattern(ctx, ref, libvirt.StorageVolWipeAlgZero)
}

// WipeVolumePattern destroys a volume's data with the given algorithm, then
// re-derives the volume's metadata. A wipe can change the physical layout,
// so stale sizes are worse than missing ones; still, a failed re-derive
// only logs.
func (d *Driver) WipeVolumePattern(ctx context.Context, ref VolumeRef, alg libvirt.StorageVolWipeAlgorithm) error {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if vol.InUse() > 0 {
		return fmt.Errorf("volume %s is in use: %w", ref.Name, ErrBusy)
	}
	if vol.Building() {
		return fmt.Errorf("volume %s is still being built: %w", ref.Name, ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}
	wiper, ok := b.(backend.VolWiper)
	if !ok {
		return fmt.Errorf("wiping volume %s: %w", ref.Name, backend.ErrNotSupported)
	}
	if err := wiper.WipeVol(ctx, obj, vol.Def(), alg); err != nil {
		return err
	}

	if refresher, ok := b.(backend.VolRefresher); ok {
		if err := refresher.RefreshVol(ctx, obj, vol.Def()); err != nil {
			log := logrus.WithFields(logrus.Fields{"pool": obj.Name(), "volume": ref.Name})
			if errors.Is(err, backend.ErrIncompleteMetadata) {
				log.WithError(err).Debug("post-wipe metadata incomplete")
			} else {
				log.WithError(err).Warn("could not refresh volume after wipe")
			}
		}
	}
	return nil
}

// VolumeInfo returns a volume's type and sizes.
func (d *Driver) VolumeInfo(ctx context.Context, ref VolumeRef) (VolumeInfo, error) {
	return d.VolumeInfoFlags(ctx, ref, libvirt.StorageVolUseAllocation)
}

// VolumeInfoFlags is VolumeInfo with the physical-size flag honored, for
// callers that need the on-disk footprint of sparse or encrypted volumes.
func (d *Driver) VolumeInfoFlags(ctx context.Context, ref VolumeRef, flags libvirt.StorageVolInfoFlags) (VolumeInfo, error) {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return VolumeInfo{}, err
	}
	defer obj.Unlock()

	if err := d.refreshVolIfAble(ctx, obj, vol); err != nil {
		return VolumeInfo{}, err
	}

	def := vol.Def()
	info := VolumeInfo{
		Type:       volType(def),
		Capacity:   pool.VolCapacity(def),
		Allocation: pool.VolAllocation(def),
	}
	if flags&libvirt.StorageVolGetPhysical != 0 {
		info.Allocation = pool.VolPhysical(def)
	}
	return info, nil
}

// refreshVolIfAble re-derives a volume's recorded sizes from its storage,
// for read paths that report them. Backends without the capability serve
// whatever the last pool refresh recorded.
func (d *Driver) refreshVolIfAble(ctx context.Context, obj *pool.Object, vol *pool.Volume) error {
	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}
	refresher, ok := b.(backend.VolRefresher)
	if !ok {
		return nil
	}
	if err := refresher.RefreshVol(ctx, obj, vol.Def()); err != nil {
		return fmt.Errorf("refreshing volume %s: %w", vol.Def().Name, err)
	}
	return nil
}

// VolumeXML returns the volume definition document.
func (d *Driver) VolumeXML(ctx context.Context, ref VolumeRef) (string, error) {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return "", err
	}
	defer obj.Unlock()

	if err := d.refreshVolIfAble(ctx, obj, vol); err != nil {
		return "", err
	}

	doc, err := vol.Def().Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing volume %s: %w", ref.Name, err)
	}
	return doc, nil
}

// VolumePath returns the volume's target path.
func (d *Driver) VolumePath(ref VolumeRef) (string, error) {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return "", err
	}
	defer obj.Unlock()
	return pool.VolTargetPath(vol.Def()), nil
}

// DownloadVolume opens a volume for reading at the given window.
func (d *Driver) DownloadVolume(ctx context.Context, ref VolumeRef, offset, length uint64) (io.ReadCloser, error) {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return nil, err
	}
	defer obj.Unlock()

	if vol.Building() {
		return nil, fmt.Errorf("volume %s is still being built: %w", ref.Name, ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return nil, err
	}
	downloader, ok := b.(backend.VolDownloader)
	if !ok {
		return nil, fmt.Errorf("downloading volume %s: %w", ref.Name, backend.ErrNotSupported)
	}
	return downloader.DownloadVol(ctx, obj, vol.Def(), offset, length)
}

// UploadVolume opens a volume for writing at the given window. Closing the
// returned writer completes the upload and triggers a background rescan of
// the pool, since raw writes can invalidate the volume's recorded metadata.
func (d *Driver) UploadVolume(ctx context.Context, ref VolumeRef, offset, length uint64) (io.WriteCloser, error) {
	obj, vol, err := d.lookupVolume(ref)
	if err != nil {
		return nil, err
	}
	defer obj.Unlock()

	if vol.InUse() > 0 {
		return nil, fmt.Errorf("volume %s is in use: %w", ref.Name, ErrBusy)
	}
	if vol.Building() {
		return nil, fmt.Errorf("volume %s is still being built: %w", ref.Name, ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return nil, err
	}
	uploader, ok := b.(backend.VolUploader)
	if !ok {
		return nil, fmt.Errorf("uploading to volume %s: %w", ref.Name, backend.ErrNotSupported)
	}

	w, err := uploader.UploadVol(ctx, obj, vol.Def(), offset, length)
	if err != nil {
		return nil, err
	}

	// Descriptor-carrying formats need their metadata regenerated after raw
	// bytes land; remember the path while we hold the lock.
	ploopPath := ""
	if def := vol.Def(); def.Target != nil && def.Target.Format != nil && def.Target.Format.Type == "ploop" {
		ploopPath = pool.VolTargetPath(def)
	}

	return &uploadHandle{d: d, b: b, poolID: obj.UUID(), w: w, ploopPath: ploopPath}, nil
}

// uploadHandle completes an upload on Close: the backend writer is closed,
// then the pool is rescanned in the background. The pool is remembered by
// identity, not by pointer, so a pool replaced while the upload was open is
// left alone.
type uploadHandle struct {
	d         *Driver
	b         backend.Backend
	poolID    uuid.UUID
	w         io.WriteCloser
	ploopPath string
	closed    bool
}

func (h *uploadHandle) Write(p []byte) (int, error) { return h.w.Write(p) }

func (h *uploadHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	err := h.w.Close()

	h.d.bg.Add(1)
	go h.d.refreshAfterUpload(h.b, h.poolID, h.ploopPath)

	return err
}

// refreshAfterUpload rescans a pool after an upload finished. The rescan is
// skipped while volume builds are in flight; whoever finishes last gets a
// consistent picture from its own rescan or the next one.
func (d *Driver) refreshAfterUpload(b backend.Backend, poolID uuid.UUID, ploopPath string) {
	defer d.bg.Done()
	ctx := context.Background()

	if ploopPath != "" {
		if restorer, ok := b.(backend.PloopRestorer); ok {
			if err := restorer.RestorePloop(ctx, ploopPath); err != nil {
				logrus.WithField("path", ploopPath).WithError(err).Warn("could not restore volume descriptor, skipping refresh")
				return
			}
		}
	}

	d.pools.Lock()
	obj := d.pools.FindByUUID(poolID)
	if obj == nil {
		d.pools.Unlock()
		return
	}

	if obj.AsyncJobs() > 0 || !obj.IsActive() {
		obj.Unlock()
		d.pools.Unlock()
		return
	}

	name, id := obj.Name(), obj.UUID()
	if err := d.refreshPool(ctx, b, obj); err != nil {
		logrus.WithField("pool", name).WithError(err).Warn("pool refresh after upload failed")
		d.stopPool(ctx, b, obj)
		d.deletePoolState(obj)
		obj.SetActive(false)
		d.updateInactive(obj)
		obj.Unlock()
		d.pools.Unlock()

		d.events.Queue(event.Lifecycle{Pool: name, UUID: id, Event: libvirt.StoragePoolEventStopped})
		return
	}
	obj.Unlock()
	d.pools.Unlock()

	d.events.Queue(event.Refresh{Pool: name, UUID: id})
}
