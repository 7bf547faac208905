// Package driver coordinates storage pools and volumes: the registry of pool
// objects, their lifecycle and persistence, and the locking discipline around
// long-running volume operations. Storage mechanics live in the backends.
package driver

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/config"
	"github.com/jbweber/storaged/internal/event"
	"github.com/jbweber/storaged/internal/pool"
)

// Driver is the storage coordination core.
//
// Lock ordering: the pool registry lock, then one pool object lock. The one
// exception is re-locking an object after a dropped-lock build, which takes
// the registry lock while holding no object lock and releases it once the
// object lock is back.
type Driver struct {
	cfg    *config.Config
	pools  *pool.List
	events *event.State

	// backendFor resolves a pool type to its backend. Swappable in tests.
	backendFor func(typeName string) (backend.Backend, error)

	// bg tracks background refresh goroutines spawned by upload completion.
	bg sync.WaitGroup
}

// New builds the driver and recovers state from previous runs: state files
// for pools that were active, config files for defined pools, then a check
// pass that deactivates pools whose storage went away.
func New(ctx context.Context, cfg *config.Config) (*Driver, error) {
	for _, dir := range []string{cfg.ConfigDir, cfg.AutostartDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	d := &Driver{
		cfg:        cfg,
		pools:      pool.NewList(),
		events:     event.NewState(),
		backendFor: backend.ForType,
	}

	if err := d.loadAllState(); err != nil {
		return nil, err
	}
	if err := d.loadAllConfigs(); err != nil {
		return nil, err
	}
	d.updateAllState(ctx)

	return d, nil
}

// Reload re-reads pool config files and starts any new autostart pools,
// without disturbing running pools.
func (d *Driver) Reload(ctx context.Context) error {
	if err := d.loadAllConfigs(); err != nil {
		return err
	}
	d.AutostartAll(ctx)
	return nil
}

// AutostartAll starts every inactive pool marked for autostart. Failures are
// logged per pool and do not stop the sweep.
func (d *Driver) AutostartAll(ctx context.Context) {
	d.pools.Lock()
	defer d.pools.Unlock()

	d.pools.ForEach(func(obj *pool.Object) {
		if !obj.IsAutostart() || obj.IsActive() {
			return
		}

		log := logrus.WithField("pool", obj.Name())

		b, err := d.backendFor(obj.Def().Type)
		if err != nil {
			log.WithError(err).Error("autostart failed")
			return
		}
		if err := d.startPool(ctx, b, obj); err != nil {
			log.WithError(err).Error("autostart failed")
			return
		}
		if err := d.refreshPool(ctx, b, obj); err != nil {
			log.WithError(err).Error("autostart refresh failed")
			d.stopPool(ctx, b, obj)
			return
		}
		if err := d.savePoolState(obj); err != nil {
			log.WithError(err).Warn("could not save pool state")
		}
		obj.SetActive(true)
		d.events.Queue(event.Lifecycle{
			Pool:  obj.Name(),
			UUID:  obj.UUID(),
			Event: libvirt.StoragePoolEventStarted,
		})
		log.Info("pool autostarted")
	})
}

// Cleanup waits for background refreshes and stops event dispatch. Active
// pools stay active; their state files let the next run recover them.
func (d *Driver) Cleanup() {
	d.bg.Wait()
	d.events.Close()
}

// RegisterLifecycleHandler subscribes to pool lifecycle events.
func (d *Driver) RegisterLifecycleHandler(h event.LifecycleHandler) int {
	return d.events.RegisterLifecycle(h)
}

// RegisterRefreshHandler subscribes to pool refresh events.
func (d *Driver) RegisterRefreshHandler(h event.RefreshHandler) int {
	return d.events.RegisterRefresh(h)
}

// DeregisterHandler drops an event subscription.
func (d *Driver) DeregisterHandler(id int) {
	d.events.Deregister(id)
}

// updateAllState reconciles recovered pools against the storage they claim:
// pools whose storage checks out are refreshed, the rest are deactivated and
// their state files removed. Transient pools that end up inactive vanish.
// Runs with the registry locked; only called during startup and reload.
func (d *Driver) updateAllState(ctx context.Context) {
	d.pools.Lock()
	defer d.pools.Unlock()

	d.pools.ForEach(func(obj *pool.Object) {
		if !obj.IsActive() {
			return
		}

		log := logrus.WithField("pool", obj.Name())
		active := false

		b, err := d.backendFor(obj.Def().Type)
		if err != nil {
			log.WithError(err).Warn("recovered pool has no backend")
		} else {
			if checker, ok := b.(backend.Checker); ok {
				active, err = checker.CheckPool(obj)
				if err != nil {
					log.WithError(err).Warn("pool state check failed")
					active = false
				}
			}
			if active {
				if err := d.refreshPool(ctx, b, obj); err != nil {
					log.WithError(err).Warn("recovered pool failed to refresh")
					d.stopPool(ctx, b, obj)
					active = false
				}
			}
		}

		obj.SetActive(active)
		if !active {
			d.deletePoolState(obj)
			if !obj.IsPersistent() {
				d.pools.Remove(obj)
				return
			}
			obj.UseNewDef()
		}
	})
}

// startPool invokes the backend's starter, if any.
func (d *Driver) startPool(ctx context.Context, b backend.Backend, obj *pool.Object) error {
	if starter, ok := b.(backend.Starter); ok {
		return starter.StartPool(ctx, obj)
	}
	return nil
}

// stopPool invokes the backend's stopper, if any, logging failures.
func (d *Driver) stopPool(ctx context.Context, b backend.Backend, obj *pool.Object) {
	if stopper, ok := b.(backend.Stopper); ok {
		if err := stopper.StopPool(ctx, obj); err != nil {
			logrus.WithField("pool", obj.Name()).WithError(err).Warn("stopping pool failed")
		}
	}
}

// refreshPool clears the volume set and rescans it through the backend.
func (d *Driver) refreshPool(ctx context.Context, b backend.Backend, obj *pool.Object) error {
	obj.ClearVolumes()
	if err := b.RefreshPool(ctx, obj); err != nil {
		obj.ClearVolumes()
		return err
	}
	return nil
}

// updateInactive settles a pool that just became inactive: transient pools
// leave the registry, persistent ones promote any staged redefinition.
// Caller holds the registry lock and the object lock; reports whether the
// object was removed.
func (d *Driver) updateInactive(obj *pool.Object) bool {
	if !obj.IsPersistent() {
		d.pools.Remove(obj)
		return true
	}
	obj.UseNewDef()
	return false
}
