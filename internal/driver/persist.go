package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/naming"
	"github.com/jbweber/storaged/internal/pool"
)

// On-disk layout: <configDir>/<name>.xml holds a persistent pool's
// definition, <autostartDir>/<name>.xml is a symlink back to the config file
// when the pool autostarts, and <stateDir>/<name>.xml holds the live
// definition of an active pool so a restarted daemon can recover it.

func (d *Driver) configFilePath(name string) string {
	return filepath.Join(d.cfg.ConfigDir, name+".xml")
}

func (d *Driver) autostartLinkPath(name string) string {
	return filepath.Join(d.cfg.AutostartDir, name+".xml")
}

func (d *Driver) stateFilePath(name string) string {
	return filepath.Join(d.cfg.StateDir, name+".xml")
}

// TempFilePath returns a scratch path in the state directory for transient
// artifacts tied to one volume operation.
func (d *Driver) TempFilePath(poolName, volName string) string {
	return filepath.Join(d.cfg.StateDir, poolName+"."+volName+".tmp")
}

// savePoolState writes the live definition of an active pool.
func (d *Driver) savePoolState(obj *pool.Object) error {
	doc, err := obj.Def().Marshal()
	if err != nil {
		return fmt.Errorf("serializing pool %s: %w", obj.Name(), err)
	}
	path := d.stateFilePath(obj.Name())
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("writing pool state %s: %w", path, err)
	}
	return nil
}

// deletePoolState removes the state file, tolerating its absence.
func (d *Driver) deletePoolState(obj *pool.Object) {
	if err := os.Remove(d.stateFilePath(obj.Name())); err != nil && !os.IsNotExist(err) {
		logrus.WithField("pool", obj.Name()).WithError(err).Warn("could not remove pool state file")
	}
}

// saveConfig persists the definition of a defined pool and records the
// config paths on the object.
func (d *Driver) saveConfig(obj *pool.Object) error {
	def := obj.NewDef()
	if def == nil {
		def = obj.Def()
	}
	doc, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("serializing pool %s: %w", obj.Name(), err)
	}

	path := d.configFilePath(obj.Name())
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		return fmt.Errorf("writing pool config %s: %w", path, err)
	}
	obj.SetConfigFile(path, d.autostartLinkPath(obj.Name()))
	return nil
}

// deleteConfig removes the config file and autostart link of an undefined
// pool.
func (d *Driver) deleteConfig(obj *pool.Object) error {
	if link := obj.AutostartLink(); link != "" {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing autostart link %s: %w", link, err)
		}
	}
	if err := os.Remove(obj.ConfigFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pool config %s: %w", obj.ConfigFile(), err)
	}
	obj.SetConfigFile("", "")
	return nil
}

// loadAllState registers every pool with a state file, provisionally active
// until updateAllState checks its storage.
func (d *Driver) loadAllState() error {
	return d.loadDir(d.cfg.StateDir, func(obj *pool.Object) {
		obj.SetActive(true)
	})
}

// loadAllConfigs registers every defined pool and derives its autostart flag
// from the symlink next to the config file.
func (d *Driver) loadAllConfigs() error {
	return d.loadDir(d.cfg.ConfigDir, func(obj *pool.Object) {
		configFile := d.configFilePath(obj.Name())
		link := d.autostartLinkPath(obj.Name())
		obj.SetConfigFile(configFile, link)

		target, err := os.Readlink(link)
		obj.SetAutostart(err == nil && target == configFile)
	})
}

// loadDir reads every pool definition in dir and binds it into the registry,
// invoking fn on each bound object while it is locked. Files that do not
// parse are logged and skipped.
func (d *Driver) loadDir(dir string, fn func(obj *pool.Object)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	d.pools.Lock()
	defer d.pools.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		log := logrus.WithField("file", path)

		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warn("skipping unreadable pool definition")
			continue
		}

		def := &libvirtxml.StoragePool{}
		if err := def.Unmarshal(string(data)); err != nil {
			log.WithError(err).Warn("skipping malformed pool definition")
			continue
		}

		// Definitions must live under their own name so the config,
		// autostart, and state paths derived from the name line up.
		if want := def.Name + ".xml"; entry.Name() != want {
			log.Warnf("skipping pool definition for %q stored as %q", def.Name, entry.Name())
			continue
		}
		if err := naming.CheckPoolName(def.Name); err != nil {
			log.WithError(err).Warn("skipping pool with unusable name")
			continue
		}

		id, err := uuid.Parse(def.UUID)
		if err != nil {
			log.WithError(err).Warn("skipping pool with unusable uuid")
			continue
		}
		if err := d.pools.CheckDuplicate(id, def, false); err != nil {
			log.WithError(err).Warn("skipping conflicting pool definition")
			continue
		}

		obj := d.pools.AssignDef(id, def)
		fn(obj)
		obj.Unlock()
	}
	return nil
}
