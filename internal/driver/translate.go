package driver

import (
	"fmt"
	"strings"

	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/pool"
)

// TranslateDiskSourcePool rewrites a domain disk that references a storage
// pool volume into a concrete file, block, or network source, so the rest
// of the stack never sees pool-backed disks. Disks without a volume source
// pass through untouched.
func (d *Driver) TranslateDiskSourcePool(disk *libvirtxml.DomainDisk) error {
	if disk.Source == nil || disk.Source.Volume == nil {
		return nil
	}
	srcPool := disk.Source.Volume

	obj, err := d.lookupPool(PoolRef{Name: srcPool.Pool})
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if !obj.IsActive() {
		return fmt.Errorf("pool %s is not active: %w", obj.Name(), ErrInvalidState)
	}
	vol := obj.FindVolumeByName(srcPool.Volume)
	if vol == nil {
		return fmt.Errorf("volume %s in pool %s: %w", srcPool.Volume, obj.Name(), pool.ErrNotFound)
	}

	poolDef := obj.Def()
	volDef := vol.Def()
	startupPolicy := disk.Source.StartupPolicy

	switch poolDef.Type {
	case "dir", "fs", "netfs", "logical", "disk", "scsi", "zfs", "vstorage":
		return translateLocal(disk, volDef, startupPolicy)

	case "iscsi":
		if startupPolicy != "" {
			return fmt.Errorf("%w: startupPolicy is only valid for file-backed volumes", ErrInvalidArgument)
		}
		if srcPool.Mode == "direct" {
			return translateISCSIDirect(disk, poolDef, volDef)
		}
		// Default and "host" mode expose the LUN as a host block device.
		return translateLocal(disk, volDef, "")

	case "mpath", "rbd", "sheepdog", "gluster":
		return fmt.Errorf("%w: disks from pools of type %q cannot be translated", ErrInvalidArgument, poolDef.Type)

	default:
		return fmt.Errorf("%w: unknown pool type %q", ErrInvalidArgument, poolDef.Type)
	}
}

// translateLocal turns the volume into a plain path source whose flavor
// follows the volume type.
func translateLocal(disk *libvirtxml.DomainDisk, volDef *libvirtxml.StorageVolume, startupPolicy string) error {
	path := pool.VolTargetPath(volDef)
	if path == "" {
		return fmt.Errorf("%w: volume %s has no target path", ErrInvalidArgument, volDef.Name)
	}

	src := &libvirtxml.DomainDiskSource{}
	switch volDef.Type {
	case "block", "ploop":
		if startupPolicy != "" {
			return fmt.Errorf("%w: startupPolicy is only valid for file-backed volumes", ErrInvalidArgument)
		}
		src.Block = &libvirtxml.DomainDiskSourceBlock{Dev: path}
	case "dir":
		if startupPolicy != "" {
			return fmt.Errorf("%w: startupPolicy is only valid for file-backed volumes", ErrInvalidArgument)
		}
		src.Dir = &libvirtxml.DomainDiskSourceDir{Dir: path}
	case "network", "netdir":
		return fmt.Errorf("%w: network volume %s cannot back a local disk", ErrInvalidArgument, volDef.Name)
	default:
		src.File = &libvirtxml.DomainDiskSourceFile{File: path}
		src.StartupPolicy = startupPolicy
	}

	disk.Source = src
	return nil
}

// translateISCSIDirect turns the volume into a network disk that attaches
// to the target directly. The LUN comes from the last token of the volume
// name, which scans record as bus:target:unit:lun.
func translateISCSIDirect(disk *libvirtxml.DomainDisk, poolDef *libvirtxml.StoragePool, volDef *libvirtxml.StorageVolume) error {
	if poolDef.Source == nil || len(poolDef.Source.Host) == 0 {
		return fmt.Errorf("%w: iscsi pool %s has no source host", ErrInvalidArgument, poolDef.Name)
	}
	if len(poolDef.Source.Device) == 0 {
		return fmt.Errorf("%w: iscsi pool %s has no source device", ErrInvalidArgument, poolDef.Name)
	}

	tokens := strings.Split(volDef.Name, ":")
	if len(tokens) != 4 {
		return fmt.Errorf("%w: unexpected iscsi volume name %q", ErrInvalidArgument, volDef.Name)
	}
	lun := tokens[3]

	host := poolDef.Source.Host[0]
	port := host.Port
	if port == "" {
		port = "3260"
	}

	disk.Source = &libvirtxml.DomainDiskSource{
		Network: &libvirtxml.DomainDiskSourceNetwork{
			Protocol: "iscsi",
			Name:     poolDef.Source.Device[0].Path + "/" + lun,
			Hosts: []libvirtxml.DomainDiskSourceHost{{
				Name: host.Name,
				Port: port,
			}},
		},
	}

	if auth := poolDef.Source.Auth; auth != nil {
		diskAuth := &libvirtxml.DomainDiskAuth{Username: auth.Username}
		if auth.Secret != nil {
			diskAuth.Secret = &libvirtxml.DomainDiskSecret{
				Type:  "iscsi",
				Usage: auth.Secret.Usage,
				UUID:  auth.Secret.UUID,
			}
		}
		disk.Auth = diskAuth
	}
	return nil
}
