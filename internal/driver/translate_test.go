package driver

import (
	"errors"
	"testing"

	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/pool"
)

func volumeDisk(poolName, volName, mode, startupPolicy string) *libvirtxml.DomainDisk {
	return &libvirtxml.DomainDisk{
		Source: &libvirtxml.DomainDiskSource{
			Volume: &libvirtxml.DomainDiskSourceVolume{
				Pool:   poolName,
				Volume: volName,
				Mode:   mode,
			},
			StartupPolicy: startupPolicy,
		},
	}
}

func iscsiPoolDef(name string) *libvirtxml.StoragePool {
	return &libvirtxml.StoragePool{
		Type: "iscsi",
		Name: name,
		Source: &libvirtxml.StoragePoolSource{
			Host:   []libvirtxml.StoragePoolSourceHost{{Name: "iscsi.example.com"}},
			Device: []libvirtxml.StoragePoolSourceDevice{{Path: "iqn.2013-06.com.example:iscsi-pool"}},
			Auth: &libvirtxml.StoragePoolSourceAuth{
				Type:     "chap",
				Username: "initiator",
				Secret: &libvirtxml.StoragePoolSourceAuthSecret{
					Usage: "libvirtiscsi",
				},
			},
		},
	}
}

func TestTranslateFileVolume(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	obj := addPool(t, d, &libvirtxml.StoragePool{Type: "dir", Name: "images"}, true)
	addVol(t, obj, &libvirtxml.StorageVolume{
		Type:   "file",
		Name:   "disk0",
		Target: &libvirtxml.StorageVolumeTarget{Path: "/srv/images/disk0"},
	})

	disk := volumeDisk("images", "disk0", "", "optional")
	if err := d.TranslateDiskSourcePool(disk); err != nil {
		t.Fatalf("TranslateDiskSourcePool() = %v", err)
	}

	if disk.Source.File == nil || disk.Source.File.File != "/srv/images/disk0" {
		t.Fatalf("source after translation = %+v", disk.Source)
	}
	if disk.Source.Volume != nil {
		t.Fatal("volume source survived translation")
	}
	if disk.Source.StartupPolicy != "optional" {
		t.Fatalf("startupPolicy = %q, want preserved", disk.Source.StartupPolicy)
	}
}

func TestTranslateBlockVolume(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	obj := addPool(t, d, &libvirtxml.StoragePool{Type: "logical", Name: "vg0"}, true)
	addVol(t, obj, &libvirtxml.StorageVolume{
		Type:   "block",
		Name:   "lv0",
		Target: &libvirtxml.StorageVolumeTarget{Path: "/dev/vg0/lv0"},
	})

	disk := volumeDisk("vg0", "lv0", "", "")
	if err := d.TranslateDiskSourcePool(disk); err != nil {
		t.Fatalf("TranslateDiskSourcePool() = %v", err)
	}
	if disk.Source.Block == nil || disk.Source.Block.Dev != "/dev/vg0/lv0" {
		t.Fatalf("source after translation = %+v", disk.Source)
	}

	// Block-backed volumes cannot carry a startup policy.
	disk = volumeDisk("vg0", "lv0", "", "optional")
	if err := d.TranslateDiskSourcePool(disk); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("startupPolicy on block volume = %v, want ErrInvalidArgument", err)
	}
}

func TestTranslateISCSIDirect(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	obj := addPool(t, d, iscsiPoolDef("san"), true)
	addVol(t, obj, &libvirtxml.StorageVolume{
		Type: "network",
		Name: "unit:0:0:3",
	})

	disk := volumeDisk("san", "unit:0:0:3", "direct", "")
	if err := d.TranslateDiskSourcePool(disk); err != nil {
		t.Fatalf("TranslateDiskSourcePool() = %v", err)
	}

	net := disk.Source.Network
	if net == nil || net.Protocol != "iscsi" {
		t.Fatalf("source after translation = %+v", disk.Source)
	}
	if net.Name != "iqn.2013-06.com.example:iscsi-pool/3" {
		t.Fatalf("network name = %q", net.Name)
	}
	if len(net.Hosts) != 1 || net.Hosts[0].Name != "iscsi.example.com" || net.Hosts[0].Port != "3260" {
		t.Fatalf("hosts = %+v", net.Hosts)
	}
	if disk.Auth == nil || disk.Auth.Username != "initiator" {
		t.Fatalf("auth = %+v", disk.Auth)
	}
	if disk.Auth.Secret == nil || disk.Auth.Secret.Type != "iscsi" || disk.Auth.Secret.Usage != "libvirtiscsi" {
		t.Fatalf("auth secret = %+v", disk.Auth.Secret)
	}
}

func TestTranslateISCSIHostMode(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	obj := addPool(t, d, iscsiPoolDef("san"), true)
	addVol(t, obj, &libvirtxml.StorageVolume{
		Type:   "block",
		Name:   "unit:0:0:3",
		Target: &libvirtxml.StorageVolumeTarget{Path: "/dev/disk/by-path/ip-iscsi-lun-3"},
	})

	disk := volumeDisk("san", "unit:0:0:3", "host", "")
	if err := d.TranslateDiskSourcePool(disk); err != nil {
		t.Fatalf("TranslateDiskSourcePool() = %v", err)
	}
	if disk.Source.Block == nil || disk.Source.Block.Dev != "/dev/disk/by-path/ip-iscsi-lun-3" {
		t.Fatalf("source after translation = %+v", disk.Source)
	}
}

func TestTranslateISCSIBadVolumeName(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	obj := addPool(t, d, iscsiPoolDef("san"), true)
	addVol(t, obj, &libvirtxml.StorageVolume{Type: "network", Name: "lun3"})

	disk := volumeDisk("san", "lun3", "direct", "")
	if err := d.TranslateDiskSourcePool(disk); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("malformed volume name = %v, want ErrInvalidArgument", err)
	}
}

func TestTranslateUnsupportedPoolTypes(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	for _, typ := range []string{"mpath", "rbd", "sheepdog", "gluster"} {
		obj := addPool(t, d, &libvirtxml.StoragePool{Type: typ, Name: typ}, true)
		addVol(t, obj, &libvirtxml.StorageVolume{Name: "v"})

		disk := volumeDisk(typ, "v", "", "")
		if err := d.TranslateDiskSourcePool(disk); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("pool type %s: error = %v, want ErrInvalidArgument", typ, err)
		}
	}
}

func TestTranslateNonVolumeDiskUntouched(t *testing.T) {
	d := newTestDriver(t, newMockBackend())

	disk := &libvirtxml.DomainDisk{
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: "/var/lib/images/plain.qcow2"},
		},
	}
	if err := d.TranslateDiskSourcePool(disk); err != nil {
		t.Fatalf("TranslateDiskSourcePool() = %v", err)
	}
	if disk.Source.File == nil || disk.Source.File.File != "/var/lib/images/plain.qcow2" {
		t.Fatal("non-volume disk was modified")
	}
}

func TestTranslateUnknownVolume(t *testing.T) {
	d := newTestDriver(t, newMockBackend())
	addPool(t, d, &libvirtxml.StoragePool{Type: "dir", Name: "images"}, true)

	disk := volumeDisk("images", "nope", "", "")
	if err := d.TranslateDiskSourcePool(disk); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("unknown volume = %v, want ErrNotFound", err)
	}
}
