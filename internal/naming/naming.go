// Package naming provides infrastructure-level naming rules for storage
// pools and volumes. Pool names double as on-disk file names for persisted
// state and configuration, so the rules here are stricter than what the
// definition schema itself would allow.
package naming

import (
	"fmt"
	"strings"
)

// CheckPoolName validates a storage pool name. Pool names become
// "<dir>/<name>.xml" state and config files and autostart symlinks, so
// anything that could escape the directory or break a file name is rejected.
func CheckPoolName(name string) error {
	if name == "" {
		return fmt.Errorf("pool name must not be empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid pool name %q", name)
	}
	if strings.ContainsAny(name, "/\\\n") {
		return fmt.Errorf("pool name %q contains illegal characters", name)
	}
	return nil
}

// CheckVolumeName validates a storage volume name within a pool. Volume
// names are backend-interpreted (often as file names below the pool target
// path) so path separators and newlines are rejected.
func CheckVolumeName(name string) error {
	if name == "" {
		return fmt.Errorf("volume name must not be empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid volume name %q", name)
	}
	if strings.ContainsAny(name, "/\n") {
		return fmt.Errorf("volume name %q contains illegal characters", name)
	}
	return nil
}
