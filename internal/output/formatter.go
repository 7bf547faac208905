// Package output provides formatters for displaying storage pools and
// volumes in various formats (table, YAML, JSON).
package output

import "fmt"

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for declarative configs.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Pool is the presentation view of a storage pool.
type Pool struct {
	Name       string `json:"name" yaml:"name"`
	UUID       string `json:"uuid" yaml:"uuid"`
	Type       string `json:"type" yaml:"type"`
	State      string `json:"state" yaml:"state"`
	Autostart  bool   `json:"autostart" yaml:"autostart"`
	Persistent bool   `json:"persistent" yaml:"persistent"`
	Capacity   uint64 `json:"capacity" yaml:"capacity"`
	Allocation uint64 `json:"allocation" yaml:"allocation"`
	Available  uint64 `json:"available" yaml:"available"`
}

// CapacityGB returns the capacity in gigabytes.
func (p Pool) CapacityGB() float64 { return bytesToGB(p.Capacity) }

// AllocationGB returns the allocation in gigabytes.
func (p Pool) AllocationGB() float64 { return bytesToGB(p.Allocation) }

// AvailableGB returns the available space in gigabytes.
func (p Pool) AvailableGB() float64 { return bytesToGB(p.Available) }

// Volume is the presentation view of a storage volume.
type Volume struct {
	Name       string `json:"name" yaml:"name"`
	Pool       string `json:"pool" yaml:"pool"`
	Type       string `json:"type" yaml:"type"`
	Path       string `json:"path" yaml:"path"`
	Capacity   uint64 `json:"capacity" yaml:"capacity"`
	Allocation uint64 `json:"allocation" yaml:"allocation"`
}

// CapacityGB returns the capacity in gigabytes.
func (v Volume) CapacityGB() float64 { return bytesToGB(v.Capacity) }

// AllocationGB returns the allocation in gigabytes.
func (v Volume) AllocationGB() float64 { return bytesToGB(v.Allocation) }

func bytesToGB(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

// Formatter formats pools and volumes for output.
type Formatter interface {
	// FormatPools formats a list of pools.
	FormatPools(pools []Pool) (string, error)

	// FormatVolumes formats a list of volumes.
	FormatVolumes(vols []Volume) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}
