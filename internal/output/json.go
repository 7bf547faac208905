package output

import (
	"encoding/json"
	"fmt"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatPools formats a list of pools as a JSON array.
func (f *JSONFormatter) FormatPools(pools []Pool) (string, error) {
	if len(pools) == 0 {
		return "[]\n", nil
	}
	data, err := json.MarshalIndent(pools, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal pools to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVolumes formats a list of volumes as a JSON array.
func (f *JSONFormatter) FormatVolumes(vols []Volume) (string, error) {
	if len(vols) == 0 {
		return "[]\n", nil
	}
	data, err := json.MarshalIndent(vols, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal volumes to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
