package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatPools formats a list of pools as a YAML stream.
func (f *YAMLFormatter) FormatPools(pools []Pool) (string, error) {
	var buf bytes.Buffer
	for i, p := range pools {
		data, err := yaml.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal pool %s to YAML: %w", p.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}

// FormatVolumes formats a list of volumes as a YAML stream.
func (f *YAMLFormatter) FormatVolumes(vols []Volume) (string, error) {
	var buf bytes.Buffer
	for i, v := range vols {
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal volume %s to YAML: %w", v.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
