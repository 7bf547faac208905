package output

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func testPools() []Pool {
	return []Pool{
		{
			Name:       "images",
			UUID:       "8a7f5c24-1a2b-4c3d-9e8f-001122334455",
			Type:       "dir",
			State:      "running",
			Autostart:  true,
			Persistent: true,
			Capacity:   100 * 1024 * 1024 * 1024,
			Allocation: 25 * 1024 * 1024 * 1024,
			Available:  75 * 1024 * 1024 * 1024,
		},
		{
			Name:  "scratch",
			Type:  "dir",
			State: "inactive",
		},
	}
}

func testVolumes() []Volume {
	return []Volume{
		{
			Name:       "disk0",
			Pool:       "images",
			Type:       "file",
			Path:       "/srv/images/disk0",
			Capacity:   10 * 1024 * 1024 * 1024,
			Allocation: 2 * 1024 * 1024 * 1024,
		},
	}
}

func TestTableFormatter(t *testing.T) {
	f := &TableFormatter{}

	got, err := f.FormatPools(testPools())
	if err != nil {
		t.Fatalf("FormatPools() error = %v", err)
	}
	if !strings.Contains(got, "NAME") || !strings.Contains(got, "AUTOSTART") {
		t.Errorf("missing header: %q", got)
	}
	if !strings.Contains(got, "images") || !strings.Contains(got, "100.0GB") {
		t.Errorf("missing pool row data: %q", got)
	}

	got, err = f.FormatVolumes(testVolumes())
	if err != nil {
		t.Fatalf("FormatVolumes() error = %v", err)
	}
	if !strings.Contains(got, "disk0") || !strings.Contains(got, "/srv/images/disk0") {
		t.Errorf("missing volume row data: %q", got)
	}
}

func TestTableFormatterNoHeaders(t *testing.T) {
	f := &TableFormatter{NoHeaders: true}

	got, err := f.FormatPools(testPools())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "NAME") {
		t.Errorf("headers present despite NoHeaders: %q", got)
	}
}

func TestTableFormatterEmpty(t *testing.T) {
	f := &TableFormatter{}

	got, err := f.FormatPools(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "No storage pools found") {
		t.Errorf("empty list output = %q", got)
	}
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}

	got, err := f.FormatPools(testPools())
	if err != nil {
		t.Fatalf("FormatPools() error = %v", err)
	}

	var decoded []Pool
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Name != "images" {
		t.Errorf("decoded = %+v", decoded)
	}

	got, err = f.FormatPools(nil)
	if err != nil || got != "[]\n" {
		t.Errorf("empty list = %q, %v", got, err)
	}
}

func TestYAMLFormatter(t *testing.T) {
	f := &YAMLFormatter{}

	got, err := f.FormatVolumes(testVolumes())
	if err != nil {
		t.Fatalf("FormatVolumes() error = %v", err)
	}

	var decoded Volume
	if err := yaml.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if decoded.Name != "disk0" || decoded.Pool != "images" {
		t.Errorf("decoded = %+v", decoded)
	}

	// Multiple pools come out as a document stream.
	pools, err := f.FormatPools(testPools())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(pools, "---") {
		t.Errorf("missing document separator: %q", pools)
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  Format
		wantErr bool
	}{
		{FormatTable, false},
		{FormatYAML, false},
		{FormatJSON, false},
		{Format("xml"), true},
	}

	for _, tt := range tests {
		_, err := NewFormatter(Options{Format: tt.format})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewFormatter(%s) error = %v, wantErr %v", tt.format, err, tt.wantErr)
		}
	}
}

func TestValidateFormat(t *testing.T) {
	if err := ValidateFormat("table"); err != nil {
		t.Errorf("ValidateFormat(table) = %v", err)
	}
	if err := ValidateFormat("xml"); err == nil {
		t.Error("ValidateFormat(xml) accepted an unknown format")
	}
}
