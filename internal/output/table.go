package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatPools formats a list of pools as a table.
func (f *TableFormatter) FormatPools(pools []Pool) (string, error) {
	if len(pools) == 0 {
		return "No storage pools found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tAUTOSTART\tCAPACITY\tALLOCATED\tAVAILABLE")
	}

	for _, p := range pools {
		autostart := "no"
		if p.Autostart {
			autostart = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fGB\t%.1fGB\t%.1fGB\n",
			p.Name, p.Type, p.State, autostart,
			p.CapacityGB(), p.AllocationGB(), p.AvailableGB())
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatVolumes formats a list of volumes as a table.
func (f *TableFormatter) FormatVolumes(vols []Volume) (string, error) {
	if len(vols) == 0 {
		return "No volumes found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tPOOL\tTYPE\tCAPACITY\tALLOCATED\tPATH")
	}

	for _, v := range vols {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.1fGB\t%.1fGB\t%s\n",
			v.Name, v.Pool, v.Type, v.CapacityGB(), v.AllocationGB(), v.Path)
	}

	_ = w.Flush()
	return buf.String(), nil
}
