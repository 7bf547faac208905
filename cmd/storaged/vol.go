package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/spf13/cobra"

	"github.com/jbweber/storaged/internal/driver"
	"github.com/jbweber/storaged/internal/output"
)

// Volume management commands
var volCmd = &cobra.Command{
	Use:   "vol",
	Short: "Manage storage volumes",
	Long: `Manage storage volumes within a pool.

Volumes belong to active pools. Operations that name a volume take the
pool name first, then the volume name.`,
}

var (
	volOutputFormat string
	volNoHeaders    bool
)

func init() {
	volCmd.PersistentFlags().StringVarP(&volOutputFormat, "output", "o", "table", "Output format (table, yaml, json)")
	volCmd.PersistentFlags().BoolVar(&volNoHeaders, "no-headers", false, "Omit headers in table output")
	volCmd.AddCommand(volListCmd)
	volCmd.AddCommand(volInfoCmd)
	volCmd.AddCommand(volCreateCmd)
	volCmd.AddCommand(volCloneCmd)
	volCmd.AddCommand(volDeleteCmd)
	volCmd.AddCommand(volResizeCmd)
	volCmd.AddCommand(volWipeCmd)
	volCmd.AddCommand(volUploadCmd)
	volCmd.AddCommand(volDownloadCmd)
	volCmd.AddCommand(volDumpCmd)
}

func volTypeName(t libvirt.StorageVolType) string {
	switch t {
	case libvirt.StorageVolBlock:
		return "block"
	case libvirt.StorageVolDir:
		return "dir"
	case libvirt.StorageVolNetwork:
		return "network"
	case libvirt.StorageVolNetdir:
		return "netdir"
	case libvirt.StorageVolPloop:
		return "ploop"
	default:
		return "file"
	}
}

// parseSize parses a byte count with an optional binary suffix, so both
// "10737418240" and "10G" work.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "T"):
		mult = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	case strings.HasSuffix(s, "G"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult = 1024
		s = strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// volView assembles the presentation row for one volume.
func volView(ctx context.Context, d *driver.Driver, ref driver.VolumeRef) (output.Volume, error) {
	info, err := d.VolumeInfo(ctx, ref)
	if err != nil {
		return output.Volume{}, err
	}
	path, err := d.VolumePath(ref)
	if err != nil {
		return output.Volume{}, err
	}

	return output.Volume{
		Name:       ref.Name,
		Pool:       ref.Pool,
		Type:       volTypeName(info.Type),
		Path:       path,
		Capacity:   info.Capacity,
		Allocation: info.Allocation,
	}, nil
}

var volListCmd = &cobra.Command{
	Use:   "list <pool>",
	Short: "List the volumes of a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(volOutputFormat); err != nil {
			return err
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		ref, err := d.LookupPoolByName(args[0])
		if err != nil {
			return err
		}
		refs, err := d.ListVolumes(ref)
		if err != nil {
			return err
		}

		var vols []output.Volume
		for _, vr := range refs {
			view, err := volView(ctx, d, vr)
			if err != nil {
				return err
			}
			vols = append(vols, view)
		}

		f, err := output.NewFormatter(output.Options{Format: output.Format(volOutputFormat), NoHeaders: volNoHeaders})
		if err != nil {
			return err
		}
		text, err := f.FormatVolumes(vols)
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	},
}

var volInfoCmd = &cobra.Command{
	Use:   "info <pool> <name>",
	Short: "Show detailed information about a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		physical, _ := cmd.Flags().GetBool("physical")

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}

		var flags libvirt.StorageVolInfoFlags
		if physical {
			flags |= libvirt.StorageVolGetPhysical
		}
		info, err := d.VolumeInfoFlags(ctx, vr, flags)
		if err != nil {
			return err
		}
		path, err := d.VolumePath(vr)
		if err != nil {
			return err
		}

		fmt.Printf("Volume: %s\n", vr.Name)
		fmt.Printf("Pool: %s\n", vr.Pool)
		fmt.Printf("Key: %s\n", vr.Key)
		fmt.Printf("Type: %s\n", volTypeName(info.Type))
		fmt.Printf("Path: %s\n", path)
		fmt.Printf("Capacity: %d bytes\n", info.Capacity)
		if physical {
			fmt.Printf("Physical: %d bytes\n", info.Allocation)
		} else {
			fmt.Printf("Allocated: %d bytes\n", info.Allocation)
		}
		return nil
	},
}

func lookupVol(d *driver.Driver, poolName, volName string) (driver.VolumeRef, error) {
	ref, err := d.LookupPoolByName(poolName)
	if err != nil {
		return driver.VolumeRef{}, err
	}
	return d.LookupVolumeByName(ref, volName)
}

var volCreateCmd = &cobra.Command{
	Use:   "create <pool> <definition.xml>",
	Short: "Create a volume from an XML file",
	Long: `Create a volume in an active pool from an XML definition file.

With --prealloc, the volume's full capacity is allocated up front.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prealloc, _ := cmd.Flags().GetBool("prealloc")

		doc, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read definition: %w", err)
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		ref, err := d.LookupPoolByName(args[0])
		if err != nil {
			return err
		}

		var flags libvirt.StorageVolCreateFlags
		if prealloc {
			flags |= libvirt.StorageVolCreatePreallocMetadata
		}
		vr, err := d.CreateVolume(ctx, ref, string(doc), flags)
		if err != nil {
			return fmt.Errorf("failed to create volume: %w", err)
		}
		fmt.Printf("Volume %s created in pool %s\n", vr.Name, vr.Pool)
		return nil
	},
}

var volCloneCmd = &cobra.Command{
	Use:   "clone <pool> <source-volume> <definition.xml>",
	Short: "Create a volume populated from an existing volume",
	Long: `Create a volume from an XML definition, copying the contents of an
existing volume into it. The source volume may live in a different pool,
named with --source-pool.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		srcPool, _ := cmd.Flags().GetString("source-pool")
		if srcPool == "" {
			srcPool = args[0]
		}

		doc, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("failed to read definition: %w", err)
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		ref, err := d.LookupPoolByName(args[0])
		if err != nil {
			return err
		}
		src, err := lookupVol(d, srcPool, args[1])
		if err != nil {
			return err
		}

		vr, err := d.CloneVolume(ctx, ref, string(doc), src, 0)
		if err != nil {
			return fmt.Errorf("failed to clone volume: %w", err)
		}
		fmt.Printf("Volume %s cloned from %s/%s\n", vr.Name, src.Pool, src.Name)
		return nil
	},
}

var volDeleteCmd = &cobra.Command{
	Use:   "delete <pool> <name>",
	Short: "Delete a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}
		if err := d.DeleteVolume(ctx, vr, 0); err != nil {
			return fmt.Errorf("failed to delete volume: %w", err)
		}
		fmt.Printf("Volume %s deleted from pool %s\n", vr.Name, vr.Pool)
		return nil
	},
}

var volResizeCmd = &cobra.Command{
	Use:   "resize <pool> <name> <capacity>",
	Short: "Resize a volume",
	Long: `Resize a volume to the given capacity. Sizes accept K, M, G, and T
binary suffixes.

Shrinking requires --shrink. With --delta, the capacity is added to (or,
with --shrink, subtracted from) the current capacity instead of replacing
it. With --allocate, new space is allocated immediately.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		shrink, _ := cmd.Flags().GetBool("shrink")
		delta, _ := cmd.Flags().GetBool("delta")
		allocate, _ := cmd.Flags().GetBool("allocate")

		capacity, err := parseSize(args[2])
		if err != nil {
			return err
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}

		var flags libvirt.StorageVolResizeFlags
		if shrink {
			flags |= libvirt.StorageVolResizeShrink
		}
		if delta {
			flags |= libvirt.StorageVolResizeDelta
		}
		if allocate {
			flags |= libvirt.StorageVolResizeAllocate
		}
		if err := d.ResizeVolume(ctx, vr, capacity, flags); err != nil {
			return fmt.Errorf("failed to resize volume: %w", err)
		}
		fmt.Printf("Volume %s resized\n", vr.Name)
		return nil
	},
}

var volWipeCmd = &cobra.Command{
	Use:   "wipe <pool> <name>",
	Short: "Wipe a volume's contents",
	Long: `Overwrite a volume's contents so previous data cannot be read back.

The default algorithm writes zeroes. Backends may support others, named
with --algorithm.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		algName, _ := cmd.Flags().GetString("algorithm")
		alg, err := wipeAlgorithm(algName)
		if err != nil {
			return err
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}
		if err := d.WipeVolumePattern(ctx, vr, alg); err != nil {
			return fmt.Errorf("failed to wipe volume: %w", err)
		}
		fmt.Printf("Volume %s wiped\n", vr.Name)
		return nil
	},
}

func wipeAlgorithm(name string) (libvirt.StorageVolWipeAlgorithm, error) {
	switch name {
	case "zero":
		return libvirt.StorageVolWipeAlgZero, nil
	case "nnsa":
		return libvirt.StorageVolWipeAlgNnsa, nil
	case "dod":
		return libvirt.StorageVolWipeAlgDod, nil
	case "random":
		return libvirt.StorageVolWipeAlgRandom, nil
	case "trim":
		return libvirt.StorageVolWipeAlgTrim, nil
	default:
		return 0, fmt.Errorf("unknown wipe algorithm %q", name)
	}
}

var volUploadCmd = &cobra.Command{
	Use:   "upload <pool> <name> <file>",
	Short: "Upload a local file's contents into a volume",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetUint64("offset")
		length, _ := cmd.Flags().GetUint64("length")

		src, err := os.Open(args[2])
		if err != nil {
			return fmt.Errorf("failed to open source file: %w", err)
		}
		defer src.Close()

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}
		w, err := d.UploadVolume(ctx, vr, offset, length)
		if err != nil {
			return fmt.Errorf("failed to start upload: %w", err)
		}

		n, err := io.Copy(w, src)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Uploaded %d bytes to volume %s\n", n, vr.Name)
		return nil
	},
}

var volDownloadCmd = &cobra.Command{
	Use:   "download <pool> <name> <file>",
	Short: "Download a volume's contents to a local file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetUint64("offset")
		length, _ := cmd.Flags().GetUint64("length")

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}
		r, err := d.DownloadVolume(ctx, vr, offset, length)
		if err != nil {
			return fmt.Errorf("failed to start download: %w", err)
		}
		defer r.Close()

		dst, err := os.Create(args[2])
		if err != nil {
			return fmt.Errorf("failed to create destination file: %w", err)
		}
		defer dst.Close()

		n, err := io.Copy(dst, r)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		fmt.Printf("Downloaded %d bytes from volume %s\n", n, vr.Name)
		return nil
	},
}

var volDumpCmd = &cobra.Command{
	Use:   "dumpxml <pool> <name>",
	Short: "Print a volume's XML definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		vr, err := lookupVol(d, args[0], args[1])
		if err != nil {
			return err
		}
		doc, err := d.VolumeXML(ctx, vr)
		if err != nil {
			return err
		}
		fmt.Println(doc)
		return nil
	},
}

func init() {
	volInfoCmd.Flags().Bool("physical", false, "Report physical size instead of allocation")
	volCreateCmd.Flags().Bool("prealloc", false, "Preallocate metadata for the full capacity")
	volCloneCmd.Flags().String("source-pool", "", "Pool holding the source volume (defaults to the target pool)")
	volResizeCmd.Flags().Bool("shrink", false, "Allow shrinking the volume")
	volResizeCmd.Flags().Bool("delta", false, "Treat the capacity as a delta against the current size")
	volResizeCmd.Flags().Bool("allocate", false, "Allocate the new space immediately")
	volWipeCmd.Flags().String("algorithm", "zero", "Wipe algorithm (zero, nnsa, dod, random, trim)")
	volUploadCmd.Flags().Uint64("offset", 0, "Byte offset into the volume")
	volUploadCmd.Flags().Uint64("length", 0, "Byte count to transfer (0 for the rest of the volume)")
	volDownloadCmd.Flags().Uint64("offset", 0, "Byte offset into the volume")
	volDownloadCmd.Flags().Uint64("length", 0, "Byte count to transfer (0 for the rest of the volume)")
}
