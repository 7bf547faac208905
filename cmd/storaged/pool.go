package main

import (
	"context"
	"fmt"
	"os"

	"github.com/digitalocean/go-libvirt"
	"github.com/spf13/cobra"

	"github.com/jbweber/storaged/internal/driver"
	"github.com/jbweber/storaged/internal/output"
)

// newDriver builds a driver against the configured state directories, the
// same ones the daemon uses.
func newDriver(ctx context.Context) (*driver.Driver, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := driver.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage driver: %w", err)
	}
	return d, nil
}

func stateName(active bool) string {
	if active {
		return "running"
	}
	return "inactive"
}

// Pool management commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage storage pools",
	Long: `Manage storage pools.

Pools are containers for storage volumes. A defined pool persists across
daemon restarts; a created pool is transient and vanishes when destroyed.`,
}

var (
	poolOutputFormat string
	poolNoHeaders    bool
)

func init() {
	poolCmd.PersistentFlags().StringVarP(&poolOutputFormat, "output", "o", "table", "Output format (table, yaml, json)")
	poolCmd.PersistentFlags().BoolVar(&poolNoHeaders, "no-headers", false, "Omit headers in table output")
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolInfoCmd)
	poolCmd.AddCommand(poolDefineCmd)
	poolCmd.AddCommand(poolStartCmd)
	poolCmd.AddCommand(poolDestroyCmd)
	poolCmd.AddCommand(poolUndefineCmd)
	poolCmd.AddCommand(poolRefreshCmd)
	poolCmd.AddCommand(poolAutostartCmd)
	poolCmd.AddCommand(poolDumpCmd)
}

// poolView assembles the presentation row for one pool.
func poolView(d *driver.Driver, ref driver.PoolRef) (output.Pool, error) {
	info, err := d.PoolInfo(ref)
	if err != nil {
		return output.Pool{}, err
	}
	autostart, err := d.GetAutostart(ref)
	if err != nil {
		return output.Pool{}, err
	}
	persistent, err := d.PoolIsPersistent(ref)
	if err != nil {
		return output.Pool{}, err
	}

	return output.Pool{
		Name:       ref.Name,
		UUID:       ref.UUID.String(),
		Type:       info.Type,
		State:      stateName(info.State == libvirt.StoragePoolRunning),
		Autostart:  autostart,
		Persistent: persistent,
		Capacity:   info.Capacity,
		Allocation: info.Allocation,
		Available:  info.Available,
	}, nil
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all storage pools",
	Long:  `List all storage pools with their state and capacity information.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(poolOutputFormat); err != nil {
			return err
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		var pools []output.Pool
		for _, ref := range d.ListAllPools() {
			view, err := poolView(d, ref)
			if err != nil {
				return err
			}
			pools = append(pools, view)
		}

		f, err := output.NewFormatter(output.Options{Format: output.Format(poolOutputFormat), NoHeaders: poolNoHeaders})
		if err != nil {
			return err
		}
		text, err := f.FormatPools(pools)
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	},
}

var poolInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show detailed information about a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		view, err := poolView(d, ref)
		if err != nil {
			return err
		}

		fmt.Printf("Pool: %s\n", view.Name)
		fmt.Printf("UUID: %s\n", view.UUID)
		fmt.Printf("Type: %s\n", view.Type)
		fmt.Printf("State: %s\n", view.State)
		fmt.Printf("Persistent: %v\n", view.Persistent)
		fmt.Printf("Autostart: %v\n", view.Autostart)
		fmt.Printf("Capacity: %.2f GB (%d bytes)\n", view.CapacityGB(), view.Capacity)
		fmt.Printf("Allocated: %.2f GB (%d bytes)\n", view.AllocationGB(), view.Allocation)
		fmt.Printf("Available: %.2f GB (%d bytes)\n", view.AvailableGB(), view.Available)

		if n, err := d.NumVolumes(ref); err == nil {
			fmt.Printf("Volumes: %d\n", n)
		}
		return nil
	},
}

var poolDefineCmd = &cobra.Command{
	Use:   "define <definition.xml>",
	Short: "Define a persistent pool from an XML file",
	Long: `Define a persistent storage pool from an XML definition file.

The pool is registered but not started. Defining an existing pool again
stages the new definition; it takes effect when the pool is next inactive.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read definition: %w", err)
		}

		ctx := context.Background()
		d, err := newDriver(ctx)
		if err != nil {
			return err
		}
		defer d.Cleanup()

		ref, err := d.DefinePool(ctx, string(doc))
		if err != nil {
			return fmt.Errorf("failed to define pool: %w", err)
		}
		fmt.Printf("Pool %s defined (%s)\n", ref.Name, ref.UUID)
		return nil
	},
}

var poolStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a defined pool",
	Long: `Start a defined storage pool.

With --build, the pool's underlying storage is constructed first;
--overwrite and --no-overwrite control how an existing target is treated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		build, _ := cmd.Flags().GetBool("build")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		noOverwrite, _ := cmd.Flags().GetBool("no-overwrite")

		var flags libvirt.StoragePoolCreateFlags
		if build {
			flags |= libvirt.StoragePoolCreateWithBuild
		}
		if overwrite {
			flags |= libvirt.StoragePoolCreateWithBuildOverwrite
		}
		if noOverwrite {
			flags |= libvirt.StoragePoolCreateWithBuildNoOverwrite
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
		if err := d.StartPool(ctx, ref, flags); err != nil {
			return fmt.Errorf("failed to start pool: %w", err)
		}
		fmt.Printf("Pool %s started\n", ref.Name)
		return nil
	},
}

var poolDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Stop an active pool",
	Long: `Stop an active storage pool.

The pool's volumes are forgotten, not removed. A transient pool is
forgotten entirely.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if err := d.DestroyPool(ctx, ref); err != nil {
			return fmt.Errorf("failed to destroy pool: %w", err)
		}
		fmt.Printf("Pool %s destroyed\n", ref.Name)
		return nil
	},
}

var poolUndefineCmd = &cobra.Command{
	Use:   "undefine <name>",
	Short: "Remove an inactive pool's persistent configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if err := d.UndefinePool(ctx, ref); err != nil {
			return fmt.Errorf("failed to undefine pool: %w", err)
		}
		fmt.Printf("Pool %s undefined\n", ref.Name)
		return nil
	},
}

var poolRefreshCmd = &cobra.Command{
	Use:   "refresh <name>",
	Short: "Refresh a storage pool",
	Long: `Refresh a storage pool to detect external changes.

This rescans the pool's storage to update the volume list and capacity
figures. Useful after manually adding or removing files.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if err := d.RefreshPool(ctx, ref); err != nil {
			return fmt.Errorf("failed to refresh pool: %w", err)
		}
		fmt.Printf("Pool %s refreshed\n", ref.Name)
		return nil
	},
}

var poolAutostartCmd = &cobra.Command{
	Use:   "autostart <name> <on|off>",
	Short: "Mark or unmark a pool for start on daemon boot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return fmt.Errorf("expected 'on' or 'off', got %q", args[1])
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
		if err := d.SetAutostart(ref, on); err != nil {
			return fmt.Errorf("failed to set autostart: %w", err)
		}
		fmt.Printf("Pool %s autostart %s\n", ref.Name, args[1])
		return nil
	},
}

var poolDumpCmd = &cobra.Command{
	Use:   "dumpxml <name>",
	Short: "Print a pool's XML definition",
	Long: `Print a pool's XML definition.

With --inactive, the persistent definition is printed even when a newer
definition is staged for the next restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inactive, _ := cmd.Flags().GetBool("inactive")

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

		var flags libvirt.StorageXMLFlags
		if inactive {
			flags |= libvirt.StorageXMLInactive
		}
		doc, err := d.PoolXML(ref, flags)
		if err != nil {
			return err
		}
		fmt.Println(doc)
		return nil
	},
}

func init() {
	poolStartCmd.Flags().Bool("build", false, "Build the pool's storage before starting")
	poolStartCmd.Flags().Bool("overwrite", false, "Build even over existing data")
	poolStartCmd.Flags().Bool("no-overwrite", false, "Refuse to build over existing data")
	poolDumpCmd.Flags().Bool("inactive", false, "Show the persistent definition")
}
