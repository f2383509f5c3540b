package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/crema/pkg/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby peripherals and their vendors",
	Long: `Scans for advertising BLE devices and matches their names against the
known vendor protocols. Matched devices can be copied into the config file as
peripheral entries.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 10*time.Second, "How long to scan")
	scanCmd.Flags().Bool("all", false, "Include devices no vendor protocol matches")
	scanCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	duration, _ := cmd.Flags().GetDuration("duration")
	all, _ := cmd.Flags().GetBool("all")

	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}

	opts := scan.DefaultOptions()
	opts.Duration = duration
	opts.KnownOnly = !all

	scanner := scan.NewScanner(logger)
	devices, err := scanner.Scan(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	// Matched vendors first, then by signal strength.
	sorted := make([]scan.Discovery, 0, len(devices))
	for _, d := range devices {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if (sorted[i].Vendor != "") != (sorted[j].Vendor != "") {
			return sorted[i].Vendor != ""
		}
		return sorted[i].RSSI > sorted[j].RSSI
	})

	vendorColor := color.New(color.FgGreen, color.Bold)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tVENDOR\tRSSI")
	for _, d := range sorted {
		vendor := d.Vendor
		if vendor != "" {
			vendor = vendorColor.Sprint(vendor)
		} else {
			vendor = "-"
		}
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.Address, name, vendor, d.RSSI)
	}
	return w.Flush()
}
