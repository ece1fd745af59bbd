// Copyright (C) 2020 Google LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// zcash-fpga talks to the zcash verification FPGA in an F1 slot: it reads
// the image status and pokes at the BLS12-381 coprocessor slots.
package main

import (
	"flag"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/go-zcash-fpga/fpga"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	slot  int
	sysfs string

	dev *fpga.Device
)

var rootCmd = &cobra.Command{
	Use:   "zcash-fpga",
	Short: "Talk to the zcash verification FPGA over PCIe.",
	Long: `zcash-fpga attaches to the FPGA image loaded in a slot, queries its ` +
		`status and reads or writes the BLS12-381 coprocessor memories.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// pflag already set glog's values, this only marks the go flag set parsed.
		flag.CommandLine.Parse(nil)
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&slot, "slot", 0, "FPGA slot to attach to")
	rootCmd.PersistentFlags().StringVar(&sysfs, "sysfs", "/sys/bus/pci", "PCI bus directory")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// device opens the FPGA on first use. It is closed when the program exits.
func device() (*fpga.Device, error) {
	if dev != nil {
		return dev, nil
	}
	d, err := fpga.Open(slot, fpga.WithSysfsRoot(sysfs))
	if err != nil {
		return nil, fmt.Errorf("open FPGA in slot %d: %w", slot, err)
	}
	dev = d
	atexit.Register(func() {
		if err := dev.Close(); err != nil {
			glog.Errorf("Closing FPGA: %v", err)
		}
	})
	return dev, nil
}

func main() {
	atexit.Register(glog.Flush)
	if err := rootCmd.Execute(); err != nil {
		glog.Errorf("%v", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
