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

package main

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-zcash-fpga/fpga"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the FPGA status reply.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := device()
		if err != nil {
			return err
		}
		rpl, err := d.GetStatus()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "version:      0x%08x\n", rpl.Version)
		fmt.Fprintf(out, "build date:   0x%x\n", rpl.BuildDate)
		fmt.Fprintf(out, "capabilities: 0x%x [%v]\n", uint64(rpl.Capabilities), rpl.Capabilities)
		fmt.Fprintf(out, "state:        %d\n", rpl.State)
		fmt.Fprintf(out, "AXI4 mode:    %t\n", d.AXI4Enabled())
		if rpl.Capabilities.Has(fpga.CapBLS12381) {
			fmt.Fprintf(out, "BLS12-381:    %d data slots, %d instruction slots\n", d.DataSlotCount(), d.InstSlotCount())
		}
		return nil
	},
}

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Read or write a coprocessor data slot.",
}

var dataGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a data slot as big endian hex.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlotID(args[0])
		if err != nil {
			return err
		}
		d, err := device()
		if err != nil {
			return err
		}
		s, err := d.GetDataSlot(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d: %v %s\n", id, s.Type, formatSlotValue(s))
		return nil
	},
}

var pointType uint8

var dataSetCmd = &cobra.Command{
	Use:   "set <id> <hex>",
	Short: "Write a big endian hex value to a data slot.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlotID(args[0])
		if err != nil {
			return err
		}
		s, err := parseSlotValue(args[1], fpga.PointType(pointType))
		if err != nil {
			return err
		}
		d, err := device()
		if err != nil {
			return err
		}
		return d.SetDataSlot(id, s)
	},
}

var instCmd = &cobra.Command{
	Use:   "inst",
	Short: "Read or write a coprocessor instruction slot.",
}

var instGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print an instruction slot.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlotID(args[0])
		if err != nil {
			return err
		}
		d, err := device()
		if err != nil {
			return err
		}
		inst, err := d.GetInstSlot(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d: 0x%016x\n", id, uint64(inst))
		return nil
	},
}

var instSetCmd = &cobra.Command{
	Use:   "set <id> <value>",
	Short: "Write an instruction word to an instruction slot.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlotID(args[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("bad instruction %q: %v", args[1], err)
		}
		d, err := device()
		if err != nil {
			return err
		}
		return d.SetInstSlot(id, fpga.Instruction(v))
	},
}

var pcCmd = &cobra.Command{
	Use:   "pc",
	Short: "Read or set the coprocessor's current instruction slot.",
}

var pcGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current instruction slot.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := device()
		if err != nil {
			return err
		}
		id, err := d.GetCurrentInstSlot()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var pcSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Point the coprocessor at an instruction slot.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSlotID(args[0])
		if err != nil {
			return err
		}
		d, err := device()
		if err != nil {
			return err
		}
		return d.SetCurrentInstSlot(id)
	},
}

var resetInst, resetData bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the coprocessor instruction and/or data memory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetInst && !resetData {
			return fmt.Errorf("nothing to reset, pass --inst and/or --data")
		}
		d, err := device()
		if err != nil {
			return err
		}
		return d.ResetMemory(resetInst, resetData)
	},
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "Print the cycle count of the last coprocessor run.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := device()
		if err != nil {
			return err
		}
		n, err := d.LastCycleCount()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

func init() {
	dataSetCmd.Flags().Uint8Var(&pointType, "type", uint8(fpga.PointFE), "point type tag, 0-7")
	dataCmd.AddCommand(dataGetCmd, dataSetCmd)
	instCmd.AddCommand(instGetCmd, instSetCmd)
	pcCmd.AddCommand(pcGetCmd, pcSetCmd)
	resetCmd.Flags().BoolVar(&resetInst, "inst", false, "clear instruction memory")
	resetCmd.Flags().BoolVar(&resetData, "data", false, "clear data memory")
	rootCmd.AddCommand(statusCmd, dataCmd, instCmd, pcCmd, resetCmd, cyclesCmd)
}

func parseSlotID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad slot id %q: %v", s, err)
	}
	return uint32(v), nil
}

// parseSlotValue reads a big endian hex number of at most 381 bits.
func parseSlotValue(s string, t fpga.PointType) (fpga.DataSlot, error) {
	if t > fpga.PointFp2Jacobian {
		return fpga.DataSlot{}, fmt.Errorf("bad point type %d", t)
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fpga.DataSlot{}, fmt.Errorf("bad slot value: %v", err)
	}
	if len(b) > fpga.DataSlotLen || (len(b) == fpga.DataSlotLen && b[0] > 0x1f) {
		return fpga.DataSlot{}, fmt.Errorf("slot value 0x%s is wider than 381 bits", s)
	}
	slices.Reverse(b)
	ds := fpga.DataSlot{Type: t}
	copy(ds.Data[:], b)
	return ds, nil
}

// formatSlotValue prints the slot value as big endian hex without leading
// zero bytes.
func formatSlotValue(s fpga.DataSlot) string {
	b := s.Data
	slices.Reverse(b[:])
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return "0x" + hex.EncodeToString(b[i:])
}
