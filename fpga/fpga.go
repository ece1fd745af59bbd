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

// Package fpga drives the zcash verification FPGA image over PCIe.
// It owns the BAR attach/detach lifecycle, the AXI stream FIFO used for
// command/reply frames, and the register protocol of the BLS12-381
// coprocessor.
//
// A Device is not safe for concurrent use. Callers sharing one must hold
// their own lock across every call.
package fpga

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

const (
	// AFI PCIe identifiers.
	// "Amazon.com, Inc. Device f000"
	amazonVendorID  = 0x1d0f
	defaultDeviceID = 0xf000

	appPF = 0

	// Control window (AXI-Lite, OCL) and data window (AXI4, PCIS).
	appPFBar0 = 0
	appPFBar4 = 4
)

// AXI stream FIFO registers, in the control window.
const (
	fifoOffset = 0x0000

	regISR  = fifoOffset + 0x00 // interrupt status (RW1C)
	regIER  = fifoOffset + 0x04 // interrupt enable
	regTDFV = fifoOffset + 0x0c // transmit FIFO vacancy in bytes
	regTDFD = fifoOffset + 0x10 // transmit data in
	regTLR  = fifoOffset + 0x14 // transmit length, commits the frame
	regRDFO = fifoOffset + 0x1c // receive FIFO occupancy
	regRDFD = fifoOffset + 0x20 // receive data out
	regRLR  = fifoOffset + 0x24 // receive length in bytes
	regMode = fifoOffset + 0x44 // bit 31 set when AXI4 burst mode is enabled

	// In the data window.
	axi4TxOffset = 0x0000
	axi4RxOffset = 0x1000
)

const (
	isrReceiveComplete  = 1 << 26
	isrTransmitComplete = 1 << 27

	isrResetValue  = 0x01d00000
	tdfvResetValue = 0x000001fc
	rdfoResetValue = 0x00000000

	isrClearAll = 0xffffffff
	ierDisable  = 0x0c000000

	modeAXI4 = 1 << 31
)

// errors
var (
	ErrNotInitialized    = errors.New("device not initialized")
	ErrRegisterAccess    = errors.New("register access failed")
	ErrProtocolViolation = errors.New("device protocol violation")
	ErrNoSpace           = errors.New("not enough space in transmit FIFO")
	ErrBufferTooSmall    = errors.New("buffer too small for received frame")
	ErrSlotOutOfRange    = errors.New("slot id out of range")
	ErrTimeout           = errors.New("timed out waiting for reply")
	ErrIdentityMismatch  = errors.New("unexpected PCI vendor/device id")
	ErrImageNotLoaded    = errors.New("FPGA image not loaded")
	ErrUnsupported       = errors.New("feature not present in FPGA image")
)

// bls12381Layout is the coprocessor register layout advertised by the image.
// Only meaningful when CapBLS12381 is set.
type bls12381Layout struct {
	instOffset uint32
	dataOffset uint32
	dataSlots  uint32
	instSlots  uint32
}

// Device is an attached and initialized zcash FPGA.
type Device struct {
	cfg  Config
	pci  pciLib
	mgmt imageManager
	slot int

	// ocl is the control window (BAR0), pcis the burst-capable data window
	// (BAR4). nil when not attached.
	ocl  pciBar
	pcis pciBar

	initialized bool
	axi4        bool
	caps        Capability
	bls         bls12381Layout
}

// Open attaches to the FPGA image loaded in |slot| and initializes it.
// Caller should Close() the returned Device.
func Open(slot int, opts ...Option) (*Device, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	lib := newSysfsLib(cfg.SysfsRoot)
	return openDevice(lib, lib, slot, opts...)
}

// openDevice builds a Device on top of the given host libraries and
// initializes it. On failure nothing stays attached.
func openDevice(pci pciLib, mgmt imageManager, slot int, opts ...Option) (*Device, error) {
	d := newDevice(pci, mgmt, slot, opts...)
	if err := d.initialize(); err != nil {
		return nil, err
	}
	return d, nil
}

func newDevice(pci pciLib, mgmt imageManager, slot int, opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Device{cfg: cfg, pci: pci, mgmt: mgmt, slot: slot}
}

// initialize brings the device into a known polling state and discovers
// its capabilities. It is a no-op on an initialized device.
func (d *Device) initialize() (err error) {
	if d.initialized {
		glog.Infof("FPGA in slot %d already initialized, skipping initialization", d.slot)
		return nil
	}

	defer func() {
		if err != nil {
			d.initialized = false
			d.Close()
		}
	}()

	if err := d.pci.Init(); err != nil {
		return fmt.Errorf("%w: pci library init: %v", ErrRegisterAccess, err)
	}
	if err := d.checkImage(); err != nil {
		return err
	}

	ocl, err := d.pci.Attach(d.slot, appPF, appPFBar0, 0)
	if err != nil {
		return fmt.Errorf("%w: attach BAR0 on slot %d: %v", ErrRegisterAccess, d.slot, err)
	}
	d.ocl = ocl
	pcis, err := d.pci.Attach(d.slot, appPF, appPFBar4, attachBurstCapable)
	if err != nil {
		return fmt.Errorf("%w: attach BAR4 on slot %d: %v", ErrRegisterAccess, d.slot, err)
	}
	d.pcis = pcis

	if err := d.resetFIFO(); err != nil {
		return err
	}

	d.initialized = true

	rpl, err := d.GetStatus()
	if err != nil {
		return fmt.Errorf("get FPGA status: %w", err)
	}
	d.caps = rpl.Capabilities
	glog.Infof("FPGA version: 0x%x, built on 0x%x", rpl.Version, rpl.BuildDate)
	glog.Infof("FPGA capability register: 0x%x [%v]", uint64(rpl.Capabilities), rpl.Capabilities)

	if d.caps.Has(CapBLS12381) {
		if d.bls, err = d.readBLS12381Layout(); err != nil {
			return err
		}
		glog.Infof("BLS12-381 coprocessor: %d data slots at 0x%x, %d instruction slots at 0x%x",
			d.bls.dataSlots, d.bls.dataOffset, d.bls.instSlots, d.bls.instOffset)
	}

	glog.Infof("Finished initializing FPGA in slot %d", d.slot)
	return nil
}

// checkImage confirms the expected image is loaded, rescanning the slot's
// functions once if the identifiers don't match yet.
func (d *Device) checkImage() error {
	if err := d.mgmt.Init(); err != nil {
		return fmt.Errorf("%w: image management init: %v", ErrRegisterAccess, err)
	}
	info, err := d.mgmt.DescribeLocalImage(d.slot)
	if err != nil {
		return fmt.Errorf("%w: describe image in slot %d: %v", ErrRegisterAccess, d.slot, err)
	}
	if info.Status != ImageLoaded {
		return fmt.Errorf("%w: slot %d status is %v", ErrImageNotLoaded, d.slot, info.Status)
	}
	glog.Infof("AFI PCI Vendor ID: 0x%x, Device ID 0x%x", info.VendorID, info.DeviceID)
	if d.matchesIdentity(info) {
		return nil
	}

	glog.Infof("AFI does not show expected PCI vendor id and device ID. If the AFI was just loaded, it might need a rescan. Rescanning now.")
	if err := d.mgmt.RescanSlotAppPFs(d.slot); err != nil {
		return fmt.Errorf("%w: rescan slot %d: %v", ErrRegisterAccess, d.slot, err)
	}
	if info, err = d.mgmt.DescribeLocalImage(d.slot); err != nil {
		return fmt.Errorf("%w: describe image in slot %d: %v", ErrRegisterAccess, d.slot, err)
	}
	glog.Infof("AFI PCI Vendor ID: 0x%x, Device ID 0x%x", info.VendorID, info.DeviceID)
	if !d.matchesIdentity(info) {
		return fmt.Errorf("%w: got %04x:%04x, want %04x:%04x",
			ErrIdentityMismatch, info.VendorID, info.DeviceID, d.cfg.VendorID, d.cfg.DeviceID)
	}
	return nil
}

func (d *Device) matchesIdentity(info ImageInfo) bool {
	return info.VendorID == d.cfg.VendorID && info.DeviceID == d.cfg.DeviceID
}

// resetFIFO sanity checks the stream FIFO, masks its interrupts and reads
// the transfer mode.
func (d *Device) resetFIFO() error {
	checks := []struct {
		name string
		reg  uint64
		want uint32
	}{
		{"ISR", regISR, isrResetValue},
		{"TDFV", regTDFV, tdfvResetValue},
		{"RDFO", regRDFO, rdfoResetValue},
	}
	for _, c := range checks {
		v, err := d.peek(c.reg)
		if err != nil {
			return err
		}
		glog.V(1).Infof("Read 0x%x from %s register", v, c.name)
		if v != c.want {
			glog.Warningf("%s register is 0x%x, expected 0x%x", c.name, v, c.want)
		}
	}

	if err := d.poke(regISR, isrClearAll); err != nil {
		return err
	}
	if err := d.poke(regIER, ierDisable); err != nil {
		return err
	}

	mode, err := d.peek(regMode)
	if err != nil {
		return err
	}
	d.axi4 = mode&modeAXI4 != 0
	if d.axi4 {
		glog.Infof("AXI4 mode is set ENABLED")
	} else {
		glog.Infof("AXI4 mode is set DISABLED")
	}
	return nil
}

func (d *Device) peek(off uint64) (uint32, error) {
	v, err := d.ocl.Peek32(off)
	if err != nil {
		return 0, fmt.Errorf("%w: read BAR0 0x%x: %v", ErrRegisterAccess, off, err)
	}
	return v, nil
}

func (d *Device) poke(off uint64, v uint32) error {
	if err := d.ocl.Poke32(off, v); err != nil {
		return fmt.Errorf("%w: write 0x%x to BAR0 0x%x: %v", ErrRegisterAccess, v, off, err)
	}
	return nil
}

func (d *Device) checkInitialized() error {
	if !d.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Slot returns the slot |d| is attached to.
func (d *Device) Slot() int {
	return d.slot
}

// Initialized reports whether |d| completed initialization.
func (d *Device) Initialized() bool {
	return d.initialized
}

// AXI4Enabled reports whether stream transfers use 64-bit bursts.
func (d *Device) AXI4Enabled() bool {
	return d.axi4
}

// Capabilities returns the capability register read during initialization.
func (d *Device) Capabilities() Capability {
	return d.caps
}

// Close detaches both BARs. Detach failures are logged, not returned.
func (d *Device) Close() error {
	glog.V(1).Infof("Closing FPGA in slot %d", d.slot)
	d.initialized = false
	if d.ocl != nil {
		if err := d.ocl.Detach(); err != nil {
			glog.Errorf("Failure while detaching BAR0 from the FPGA: %v", err)
		}
		d.ocl = nil
	}
	if d.pcis != nil {
		if err := d.pcis.Detach(); err != nil {
			glog.Errorf("Failure while detaching BAR4 from the FPGA: %v", err)
		}
		d.pcis = nil
	}
	return nil
}
