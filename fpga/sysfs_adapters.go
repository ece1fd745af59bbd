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

package fpga

// The following interfaces stand in for the host PCIe and image management
// libraries, and sysfsLib implements them on Linux sysfs.
// This decouples the device code from the host, and simplifies its unit tests.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

//
// Host library interfaces.
//

type attachFlags uint32

// attachBurstCapable maps the BAR write-combined, for 64-bit bursts.
const attachBurstCapable attachFlags = 1 << 0

// pciBar is an attached BAR window.
type pciBar interface {
	Peek32(offset uint64) (uint32, error)
	Poke32(offset uint64, v uint32) error
	Peek64(offset uint64) (uint64, error)
	Poke64(offset uint64, v uint64) error
	Detach() error
}

type pciLib interface {
	Init() error
	Attach(slot, pf, bar int, flags attachFlags) (pciBar, error)
}

// ImageStatus is the load state of an FPGA slot.
type ImageStatus int

const (
	ImageNotLoaded ImageStatus = iota
	ImageLoaded
)

func (s ImageStatus) String() string {
	if s == ImageLoaded {
		return "loaded"
	}
	return "not loaded"
}

// ImageInfo describes the image loaded in a slot, as seen on its app PF.
type ImageInfo struct {
	Status   ImageStatus
	VendorID uint16
	DeviceID uint16
}

//go:generate mockgen -source=sysfs_adapters.go -destination=mock_image_manager_test.go -package=fpga -exclude_interfaces=pciBar,pciLib

type imageManager interface {
	Init() error
	DescribeLocalImage(slot int) (ImageInfo, error)
	RescanSlotAppPFs(slot int) error
}

//
// sysfs implementation.
//

// sysfsLib finds slot functions under a PCI bus directory and maps their
// resource files.
// Slot N is the N-th function 0 with the Amazon vendor id, by address.
type sysfsLib struct {
	root string
}

func newSysfsLib(root string) *sysfsLib {
	return &sysfsLib{root: root}
}

func (l *sysfsLib) devicesDir() string {
	return filepath.Join(l.root, "devices")
}

func (l *sysfsLib) Init() error {
	fi, err := os.Stat(l.devicesDir())
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", l.devicesDir())
	}
	return nil
}

func readHexAttr(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %v", path, err)
	}
	return uint16(v), nil
}

// appPFs lists the addresses of all app PFs, sorted.
func (l *sysfsLib) appPFs() ([]string, error) {
	entries, err := os.ReadDir(l.devicesDir())
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, e := range entries {
		// Domain:Bus:Device.Function
		if !strings.HasSuffix(e.Name(), ".0") {
			continue
		}
		vendor, err := readHexAttr(filepath.Join(l.devicesDir(), e.Name(), "vendor"))
		if err != nil {
			glog.V(2).Infof("Skipping %s: %v", e.Name(), err)
			continue
		}
		if vendor == amazonVendorID {
			addrs = append(addrs, e.Name())
		}
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (l *sysfsLib) slotAddr(slot int) (string, error) {
	addrs, err := l.appPFs()
	if err != nil {
		return "", err
	}
	if slot < 0 || slot >= len(addrs) {
		return "", fmt.Errorf("no app PF for slot %d, found %d", slot, len(addrs))
	}
	return addrs[slot], nil
}

func (l *sysfsLib) DescribeLocalImage(slot int) (ImageInfo, error) {
	addr, err := l.slotAddr(slot)
	if err != nil {
		return ImageInfo{}, err
	}
	dir := filepath.Join(l.devicesDir(), addr)
	info := ImageInfo{Status: ImageLoaded}
	if info.VendorID, err = readHexAttr(filepath.Join(dir, "vendor")); err != nil {
		return ImageInfo{}, err
	}
	if info.DeviceID, err = readHexAttr(filepath.Join(dir, "device")); err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

func (l *sysfsLib) RescanSlotAppPFs(slot int) error {
	addr, err := l.slotAddr(slot)
	if err != nil {
		return err
	}
	glog.V(1).Infof("Removing %s and rescanning the bus", addr)
	if err := os.WriteFile(filepath.Join(l.devicesDir(), addr, "remove"), []byte("1"), 0200); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.root, "rescan"), []byte("1"), 0200)
}

func (l *sysfsLib) Attach(slot, pf, bar int, flags attachFlags) (pciBar, error) {
	if pf != appPF {
		return nil, fmt.Errorf("unsupported PF %d", pf)
	}
	addr, err := l.slotAddr(slot)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(l.devicesDir(), addr, fmt.Sprintf("resource%d", bar))
	if flags&attachBurstCapable != 0 {
		if _, err := os.Stat(path + "_wc"); err == nil {
			path += "_wc"
		}
	}
	b, err := mapBar(path)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// sysfsBar is a BAR resource file mapped into the process.
type sysfsBar struct {
	path string
	f    *os.File
	mem  []byte
}

func mapBar(path string) (*sysfsBar, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not map %s: %v", path, err)
	}
	glog.V(1).Infof("Mapped %s (%d bytes)", path, len(mem))
	return &sysfsBar{path: path, f: f, mem: mem}, nil
}

var errDetached = errors.New("BAR not attached")

func (b *sysfsBar) ptr(offset uint64, size uint64) (unsafe.Pointer, error) {
	if b.mem == nil {
		return nil, errDetached
	}
	if offset%size != 0 || offset+size > uint64(len(b.mem)) {
		return nil, fmt.Errorf("offset 0x%x out of range for %s (%d bytes)", offset, b.path, len(b.mem))
	}
	return unsafe.Pointer(&b.mem[offset]), nil
}

func (b *sysfsBar) Peek32(offset uint64) (uint32, error) {
	p, err := b.ptr(offset, 4)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(p)), nil
}

func (b *sysfsBar) Poke32(offset uint64, v uint32) error {
	p, err := b.ptr(offset, 4)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(p), v)
	return nil
}

func (b *sysfsBar) Peek64(offset uint64) (uint64, error) {
	p, err := b.ptr(offset, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(p)), nil
}

func (b *sysfsBar) Poke64(offset uint64, v uint64) error {
	p, err := b.ptr(offset, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(p), v)
	return nil
}

// Detach unmaps the BAR. Detaching twice is a no-op.
func (b *sysfsBar) Detach() error {
	if b.mem == nil {
		return nil
	}
	if err := unix.Munmap(b.mem); err != nil {
		return fmt.Errorf("could not unmap %s: %v", b.path, err)
	}
	b.mem = nil
	return b.f.Close()
}
