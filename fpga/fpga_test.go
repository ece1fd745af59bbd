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

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/mock/gomock"
)

// stubFPGA simulates the AXI stream FIFO and the BLS12-381 register block
// behind both BARs.
type stubFPGA struct {
	initErr   error
	attachErr map[int]error       // Per BAR attach failures.
	peekErr   map[uint64]error    // Per BAR0 offset read failures.
	bars      map[int]*stubPCIBar // Attached BARs.
	detached  map[int]int         // Detach count per BAR.
	attaches  int

	axi4    bool
	isr     uint32
	tdfv    uint32
	rdfo    *uint32 // If set, RDFO reads this value.
	regs    map[uint64]uint32
	noReply bool

	// Status reply content.
	version   uint32
	buildDate uint64
	caps      Capability

	currInst *uint32 // If set, the current instruction register reads this value.
	resets   []uint32

	txBuf    []byte
	txFrames [][]byte
	rxFrames [][]byte
	rxPos    int

	accesses     int
	isrReads     int
	txWordWrites int
	rxWordReads  int
	commits      int
}

const (
	stubInstOffset = 0x400
	stubDataOffset = 0x800
	stubDataSlots  = 16
	stubInstSlots  = 8
)

func newStubFPGA() *stubFPGA {
	return &stubFPGA{
		attachErr: map[int]error{},
		peekErr:   map[uint64]error{},
		bars:      map[int]*stubPCIBar{},
		detached:  map[int]int{},
		isr:       isrResetValue,
		tdfv:      tdfvResetValue,
		regs: map[uint64]uint32{
			regBLSInstOffset: stubInstOffset,
			regBLSDataOffset: stubDataOffset,
			regBLSDataLog2:   4,
			regBLSInstLog2:   3,
		},
		version:   0x01000200,
		buildDate: 0x20190505,
		caps:      CapVerifyEquihash200_9 | CapVerifySecp256k1Sig | CapBLS12381,
	}
}

func (hw *stubFPGA) Init() error {
	return hw.initErr
}

func (hw *stubFPGA) Attach(slot, pf, bar int, flags attachFlags) (pciBar, error) {
	if err := hw.attachErr[bar]; err != nil {
		return nil, err
	}
	hw.attaches++
	b := &stubPCIBar{hw: hw, bar: bar}
	hw.bars[bar] = b
	return b, nil
}

func (hw *stubFPGA) statusReply() []byte {
	b := make([]byte, 32)
	le.PutUint32(b[0:4], uint32(len(b)))
	le.PutUint32(b[4:8], uint32(CmdStatusReply))
	le.PutUint32(b[8:12], hw.version)
	le.PutUint64(b[12:20], hw.buildDate)
	le.PutUint64(b[20:28], uint64(hw.caps))
	return b
}

// enqueue makes |frame| available on the receive side.
func (hw *stubFPGA) enqueue(frame []byte) {
	hw.rxFrames = append(hw.rxFrames, frame)
	hw.isr |= isrReceiveComplete
}

func (hw *stubFPGA) commit(n uint32) {
	hw.commits++
	frame := hw.txBuf[:n]
	hw.txFrames = append(hw.txFrames, frame)
	hw.txBuf = nil
	hw.isr |= isrTransmitComplete
	if hdr, err := ParseHeader(frame); err == nil && hdr.Cmd == CmdStatus && !hw.noReply {
		hw.enqueue(hw.statusReply())
	}
}

func (hw *stubFPGA) occupancy() uint32 {
	if hw.rdfo != nil {
		return *hw.rdfo
	}
	var n int
	for i, f := range hw.rxFrames {
		n += len(f)
		if i == 0 {
			n -= hw.rxPos
		}
	}
	return uint32((n + dwordLen - 1) / dwordLen)
}

// pop returns the next |width| bytes of the frame being drained.
func (hw *stubFPGA) pop(width int) []byte {
	w := make([]byte, width)
	if len(hw.rxFrames) == 0 {
		return w
	}
	f := hw.rxFrames[0]
	copy(w, f[min(hw.rxPos, len(f)):])
	hw.rxPos += width
	if hw.rxPos >= len(f) {
		hw.rxFrames = hw.rxFrames[1:]
		hw.rxPos = 0
	}
	hw.rxWordReads++
	return w
}

type stubPCIBar struct {
	hw  *stubFPGA
	bar int
}

func (b *stubPCIBar) Peek32(off uint64) (uint32, error) {
	hw := b.hw
	hw.accesses++
	if b.bar != appPFBar0 {
		return 0, fmt.Errorf("unexpected 32-bit read of BAR%d", b.bar)
	}
	if err := hw.peekErr[off]; err != nil {
		return 0, err
	}
	switch off {
	case regISR:
		hw.isrReads++
		return hw.isr, nil
	case regTDFV:
		return hw.tdfv, nil
	case regRDFO:
		return hw.occupancy(), nil
	case regRLR:
		if len(hw.rxFrames) == 0 {
			return 0, nil
		}
		return uint32(len(hw.rxFrames[0])), nil
	case regRDFD:
		return le.Uint32(hw.pop(dwordLen)), nil
	case regMode:
		if hw.axi4 {
			return modeAXI4, nil
		}
		return 0, nil
	case regBLSCurrInst:
		if hw.currInst != nil {
			return *hw.currInst, nil
		}
	}
	return hw.regs[off], nil
}

func (b *stubPCIBar) Poke32(off uint64, v uint32) error {
	hw := b.hw
	hw.accesses++
	if b.bar != appPFBar0 {
		return fmt.Errorf("unexpected 32-bit write of BAR%d", b.bar)
	}
	switch off {
	case regISR:
		hw.isr &^= v
	case regTDFD:
		hw.txWordWrites++
		hw.txBuf = le.AppendUint32(hw.txBuf, v)
	case regTLR:
		hw.commit(v)
	case regBLSReset:
		hw.resets = append(hw.resets, v)
	default:
		hw.regs[off] = v
	}
	return nil
}

func (b *stubPCIBar) Peek64(off uint64) (uint64, error) {
	hw := b.hw
	hw.accesses++
	if b.bar != appPFBar4 || off != axi4RxOffset {
		return 0, fmt.Errorf("unexpected 64-bit read of BAR%d 0x%x", b.bar, off)
	}
	return le.Uint64(hw.pop(qwordLen)), nil
}

func (b *stubPCIBar) Poke64(off uint64, v uint64) error {
	hw := b.hw
	hw.accesses++
	if b.bar != appPFBar4 || off != axi4TxOffset {
		return fmt.Errorf("unexpected 64-bit write of BAR%d 0x%x", b.bar, off)
	}
	hw.txWordWrites++
	hw.txBuf = le.AppendUint64(hw.txBuf, v)
	return nil
}

func (b *stubPCIBar) Detach() error {
	b.hw.detached[b.bar]++
	delete(b.hw.bars, b.bar)
	return nil
}

// stubImageManager reports the given images in turn, repeating the last one.
type stubImageManager struct {
	images  []ImageInfo
	calls   int
	rescans int
}

func (m *stubImageManager) Init() error {
	return nil
}

func (m *stubImageManager) DescribeLocalImage(slot int) (ImageInfo, error) {
	info := m.images[min(m.calls, len(m.images)-1)]
	m.calls++
	return info, nil
}

func (m *stubImageManager) RescanSlotAppPFs(slot int) error {
	m.rescans++
	return nil
}

var expectedImage = ImageInfo{Status: ImageLoaded, VendorID: amazonVendorID, DeviceID: defaultDeviceID}

// testOptions drop every wait so tests run at register speed.
var testOptions = []Option{
	WithStatusPoll(1000, 0),
	WithTransmitSettle(0),
	WithResetSettle(0),
}

func openStub(t *testing.T, hw *stubFPGA) *Device {
	t.Helper()
	d, err := openDevice(hw, &stubImageManager{images: []ImageInfo{expectedImage}}, 0, testOptions...)
	if err != nil {
		t.Fatalf("openDevice() = _, %v, want nil error", err)
	}
	return d
}

func TestOpenInitializesDevice(t *testing.T) {
	tests := []struct {
		desc string
		axi4 bool
	}{
		{desc: "32-bit FIFO mode", axi4: false},
		{desc: "AXI4 burst mode", axi4: true},
	}
	for _, test := range tests {
		t.Logf("Start case: %s", test.desc)
		hw := newStubFPGA()
		hw.axi4 = test.axi4
		d := openStub(t, hw)

		if !d.Initialized() {
			t.Errorf("d.Initialized() = false, want true")
		}
		if d.AXI4Enabled() != test.axi4 {
			t.Errorf("d.AXI4Enabled() = %t, want %t", d.AXI4Enabled(), test.axi4)
		}
		if d.Capabilities() != hw.caps {
			t.Errorf("d.Capabilities() = %v, want %v", d.Capabilities(), hw.caps)
		}
		if d.DataSlotCount() != stubDataSlots || d.InstSlotCount() != stubInstSlots {
			t.Errorf("slot counts = %d, %d, want %d, %d", d.DataSlotCount(), d.InstSlotCount(), stubDataSlots, stubInstSlots)
		}
		if hw.regs[regIER] != ierDisable {
			t.Errorf("IER = 0x%x, want 0x%x", hw.regs[regIER], ierDisable)
		}
		if hw.isr&(isrResetValue|isrReceiveComplete|isrTransmitComplete) != 0 {
			t.Errorf("ISR = 0x%x after init, want all bits cleared", hw.isr)
		}
		if hw.attaches != 2 {
			t.Errorf("BARs attached %d times, want 2", hw.attaches)
		}
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	hw := newStubFPGA()
	d := openStub(t, hw)
	accesses := hw.accesses

	if err := d.initialize(); err != nil {
		t.Errorf("d.initialize() = %v, want nil error", err)
	}
	if hw.attaches != 2 {
		t.Errorf("BARs attached %d times, want 2", hw.attaches)
	}
	if hw.accesses != accesses {
		t.Errorf("second initialize made %d register accesses, want 0", hw.accesses-accesses)
	}
}

func TestOpenWithoutCoprocessor(t *testing.T) {
	hw := newStubFPGA()
	hw.caps = CapVerifyEquihash144_5
	d := openStub(t, hw)

	if d.DataSlotCount() != 0 || d.InstSlotCount() != 0 {
		t.Errorf("slot counts = %d, %d, want 0, 0", d.DataSlotCount(), d.InstSlotCount())
	}
}

func TestOpenToleratesUnexpectedResetValues(t *testing.T) {
	hw := newStubFPGA()
	hw.isr = 0
	hw.tdfv = 0x7fc
	d := openStub(t, hw)
	if !d.Initialized() {
		t.Errorf("d.Initialized() = false, want true")
	}
}

func TestOpenRescansOnceOnIdentityMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	mgmt := NewMockimageManager(ctrl)
	stale := ImageInfo{Status: ImageLoaded, VendorID: amazonVendorID, DeviceID: 0x1042}
	gomock.InOrder(
		mgmt.EXPECT().Init().Return(nil),
		mgmt.EXPECT().DescribeLocalImage(3).Return(stale, nil),
		mgmt.EXPECT().RescanSlotAppPFs(3).Return(nil),
		mgmt.EXPECT().DescribeLocalImage(3).Return(expectedImage, nil),
	)

	hw := newStubFPGA()
	d, err := openDevice(hw, mgmt, 3, testOptions...)
	if err != nil {
		t.Fatalf("openDevice() = _, %v, want nil error", err)
	}
	if d.Slot() != 3 {
		t.Errorf("d.Slot() = %d, want 3", d.Slot())
	}
}

func TestOpenFailsOnPersistentIdentityMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	mgmt := NewMockimageManager(ctrl)
	wrong := ImageInfo{Status: ImageLoaded, VendorID: 0x10ee, DeviceID: 0x7028}
	gomock.InOrder(
		mgmt.EXPECT().Init().Return(nil),
		mgmt.EXPECT().DescribeLocalImage(0).Return(wrong, nil),
		mgmt.EXPECT().RescanSlotAppPFs(0).Return(nil),
		mgmt.EXPECT().DescribeLocalImage(0).Return(wrong, nil),
	)

	hw := newStubFPGA()
	if _, err := openDevice(hw, mgmt, 0, testOptions...); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("openDevice() = _, %v, want %v", err, ErrIdentityMismatch)
	}
	if hw.attaches != 0 || len(hw.bars) != 0 {
		t.Errorf("%d BARs attached (%d still attached), want 0", hw.attaches, len(hw.bars))
	}
}

func TestOpenHonorsConfiguredIdentity(t *testing.T) {
	custom := ImageInfo{Status: ImageLoaded, VendorID: 0x1d0f, DeviceID: 0xf001}
	mgmt := &stubImageManager{images: []ImageInfo{custom}}
	opts := append([]Option{WithIdentity(0x1d0f, 0xf001)}, testOptions...)
	if _, err := openDevice(newStubFPGA(), mgmt, 0, opts...); err != nil {
		t.Errorf("openDevice() = _, %v, want nil error", err)
	}
	if mgmt.rescans != 0 {
		t.Errorf("slot rescanned %d times, want 0", mgmt.rescans)
	}
}

func TestOpenFailsWhenImageNotLoaded(t *testing.T) {
	mgmt := &stubImageManager{images: []ImageInfo{{Status: ImageNotLoaded}}}
	hw := newStubFPGA()
	if _, err := openDevice(hw, mgmt, 0, testOptions...); !errors.Is(err, ErrImageNotLoaded) {
		t.Errorf("openDevice() = _, %v, want %v", err, ErrImageNotLoaded)
	}
	if mgmt.rescans != 0 {
		t.Errorf("slot rescanned %d times, want 0", mgmt.rescans)
	}
}

func TestOpenDetachesOnFailure(t *testing.T) {
	ioErr := errors.New("IO error")
	tests := []struct {
		desc  string
		setup func(hw *stubFPGA)
		want  error
	}{
		{desc: "Fails because the PCI library does not initialize",
			setup: func(hw *stubFPGA) { hw.initErr = ioErr },
			want:  ErrRegisterAccess},
		{desc: "Fails because BAR4 cannot be attached",
			setup: func(hw *stubFPGA) { hw.attachErr[appPFBar4] = ioErr },
			want:  ErrRegisterAccess},
		{desc: "Fails because the ISR cannot be read",
			setup: func(hw *stubFPGA) { hw.peekErr[regISR] = ioErr },
			want:  ErrRegisterAccess},
		{desc: "Fails because the mode register cannot be read",
			setup: func(hw *stubFPGA) { hw.peekErr[regMode] = ioErr },
			want:  ErrRegisterAccess},
		{desc: "Fails because the device never replies to Status",
			setup: func(hw *stubFPGA) { hw.noReply = true },
			want:  ErrTimeout},
		{desc: "Fails because the coprocessor layout cannot be read",
			setup: func(hw *stubFPGA) { hw.peekErr[regBLSInstLog2] = ioErr },
			want:  ErrRegisterAccess},
	}
	for _, test := range tests {
		t.Logf("Start case: %s", test.desc)
		hw := newStubFPGA()
		test.setup(hw)
		d := newDevice(hw, &stubImageManager{images: []ImageInfo{expectedImage}}, 0, testOptions...)
		if err := d.initialize(); !errors.Is(err, test.want) {
			t.Errorf("d.initialize() = %v, want %v", err, test.want)
		}
		if d.Initialized() {
			t.Errorf("d.Initialized() = true after failure, want false")
		}
		if len(hw.bars) != 0 {
			t.Errorf("%d BARs still attached after failure, want 0", len(hw.bars))
		}
		if d.ocl != nil || d.pcis != nil {
			t.Errorf("device still holds BAR handles after failure")
		}
	}
}

type failingDetachBar struct {
	stubPCIBar
}

func (b *failingDetachBar) Detach() error {
	b.stubPCIBar.Detach()
	return errors.New("IO error")
}

func TestCloseDetachesOnce(t *testing.T) {
	hw := newStubFPGA()
	d := openStub(t, hw)

	// Detach errors are only logged.
	d.ocl = &failingDetachBar{stubPCIBar{hw: hw, bar: appPFBar0}}
	if err := d.Close(); err != nil {
		t.Errorf("d.Close() = %v, want nil error", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second d.Close() = %v, want nil error", err)
	}
	for _, bar := range []int{appPFBar0, appPFBar4} {
		if hw.detached[bar] != 1 {
			t.Errorf("BAR%d detached %d times, want 1", bar, hw.detached[bar])
		}
	}
	if d.Initialized() {
		t.Errorf("d.Initialized() = true after Close, want false")
	}
}

func TestOperationsRequireInitialization(t *testing.T) {
	d := newDevice(newStubFPGA(), &stubImageManager{images: []ImageInfo{expectedImage}}, 0, testOptions...)
	ops := []struct {
		desc string
		op   func() error
	}{
		{"WriteStream", func() error { return d.WriteStream(make([]byte, 8)) }},
		{"ReadStream", func() error { _, err := d.ReadStream(make([]byte, 8)); return err }},
		{"GetStatus", func() error { _, err := d.GetStatus(); return err }},
		{"SetDataSlot", func() error { return d.SetDataSlot(0, DataSlot{}) }},
		{"GetDataSlot", func() error { _, err := d.GetDataSlot(0); return err }},
		{"SetInstSlot", func() error { return d.SetInstSlot(0, 0) }},
		{"GetInstSlot", func() error { _, err := d.GetInstSlot(0); return err }},
		{"SetCurrentInstSlot", func() error { return d.SetCurrentInstSlot(0) }},
		{"GetCurrentInstSlot", func() error { _, err := d.GetCurrentInstSlot(); return err }},
		{"ResetMemory", func() error { return d.ResetMemory(true, true) }},
		{"LastCycleCount", func() error { _, err := d.LastCycleCount(); return err }},
	}
	for _, op := range ops {
		if err := op.op(); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("%s() = %v, want %v", op.desc, err, ErrNotInitialized)
		}
	}
}
