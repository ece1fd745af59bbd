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
	"fmt"
	"slices"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fp"
	"github.com/golang/glog"
)

// BLS12-381 coprocessor registers, in the control window.
const (
	bls12381Offset = 0x1000

	regBLSInstOffset = bls12381Offset + 0x00 // R: instruction memory offset; W: memory reset
	regBLSDataOffset = bls12381Offset + 0x04
	regBLSDataLog2   = bls12381Offset + 0x08
	regBLSInstLog2   = bls12381Offset + 0x0c
	regBLSCurrInst   = bls12381Offset + 0x10
	regBLSCycleCnt   = bls12381Offset + 0x14
	regBLSReset      = regBLSInstOffset

	blsResetInst = 1 << 0
	blsResetData = 1 << 1
)

const (
	// DataSlotLen is the number of meaningful bytes in a data slot.
	DataSlotLen = 48

	dataSlotStride = 64
	instSlotStride = 8

	pointTypeShift = 5
	pointTypeMask  = 0x7
	dataByteMask   = 0x1f
)

// PointType tags the representation of the value held in a data slot.
type PointType uint8

const (
	PointScalar PointType = iota
	PointFE
	PointFE2
	PointFE12
	PointFpAffine
	PointFpJacobian
	PointFp2Affine
	PointFp2Jacobian
)

func (t PointType) String() string {
	switch t {
	case PointScalar:
		return "SCALAR"
	case PointFE:
		return "FE"
	case PointFE2:
		return "FE2"
	case PointFE12:
		return "FE12"
	case PointFpAffine:
		return "FP_AF"
	case PointFpJacobian:
		return "FP_JB"
	case PointFp2Affine:
		return "FP2_AF"
	case PointFp2Jacobian:
		return "FP2_JB"
	}
	return fmt.Sprintf("PointType(%d)", uint8(t))
}

// DataSlot is the content of one coprocessor data slot: a 384-bit little
// endian value and its point type.
type DataSlot struct {
	Data [DataSlotLen]byte
	Type PointType
}

// encodeDataSlot packs the point type into the top 3 bits of the last byte.
func encodeDataSlot(s DataSlot) [DataSlotLen]byte {
	b := s.Data
	b[DataSlotLen-1] &= dataByteMask
	b[DataSlotLen-1] |= byte(s.Type&pointTypeMask) << pointTypeShift
	return b
}

// decodeDataSlot splits the point type off the wire representation.
func decodeDataSlot(b [DataSlotLen]byte) DataSlot {
	s := DataSlot{Data: b, Type: PointType(b[DataSlotLen-1] >> pointTypeShift)}
	s.Data[DataSlotLen-1] &= dataByteMask
	return s
}

// NewFieldSlot stores a BLS12-381 base field element in a data slot.
func NewFieldSlot(e *fp.Element, t PointType) DataSlot {
	be := e.Bytes()
	s := DataSlot{Type: t}
	copy(s.Data[:], be[:])
	slices.Reverse(s.Data[:])
	return s
}

// Element returns the slot value as a BLS12-381 base field element,
// reduced modulo p.
func (s DataSlot) Element() fp.Element {
	be := s.Data
	slices.Reverse(be[:])
	var e fp.Element
	e.SetBytes(be[:])
	return e
}

// Instruction is an opaque coprocessor instruction word.
type Instruction uint64

func (d *Device) readBLS12381Layout() (bls12381Layout, error) {
	var l bls12381Layout
	var err error
	if l.instOffset, err = d.peek(regBLSInstOffset); err != nil {
		return l, err
	}
	if l.dataOffset, err = d.peek(regBLSDataOffset); err != nil {
		return l, err
	}
	log2, err := d.peek(regBLSDataLog2)
	if err != nil {
		return l, err
	}
	l.dataSlots = 1 << log2
	if log2, err = d.peek(regBLSInstLog2); err != nil {
		return l, err
	}
	l.instSlots = 1 << log2
	return l, nil
}

// DataSlotCount returns the number of coprocessor data slots, 0 without
// the coprocessor.
func (d *Device) DataSlotCount() uint32 {
	return d.bls.dataSlots
}

// InstSlotCount returns the number of coprocessor instruction slots, 0
// without the coprocessor.
func (d *Device) InstSlotCount() uint32 {
	return d.bls.instSlots
}

func (d *Device) checkBLS12381() error {
	if err := d.checkInitialized(); err != nil {
		return err
	}
	if !d.caps.Has(CapBLS12381) {
		return fmt.Errorf("%w: BLS12-381 coprocessor", ErrUnsupported)
	}
	return nil
}

func (d *Device) checkDataSlot(id uint32) error {
	if err := d.checkBLS12381(); err != nil {
		return err
	}
	if id >= d.bls.dataSlots {
		return fmt.Errorf("%w: data slot %d, FPGA has %d", ErrSlotOutOfRange, id, d.bls.dataSlots)
	}
	return nil
}

func (d *Device) checkInstSlot(id uint32) error {
	if err := d.checkBLS12381(); err != nil {
		return err
	}
	if id >= d.bls.instSlots {
		return fmt.Errorf("%w: instruction slot %d, FPGA has %d", ErrSlotOutOfRange, id, d.bls.instSlots)
	}
	return nil
}

func (d *Device) dataSlotAddr(id uint32) uint64 {
	return bls12381Offset + uint64(d.bls.dataOffset) + uint64(id)*dataSlotStride
}

func (d *Device) instSlotAddr(id uint32) uint64 {
	return bls12381Offset + uint64(d.bls.instOffset) + uint64(id)*instSlotStride
}

// SetDataSlot writes |s| to coprocessor data slot |id|.
func (d *Device) SetDataSlot(id uint32, s DataSlot) error {
	if err := d.checkDataSlot(id); err != nil {
		return err
	}
	b := encodeDataSlot(s)
	addr := d.dataSlotAddr(id)
	for i := 0; i < DataSlotLen; i += dwordLen {
		if err := d.poke(addr+uint64(i), le.Uint32(b[i:i+dwordLen])); err != nil {
			return err
		}
	}
	glog.V(1).Infof("Wrote BLS12-381 data slot %d (%v)", id, s.Type)
	return nil
}

// GetDataSlot reads coprocessor data slot |id|.
func (d *Device) GetDataSlot(id uint32) (DataSlot, error) {
	if err := d.checkDataSlot(id); err != nil {
		return DataSlot{}, err
	}
	var b [DataSlotLen]byte
	addr := d.dataSlotAddr(id)
	for i := 0; i < DataSlotLen; i += dwordLen {
		v, err := d.peek(addr + uint64(i))
		if err != nil {
			return DataSlot{}, err
		}
		le.PutUint32(b[i:i+dwordLen], v)
	}
	return decodeDataSlot(b), nil
}

// SetInstSlot writes |inst| to coprocessor instruction slot |id|, low word
// first.
func (d *Device) SetInstSlot(id uint32, inst Instruction) error {
	if err := d.checkInstSlot(id); err != nil {
		return err
	}
	addr := d.instSlotAddr(id)
	if err := d.poke(addr, uint32(inst)); err != nil {
		return err
	}
	return d.poke(addr+dwordLen, uint32(inst>>32))
}

// GetInstSlot reads coprocessor instruction slot |id|.
func (d *Device) GetInstSlot(id uint32) (Instruction, error) {
	if err := d.checkInstSlot(id); err != nil {
		return 0, err
	}
	addr := d.instSlotAddr(id)
	lo, err := d.peek(addr)
	if err != nil {
		return 0, err
	}
	hi, err := d.peek(addr + dwordLen)
	if err != nil {
		return 0, err
	}
	return Instruction(uint64(hi)<<32 | uint64(lo)), nil
}

// SetCurrentInstSlot points the coprocessor at instruction slot |id|.
// The pointer register is read back to confirm the write took.
func (d *Device) SetCurrentInstSlot(id uint32) error {
	if err := d.checkInstSlot(id); err != nil {
		return err
	}
	prev, err := d.peek(regBLSCurrInst)
	if err != nil {
		return err
	}
	if err := d.poke(regBLSCurrInst, id); err != nil {
		return err
	}
	got, err := d.peek(regBLSCurrInst)
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("%w: current instruction slot reads %d after writing %d", ErrProtocolViolation, got, id)
	}
	glog.V(1).Infof("Set BLS12-381 current instruction slot to %d (was %d)", id, prev)
	return nil
}

// GetCurrentInstSlot returns the instruction slot the coprocessor will
// execute next.
func (d *Device) GetCurrentInstSlot() (uint32, error) {
	if err := d.checkBLS12381(); err != nil {
		return 0, err
	}
	return d.peek(regBLSCurrInst)
}

// ResetMemory clears the coprocessor instruction and/or data memory.
func (d *Device) ResetMemory(inst, data bool) error {
	if err := d.checkBLS12381(); err != nil {
		return err
	}
	var v uint32
	if inst {
		v |= blsResetInst
		glog.Infof("Resetting BLS12-381 instruction memory")
	}
	if data {
		v |= blsResetData
		glog.Infof("Resetting BLS12-381 data memory")
	}
	if err := d.poke(regBLSReset, v); err != nil {
		return err
	}
	time.Sleep(d.cfg.ResetSettle)
	return nil
}

// LastCycleCount returns the cycle count of the coprocessor's last run.
func (d *Device) LastCycleCount() (uint32, error) {
	if err := d.checkBLS12381(); err != nil {
		return 0, err
	}
	return d.peek(regBLSCycleCnt)
}
