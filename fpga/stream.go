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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const (
	dwordLen = 4
	qwordLen = 8
)

// abbreviations
var le = binary.LittleEndian

// wordLen is the number of bytes moved per FIFO access.
func (d *Device) wordLen() int {
	if d.axi4 {
		return qwordLen
	}
	return dwordLen
}

// WriteStream pushes |p| into the transmit FIFO as a single frame.
// It fails without writing anything if the FIFO lacks room for |p|.
// len(p) should be a multiple of the active word length; a trailing partial
// word is zero padded.
func (d *Device) WriteStream(p []byte) error {
	if err := d.checkInitialized(); err != nil {
		return err
	}

	free, err := d.peek(regTDFV)
	if err != nil {
		return err
	}
	if uint64(len(p)) > uint64(free) {
		return fmt.Errorf("%w: want %d bytes, %d free", ErrNoSpace, len(p), free)
	}

	width := d.wordLen()
	var word [qwordLen]byte
	for i := 0; i < len(p); i += width {
		w := word[:width]
		clear(w)
		copy(w, p[i:])
		if d.axi4 {
			if err := d.pcis.Poke64(axi4TxOffset, le.Uint64(w)); err != nil {
				return fmt.Errorf("%w: write BAR4 0x%x: %v", ErrRegisterAccess, axi4TxOffset, err)
			}
		} else if err := d.poke(regTDFD, le.Uint32(w)); err != nil {
			return err
		}
	}

	if err := d.poke(regTLR, uint32(len(p))); err != nil {
		return err
	}
	glog.V(2).Infof("[STREAM-TX]: wrote %d bytes. data:[:%d]\n%s", len(p), min(len(p), 32), hex.Dump(p[:min(len(p), 32)]))

	time.Sleep(d.cfg.TransmitSettle)

	isr, err := d.peek(regISR)
	if err != nil {
		return err
	}
	if isr&isrTransmitComplete == 0 {
		glog.Warningf("Transmit complete bit not set after write, ISR is 0x%x", isr)
	}
	return d.poke(regISR, isrTransmitComplete)
}

// ReadStream pulls one frame from the receive FIFO into |p|.
// It returns 0 and nil error when no frame is waiting. When |p| is too small
// the frame is left in the FIFO.
func (d *Device) ReadStream(p []byte) (int, error) {
	if err := d.checkInitialized(); err != nil {
		return 0, err
	}

	isr, err := d.peek(regISR)
	if err != nil {
		return 0, err
	}
	if isr&isrReceiveComplete == 0 {
		return 0, nil
	}

	occupancy, err := d.peek(regRDFO)
	if err != nil {
		return 0, err
	}
	if occupancy == 0 {
		return 0, fmt.Errorf("%w: receive complete flagged but FIFO is empty", ErrProtocolViolation)
	}

	rlr, err := d.peek(regRLR)
	if err != nil {
		return 0, err
	}
	n := int(rlr)
	glog.V(1).Infof("Receive FIFO shows %d bytes waiting", n)
	if len(p) < n {
		return 0, fmt.Errorf("%w: frame is %d bytes, buffer is %d", ErrBufferTooSmall, n, len(p))
	}

	width := d.wordLen()
	var word [qwordLen]byte
	for i := 0; i < n; i += width {
		if d.axi4 {
			v, err := d.pcis.Peek64(axi4RxOffset)
			if err != nil {
				return 0, fmt.Errorf("%w: read BAR4 0x%x: %v", ErrRegisterAccess, axi4RxOffset, err)
			}
			le.PutUint64(word[:], v)
		} else {
			v, err := d.peek(regRDFD)
			if err != nil {
				return 0, err
			}
			le.PutUint32(word[:], v)
		}
		copy(p[i:n], word[:width])
	}
	glog.V(2).Infof("[STREAM-RX]: read %d bytes. data:[:%d]\n%s", n, min(n, 32), hex.Dump(p[:min(n, 32)]))

	// Only acknowledge once the FIFO is drained, another frame may have
	// arrived meanwhile.
	if occupancy, err = d.peek(regRDFO); err != nil {
		return 0, err
	}
	if occupancy == 0 {
		if err := d.poke(regISR, isrReceiveComplete); err != nil {
			return 0, err
		}
	}
	return n, nil
}
