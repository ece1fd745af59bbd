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
	"strings"
	"time"

	"github.com/golang/glog"
)

// Command identifies a stream frame.
type Command uint32

// Requests. Replies carry the request id with cmdReplyFlag set.
const (
	CmdResetFPGA          Command = 0x00000000
	CmdStatus             Command = 0x00000001
	CmdVerifyEquihash     Command = 0x00000100
	CmdVerifySecp256k1Sig Command = 0x00000101

	cmdReplyFlag Command = 0x80000000

	CmdStatusReply = CmdStatus | cmdReplyFlag
)

// IsReply reports whether |c| is a reply from the device.
func (c Command) IsReply() bool {
	return c&cmdReplyFlag != 0
}

func (c Command) String() string {
	names := map[Command]string{
		CmdResetFPGA:          "RESET_FPGA",
		CmdStatus:             "FPGA_STATUS",
		CmdVerifyEquihash:     "VERIFY_EQUIHASH",
		CmdVerifySecp256k1Sig: "VERIFY_SECP256K1_SIG",
	}
	name, ok := names[c&^cmdReplyFlag]
	if !ok {
		return fmt.Sprintf("Command(0x%x)", uint32(c))
	}
	if c.IsReply() {
		return name + "_RPL"
	}
	return name
}

// headerLen is the size of Header on the wire.
const headerLen = 8

// Header starts every stream frame.
type Header struct {
	// Len is the frame length in bytes, header included.
	Len uint32
	Cmd Command
}

// Marshal encodes |h| as [len:4][cmd:4], little endian.
func (h Header) Marshal() []byte {
	b := make([]byte, headerLen)
	le.PutUint32(b[0:4], h.Len)
	le.PutUint32(b[4:8], uint32(h.Cmd))
	return b
}

// ParseHeader decodes the frame header at the start of |b|.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, fmt.Errorf("%w: frame of %d bytes has no header", ErrProtocolViolation, len(b))
	}
	return Header{
		Len: le.Uint32(b[0:4]),
		Cmd: Command(le.Uint32(b[4:8])),
	}, nil
}

// Capability is the feature bitmask reported in a Status reply.
type Capability uint64

const (
	CapVerifyEquihash200_9 Capability = 1 << 0
	CapVerifyEquihash144_5 Capability = 1 << 1
	CapVerifySecp256k1Sig  Capability = 1 << 2
	CapBLS12381            Capability = 1 << 3
)

// Has reports whether every bit of |f| is set in |c|.
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

func (c Capability) String() string {
	flags := []struct {
		c    Capability
		name string
	}{
		{CapVerifyEquihash200_9, "VERIFY_EQUIHASH_200_9"},
		{CapVerifyEquihash144_5, "VERIFY_EQUIHASH_144_5"},
		{CapVerifySecp256k1Sig, "VERIFY_SECP256K1_SIG"},
		{CapBLS12381, "BLS12_381"},
	}
	var parts []string
	for _, f := range flags {
		if c.Has(f.c) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Status reply layout:
//
//	[hdr:8][version:4][build_date:8][cmd_cap:8][fpga_state:1]
const (
	statusReplyMinLen = 28
	statusReplyLen    = 29
)

// StatusReply is the payload of an FPGA_STATUS_RPL frame.
type StatusReply struct {
	Header       Header
	Version      uint32
	BuildDate    uint64
	Capabilities Capability
	// State is zero on images that don't report it.
	State uint8
}

// ParseStatusReply decodes a Status reply frame field by field.
func ParseStatusReply(b []byte) (*StatusReply, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Cmd != CmdStatusReply {
		return nil, fmt.Errorf("%w: got %v frame, want %v", ErrProtocolViolation, hdr.Cmd, CmdStatusReply)
	}
	if len(b) < statusReplyMinLen {
		return nil, fmt.Errorf("%w: status reply is %d bytes, want at least %d", ErrProtocolViolation, len(b), statusReplyMinLen)
	}
	rpl := &StatusReply{
		Header:       hdr,
		Version:      le.Uint32(b[8:12]),
		BuildDate:    le.Uint64(b[12:20]),
		Capabilities: Capability(le.Uint64(b[20:28])),
	}
	if len(b) >= statusReplyLen {
		rpl.State = b[28]
	}
	return rpl, nil
}

// maxReplyLen bounds a reply frame read by GetStatus.
const maxReplyLen = 256

// GetStatus sends a Status request and waits for the reply.
func (d *Device) GetStatus() (*StatusReply, error) {
	if err := d.checkInitialized(); err != nil {
		return nil, err
	}

	req := Header{Len: headerLen, Cmd: CmdStatus}
	if err := d.WriteStream(req.Marshal()); err != nil {
		return nil, fmt.Errorf("send %v: %w", CmdStatus, err)
	}

	rpl := make([]byte, maxReplyLen)
	n, err := d.pollStream(rpl)
	if err != nil {
		return nil, err
	}
	return ParseStatusReply(rpl[:n])
}

// pollStream reads the stream until a frame arrives or the poll budget
// is spent.
func (d *Device) pollStream(p []byte) (int, error) {
	for i := 0; i < d.cfg.StatusPollAttempts; i++ {
		n, err := d.ReadStream(p)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			glog.V(1).Infof("Reply received after %d polls", i+1)
			return n, nil
		}
		time.Sleep(d.cfg.StatusPollInterval)
	}
	return 0, fmt.Errorf("%w: no reply after %d polls", ErrTimeout, d.cfg.StatusPollAttempts)
}
