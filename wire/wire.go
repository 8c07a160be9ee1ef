// Package wire implements the control-message codec shared by every WHD
// command path: IOCTL/IOVAR request and response framing, and the
// byte-order rules the rest of the driver must follow when it touches a
// field that crosses the wire to firmware.
//
// All integer fields on the wire are little-endian, matching the
// convention documented in the driver's control-message framing table.
package wire

import "encoding/binary"

// Order is the byte order used for every field on the wire. Firmware is
// little-endian regardless of host endianness.
var Order = binary.LittleEndian

// HostToDongle16 converts a host-order uint16 into its on-wire
// representation (identity on a little-endian host, explicit swap
// otherwise handled by Order at the Put/Decode boundary).
func HostToDongle16(v uint16) uint16 { return v }

// HostToDongle32 is the 32-bit counterpart of HostToDongle16.
func HostToDongle32(v uint32) uint32 { return v }

// DongleToHost16 converts an on-wire uint16 back to host order.
func DongleToHost16(v uint16) uint16 { return v }

// DongleToHost32 is the 32-bit counterpart of DongleToHost16.
func DongleToHost32(v uint32) uint32 { return v }

// Command identifies a numbered IOCTL operation understood by firmware.
type Command uint32

// Fixed IOCTL command numbers. Values match the long-standing firmware
// ABI; new commands are never renumbered.
const (
	CmdUp                         Command = 2
	CmdDown                       Command = 3
	CmdSetInfra                   Command = 20
	CmdSetAuth                    Command = 22
	CmdGetBSSID                   Command = 23
	CmdGetSSID                    Command = 25
	CmdSetSSID                    Command = 26
	CmdGetChannel                 Command = 29
	CmdSetChannel                 Command = 30
	CmdDisassoc                   Command = 52
	CmdGetRSSI                    Command = 127
	CmdGetPM                      Command = 85
	CmdSetPM                      Command = 86
	CmdSetBcnPrd                  Command = 76
	CmdSetDtimPrd                 Command = 78
	CmdSetGMode                   Command = 110
	CmdSetWSEC                    Command = 134
	CmdGetBSSInfo                 Command = 136
	CmdSetBand                    Command = 142
	CmdGetAssocList               Command = 159
	CmdSetWPAAuth                 Command = 165
	CmdScbDeauthenticateForReason Command = 201
	CmdGetVar                     Command = 262
	CmdSetVar                     Command = 263
	CmdSetWSECPMK                 Command = 268
	CmdCustomCountry              Command = 84
)

func (c Command) isGetSet() bool { return c == CmdGetVar || c == CmdSetVar }

// Kind distinguishes a get-style exchange from a set-style one; both use
// the same framing, differing only in the direction data is meaningful.
type Kind uint8

const (
	KindGet Kind = 0
	KindSet Kind = 2
)

// FrameHeaderLen is the fixed size, in bytes, of the control-message
// header described in the wire-level framing table: command id, output
// length, flags, status.
const FrameHeaderLen = 16

// idShift/idMask locate the caller-assigned transaction id packed into
// the flags field, matching the CDC convention the rest of the driver's
// ancestry uses.
const (
	idShift = 16
	idMask  = 0xffff0000
	ifShift = 12
)

// FrameHeader is the fixed 16-byte header prefixing every IOCTL/IOVAR
// request and response.
type FrameHeader struct {
	Cmd    Command
	Len    uint32
	Flags  uint32
	Status uint32
}

// ID extracts the transaction id packed into Flags by PutRequest.
func (h FrameHeader) ID() uint16 { return uint16((h.Flags & idMask) >> idShift) }

// Encode serializes the header into dst, which must be at least
// FrameHeaderLen bytes.
func (h FrameHeader) Encode(dst []byte) {
	_ = dst[FrameHeaderLen-1]
	Order.PutUint32(dst[0:4], uint32(h.Cmd))
	Order.PutUint32(dst[4:8], h.Len)
	Order.PutUint32(dst[8:12], h.Flags)
	Order.PutUint32(dst[12:16], h.Status)
}

// DecodeFrameHeader parses a FrameHeader out of src, which must be at least
// FrameHeaderLen bytes.
func DecodeFrameHeader(src []byte) FrameHeader {
	_ = src[FrameHeaderLen-1]
	return FrameHeader{
		Cmd:    Command(Order.Uint32(src[0:4])),
		Len:    Order.Uint32(src[4:8]),
		Flags:  Order.Uint32(src[8:12]),
		Status: Order.Uint32(src[12:16]),
	}
}

// StatusUnsupported is the response status value firmware sets when a
// command or IOVAR is not implemented by the running image, matching
// the long-standing BCME_UNSUPPORTED convention (-23) reinterpreted as
// an unsigned status word.
const StatusUnsupported uint32 = 0xffffffe9

// PutRequest builds a request header for transaction id on the given
// interface and command kind.
func PutRequest(cmd Command, kind Kind, iface uint8, txID uint16, outLen uint32) FrameHeader {
	return FrameHeader{
		Cmd:   cmd,
		Len:   outLen,
		Flags: uint32(kind) | (uint32(txID) << idShift) | (uint32(iface) << ifShift),
	}
}

// BsscfgPrefixLen is the size of the little-endian bss-index prefix
// inserted after the IOVAR name for any variable beginning with
// "bsscfg:".
const BsscfgPrefixLen = 4

const bsscfgPrefix = "bsscfg:"

// HasBsscfgPrefix reports whether name requires a bss-index prefix on
// the wire.
func HasBsscfgPrefix(name string) bool {
	return len(name) >= len(bsscfgPrefix) && name[:len(bsscfgPrefix)] == bsscfgPrefix
}

// EncodeIovarName writes the null-terminated IOVAR name (and, if the name
// begins with "bsscfg:", the 4-byte little-endian bss index that follows
// it) into dst, returning the number of bytes written.
func EncodeIovarName(dst []byte, name string, bssIndex uint32) (int, error) {
	extra := 0
	if HasBsscfgPrefix(name) {
		extra = BsscfgPrefixLen
	}
	need := len(name) + 1 + extra
	if need > len(dst) {
		return 0, ErrBadLength
	}
	n := copy(dst, name)
	dst[n] = 0
	n++
	if extra > 0 {
		Order.PutUint32(dst[n:n+4], bssIndex)
		n += 4
	}
	return n, nil
}
