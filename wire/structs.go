package wire

import "errors"

// Band identifies a radio band.
type Band uint8

const (
	Band2_4GHz Band = iota
	Band5GHz
	Band6GHz
)

// BSSType distinguishes the kind of BSS a scan result or join target
// describes.
type BSSType int8

const (
	BSSTypeInfrastructure BSSType = 0
	BSSTypeAdhoc          BSSType = 1
	BSSTypeUnknown        BSSType = 2
	BSSTypeAny            BSSType = -1
)

// Chanspec encodes (band, bandwidth, primary channel, sideband) into the
// 16-bit value firmware expects in join/scan requests. Bit layout follows
// the long-standing chanspec ABI: low byte is the channel number, bits
// 8-9 select bandwidth, bits 10-11 select sideband, bits 12-13 select
// band.
type Chanspec uint16

const (
	chanspecBandShift   = 12
	chanspecBand5GHz    = 1 << chanspecBandShift
	chanspecBandwidth20 = 0 << 8
)

// NewChanspec builds a 20MHz chanspec for channel on the given band. A
// zero channel, per spec, means "let firmware pick via assoc-scan" and is
// passed through unchanged.
func NewChanspec(channel uint8, band Band) Chanspec {
	cs := Chanspec(channel) | chanspecBandwidth20
	if band == Band5GHz || band == Band6GHz {
		cs |= chanspecBand5GHz
	}
	return cs
}

// WSECPMK is the wire layout of a PMK/passphrase programmed via
// SetWsecPmk. Firmware requires the pre-delay documented on the caller
// side (join.Machine), not here — the codec only knows about bytes.
type WSECPMK struct {
	Length     uint16
	Flags      uint16
	Passphrase [64]byte
}

const wsecPMKLen = 2 + 2 + 64

func (w WSECPMK) Encode(dst []byte) error {
	if len(dst) < wsecPMKLen {
		return ErrBadLength
	}
	Order.PutUint16(dst[0:2], w.Length)
	Order.PutUint16(dst[2:4], w.Flags)
	copy(dst[4:4+64], w.Passphrase[:])
	return nil
}

// WSECMaxSAEPasswordLen bounds an SAE password per the bad-argument rule
// in the error taxonomy.
const WSECMaxSAEPasswordLen = 128

// WSECSAEPassword is the wire layout of an SAE (WPA3) password.
type WSECSAEPassword struct {
	Length   uint16
	Password [WSECMaxSAEPasswordLen]byte
}

func (w WSECSAEPassword) Encode(dst []byte) error {
	need := 2 + WSECMaxSAEPasswordLen
	if len(dst) < need {
		return ErrBadLength
	}
	Order.PutUint16(dst[0:2], w.Length)
	copy(dst[2:], w.Password[:])
	return nil
}

// ExtJoinParams is the wire layout of the "join" IOVAR's extended-join
// argument: SSID, optional BSSID, chanspec list, and scan parameters.
// Firmware performs an assoc-scan across the given chanspec list (a
// single zero entry means "all channels").
type ExtJoinParams struct {
	SSIDLength  uint8
	SSID        [32]byte
	BSSID       [6]byte
	ScanType    uint8
	NProbes     int32
	ActiveTime  int32
	PassiveTime int32
	HomeTime    int32
	Chanspecs   []Chanspec
}

func (p ExtJoinParams) EncodedLen() int {
	return 1 + 32 + 6 + 1 + 4*4 + 2 + 2*len(p.Chanspecs)
}

func (p ExtJoinParams) Encode(dst []byte) (int, error) {
	need := p.EncodedLen()
	if len(dst) < need {
		return 0, ErrBadLength
	}
	dst[0] = p.SSIDLength
	copy(dst[1:33], p.SSID[:])
	copy(dst[33:39], p.BSSID[:])
	dst[39] = p.ScanType
	Order.PutUint32(dst[40:44], uint32(p.NProbes))
	Order.PutUint32(dst[44:48], uint32(p.ActiveTime))
	Order.PutUint32(dst[48:52], uint32(p.PassiveTime))
	Order.PutUint32(dst[52:56], uint32(p.HomeTime))
	Order.PutUint16(dst[56:58], uint16(len(p.Chanspecs)))
	off := 58
	for _, cs := range p.Chanspecs {
		Order.PutUint16(dst[off:off+2], uint16(cs))
		off += 2
	}
	return off, nil
}

// EscanParams is the wire layout of the "escan" IOVAR request: scan
// type/bss-type, optional SSID/BSSID filters, optional channel list and
// extended timing parameters.
type EscanParams struct {
	Version     uint32
	Action      uint16
	SyncID      uint16
	SSIDLength  uint8
	SSID        [32]byte
	BSSID       [6]byte
	BSSType     BSSType
	ScanType    int8
	NProbes     int32
	ActiveTime  int32
	PassiveTime int32
	HomeTime    int32
	Channels    []uint16
}

// Escan actions.
const (
	EscanActionStart uint16 = 1
	EscanActionAbort uint16 = 3
)

func (p EscanParams) EncodedLen() int {
	return 4 + 2 + 2 + 1 + 32 + 6 + 1 + 1 + 4*4 + 4 + 2*len(p.Channels)
}

func (p EscanParams) Encode(dst []byte) (int, error) {
	need := p.EncodedLen()
	if len(dst) < need {
		return 0, ErrBadLength
	}
	Order.PutUint32(dst[0:4], p.Version)
	Order.PutUint16(dst[4:6], p.Action)
	Order.PutUint16(dst[6:8], p.SyncID)
	dst[8] = p.SSIDLength
	copy(dst[9:41], p.SSID[:])
	copy(dst[41:47], p.BSSID[:])
	dst[47] = uint8(p.BSSType)
	dst[48] = uint8(p.ScanType)
	Order.PutUint32(dst[49:53], uint32(p.NProbes))
	Order.PutUint32(dst[53:57], uint32(p.ActiveTime))
	Order.PutUint32(dst[57:61], uint32(p.PassiveTime))
	Order.PutUint32(dst[61:65], uint32(p.HomeTime))
	Order.PutUint32(dst[65:69], uint32(len(p.Channels)))
	off := 69
	for _, ch := range p.Channels {
		Order.PutUint16(dst[off:off+2], ch)
		off += 2
	}
	return off, nil
}

// BSSInfo is the host-visible subset of the wire "wl_bss_info" struct a
// GetBssInfo IOCTL response or an escan result carries. The struct is
// longer on the wire (it carries a trailing variable-length IE blob);
// DecodeBSSInfo returns the IEs as a slice into the original buffer so
// callers can IE-walk it without copying.
type BSSInfo struct {
	Length       uint32
	BSSID        [6]byte
	BeaconPeriod uint16
	Capability   uint16
	SSIDLength   uint8
	SSID         [32]byte
	RSSI         int16
	Chanspec     Chanspec
	IEOffset     uint16
	IELength     uint32
}

const bssInfoFixedLen = 4 + 6 + 2 + 2 + 1 + 32 + 2 + 2 + 2 + 4

var errBSSInfoTooShort = errors.New("whd: bss_info frame shorter than fixed header")

// DecodeBSSInfo parses the fixed-size portion of a wl_bss_info record and
// returns the trailing IE blob as buf[IEOffset : IEOffset+IELength].
func DecodeBSSInfo(buf []byte) (info BSSInfo, ies []byte, err error) {
	if len(buf) < bssInfoFixedLen {
		return info, nil, errBSSInfoTooShort
	}
	info.Length = Order.Uint32(buf[0:4])
	copy(info.BSSID[:], buf[4:10])
	info.BeaconPeriod = Order.Uint16(buf[10:12])
	info.Capability = Order.Uint16(buf[12:14])
	info.SSIDLength = buf[14]
	copy(info.SSID[:], buf[15:47])
	info.RSSI = int16(Order.Uint16(buf[47:49]))
	info.Chanspec = Chanspec(Order.Uint16(buf[49:51]))
	info.IEOffset = Order.Uint16(buf[51:53])
	info.IELength = Order.Uint32(buf[53:57])
	end := int(info.IEOffset) + int(info.IELength)
	if end > len(buf) {
		return info, nil, errors.New("whd: bss_info IE range exceeds buffer")
	}
	return info, buf[info.IEOffset:end], nil
}

// ChanSwitch is the wire layout of a channel-switch-announcement record
// firmware reports through CsaCompleteInd.
type ChanSwitch struct {
	Chanspec Chanspec
	Mode     uint8
	Count    uint8
	Reg      uint8
}

func DecodeChanSwitch(buf []byte) (ChanSwitch, error) {
	if len(buf) < 5 {
		return ChanSwitch{}, ErrBadLength
	}
	return ChanSwitch{
		Chanspec: Chanspec(Order.Uint16(buf[0:2])),
		Mode:     buf[2],
		Count:    buf[3],
		Reg:      buf[4],
	}, nil
}

// DecodeAssocList parses a wl_maclist_t response from GetAssocList: a
// u32 count followed by that many 6-byte MAC addresses.
func DecodeAssocList(buf []byte) ([][6]byte, error) {
	if len(buf) < 4 {
		return nil, ErrBadLength
	}
	count := int(Order.Uint32(buf[0:4]))
	need := 4 + 6*count
	if len(buf) < need {
		return nil, ErrBadLength
	}
	out := make([][6]byte, count)
	for i := range out {
		copy(out[i][:], buf[4+6*i:4+6*i+6])
	}
	return out, nil
}

// PMKIDEntry is one cached PMKID record.
type PMKIDEntry struct {
	BSSID [6]byte
	PMKID [16]byte
}

// MaxPMKIDCacheEntries bounds the PMKID cache firmware maintains; beyond
// this SetPMKID must surface ErrNoResourcesForPmkidCache.
const MaxPMKIDCacheEntries = 16

// PMKIDList is the wire layout of the pmkid_list IOVAR payload.
type PMKIDList struct {
	Entries []PMKIDEntry
}

func (l PMKIDList) Encode(dst []byte) (int, error) {
	need := 4 + 22*len(l.Entries)
	if len(dst) < need {
		return 0, ErrBadLength
	}
	Order.PutUint32(dst[0:4], uint32(len(l.Entries)))
	off := 4
	for _, e := range l.Entries {
		copy(dst[off:off+6], e.BSSID[:])
		copy(dst[off+6:off+22], e.PMKID[:])
		off += 22
	}
	return off, nil
}
