package driver

import (
	"context"
	"fmt"

	"github.com/gowhd/whd/join"
	"github.com/gowhd/whd/wire"
)

// GetBSSID returns the BSSID of the AP this interface is currently
// associated with.
func (ifc *Interface) GetBSSID(ctx context.Context) ([6]byte, error) {
	var mac [6]byte
	v, err := ifc.driver.ch.GetIoctl(ctx, wire.CmdGetBSSID, ifc.DataPathIndex, nil, 6)
	if err != nil {
		return mac, err
	}
	copy(mac[:], v)
	return mac, nil
}

// GetAPInfo returns the full BSS record of the AP this interface is
// associated with, decoded the same way a scan result is.
func (ifc *Interface) GetAPInfo(ctx context.Context) (wire.BSSInfo, []byte, error) {
	v, err := ifc.driver.ch.GetIoctl(ctx, wire.CmdGetBSSInfo, ifc.DataPathIndex, nil, 4096)
	if err != nil {
		return wire.BSSInfo{}, nil, err
	}
	return wire.DecodeBSSInfo(v)
}

// GetChannel returns the chanspec this interface currently operates on.
func (ifc *Interface) GetChannel(ctx context.Context) (wire.Chanspec, error) {
	v, err := ifc.driver.ch.GetIoctl(ctx, wire.CmdGetChannel, ifc.DataPathIndex, nil, 4)
	if err != nil {
		return 0, err
	}
	return wire.Chanspec(wire.Order.Uint32(v)), nil
}

// GetRSSI returns the current link's received signal strength, in dBm.
func (ifc *Interface) GetRSSI(ctx context.Context) (int32, error) {
	v, err := ifc.driver.ch.GetIoctl(ctx, wire.CmdGetRSSI, ifc.DataPathIndex, nil, 4)
	if err != nil {
		return 0, err
	}
	return int32(wire.Order.Uint32(v)), nil
}

// GetAPClientRSSI returns the RSSI firmware reports for one associated
// client, keyed by its MAC address; only meaningful on an AP-role
// interface.
func (ifc *Interface) GetAPClientRSSI(ctx context.Context, client [6]byte) (int32, error) {
	if ifc.Role != RoleAp {
		return 0, fmt.Errorf("driver: get ap client rssi: %w", wire.ErrInvalidRole)
	}
	// Firmware's "rssi" iovar is per-client get-with-set: the target MAC
	// is programmed first, then the RSSI for that MAC is read back. The
	// command channel's mutex already serializes this two-step exchange
	// against any other concurrent command.
	if err := ifc.driver.ch.SetIovar(ctx, "rssi", 0, ifc.DataPathIndex, client[:]); err != nil {
		return 0, err
	}
	v, err := ifc.driver.ch.GetIovar(ctx, "rssi", 0, ifc.DataPathIndex, 4)
	if err != nil {
		return 0, err
	}
	return int32(wire.Order.Uint32(v)), nil
}

// GetMACAddress returns this interface's own MAC address.
func (ifc *Interface) GetMACAddress(ctx context.Context) ([6]byte, error) {
	v, err := ifc.driver.ch.GetIovar(ctx, "cur_etheraddr", 0, ifc.DataPathIndex, 6)
	var mac [6]byte
	if err != nil {
		return mac, err
	}
	copy(mac[:], v)
	ifc.MAC = mac
	return mac, nil
}

// GetAssociatedClientList returns the MAC addresses of every station
// currently associated to this AP-role interface. A non-AP interface
// fails with ErrInvalidRole; an AP interface that is not ready reports
// zero clients rather than failing.
func (ifc *Interface) GetAssociatedClientList(ctx context.Context, maxClients int) ([][6]byte, error) {
	if ifc.Role != RoleAp {
		return nil, fmt.Errorf("driver: get associated client list: %w", wire.ErrInvalidRole)
	}
	if ifc.IsReadyToTransceive().Kind != join.OutcomeSuccess {
		return nil, nil
	}
	outLen := 4 + 6*maxClients
	req := make([]byte, outLen)
	wire.Order.PutUint32(req[0:4], uint32(maxClients))
	v, err := ifc.driver.ch.GetIoctl(ctx, wire.CmdGetAssocList, ifc.DataPathIndex, req, outLen)
	if err != nil {
		return nil, err
	}
	return wire.DecodeAssocList(v)
}
