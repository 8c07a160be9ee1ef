package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowhd/whd/cmdchan"
	"github.com/gowhd/whd/event"
	"github.com/gowhd/whd/join"
	"github.com/gowhd/whd/power"
	"github.com/gowhd/whd/wire"
)

// SetUp brings the radio up: issues the Up IOCTL and marks the driver
// state Up. Init must have run first.
func (d *Driver) SetUp(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateOff {
		return fmt.Errorf("driver: set up: %w", wire.ErrInterfaceNotUp)
	}
	start := time.Now()
	if err := d.ch.SetIoctl(ctx, wire.CmdUp, 0, nil); err != nil {
		return err
	}
	if d.Trace != nil {
		d.Trace.RecordTransaction(start, time.Now())
	}
	d.state = StateUp
	return nil
}

// SetDown takes the radio down: issues the Down IOCTL and marks the
// driver state Down.
func (d *Driver) SetDown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setDownLocked(ctx)
}

func (d *Driver) setDownLocked(ctx context.Context) error {
	start := time.Now()
	err := d.ch.SetIoctl(ctx, wire.CmdDown, 0, nil)
	if err == nil && d.Trace != nil {
		d.Trace.RecordTransaction(start, time.Now())
	}
	d.state = StateDown
	return err
}

// Join runs a full station join attempt on this interface. Per the
// cleanup policy, a non-Success outcome (or a hard error) marks the
// interface's role Invalid — the caller must AddInterface again to
// retry.
func (ifc *Interface) Join(ctx context.Context, p join.Parameters) (join.Outcome, error) {
	if ifc.driver.state != StateUp {
		return join.Outcome{}, fmt.Errorf("driver: join: %w", wire.ErrInterfaceNotUp)
	}
	outcome, err := ifc.machine.Join(ctx, p)
	if err != nil || outcome.Kind != join.OutcomeSuccess {
		ifc.driver.mu.Lock()
		ifc.Role = RoleInvalid
		ifc.driver.mu.Unlock()
	}
	return outcome, err
}

// JoinSpecific runs a join attempt pinned to one already-discovered BSS
// (res, typically from a prior Scan/ScanSynchronous call) rather than
// letting firmware pick among every AP advertising the same SSID. Same
// role-invalidation policy as Join on a non-Success outcome.
func (ifc *Interface) JoinSpecific(ctx context.Context, res join.Result, key join.Parameters) (join.Outcome, error) {
	if ifc.driver.state != StateUp {
		return join.Outcome{}, fmt.Errorf("driver: join specific: %w", wire.ErrInterfaceNotUp)
	}
	outcome, err := ifc.machine.JoinSpecific(ctx, res, key)
	if err != nil || outcome.Kind != join.OutcomeSuccess {
		ifc.driver.mu.Lock()
		ifc.Role = RoleInvalid
		ifc.driver.mu.Unlock()
	}
	return outcome, err
}

// Leave tears down any association on this interface.
func (ifc *Interface) Leave(ctx context.Context) error {
	return ifc.machine.Leave(ctx)
}

// IsReadyToTransceive reports the interface's current JoinStatus
// classification without blocking.
func (ifc *Interface) IsReadyToTransceive() join.Outcome {
	return ifc.machine.CurrentOutcome()
}

// Scan starts an escan on this interface; cb is invoked once per
// parsed result (not de-duplicated) plus a final completion callback, per
// join.Scanner's contract.
func (ifc *Interface) Scan(ctx context.Context, p join.Params, cb join.ScanCallback) error {
	return ifc.scanner.Scan(ctx, ifc.DataPathIndex, p, cb)
}

// StopScan cancels any scan in progress on this interface.
func (ifc *Interface) StopScan(ctx context.Context) error {
	return ifc.scanner.StopScan(ctx, ifc.DataPathIndex)
}

// ScanSynchronous blocks for the duration of a full scan and returns the
// de-duplicated result set.
func (ifc *Interface) ScanSynchronous(ctx context.Context, p join.Params) ([]join.Result, error) {
	return ifc.scanner.ScanSynchronous(ctx, ifc.DataPathIndex, p)
}

// SetPowerSaveMode programs the firmware's PM0/PM1/PM2 power-save
// profile. PM2 additionally requires the sleep_ret/beacon/dtim/assoc
// sub-parameters, set via their own iovars before the mode IOCTL so
// firmware picks them up atomically with the mode switch.
func (d *Driver) SetPowerSaveMode(ctx context.Context, mode power.PowerSaveMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("driver: set power save mode: %w", wire.ErrBadLength)
	}
	d.log.Debug("driver: set power save mode", slog.String("mode", mode.String()))
	if mode.FirmwareMode() == 2 {
		if err := cmdchan.UnsupportedContinue(d.ch.SetIovar(ctx, "pm2_sleep_ret", 0, 0, encodeU32(uint32(mode.SleepRetMs())))); err != nil {
			return err
		}
		if err := cmdchan.UnsupportedContinue(d.ch.SetIovar(ctx, "bcn_li_bcn", 0, 0, encodeU32(uint32(mode.BeaconPeriod())))); err != nil {
			return err
		}
		if err := cmdchan.UnsupportedContinue(d.ch.SetIovar(ctx, "bcn_li_dtim", 0, 0, encodeU32(uint32(mode.DTIMPeriod())))); err != nil {
			return err
		}
		if err := cmdchan.UnsupportedContinue(d.ch.SetIovar(ctx, "assoc_listen", 0, 0, encodeU32(uint32(mode.AssocListen())))); err != nil {
			return err
		}
	}
	return d.ch.SetIoctl(ctx, wire.CmdSetPM, 0, encodeU32(uint32(mode.FirmwareMode())))
}

// GetPowerSaveMode reads back the firmware's current PM mode number.
// PM2 sub-parameters are not read back or stored by the driver; this
// only round-trips the mode IOCTL.
func (d *Driver) GetPowerSaveMode(ctx context.Context) (uint32, error) {
	v, err := d.ch.GetIoctl(ctx, wire.CmdGetPM, 0, nil, 4)
	if err != nil {
		return 0, err
	}
	return wire.Order.Uint32(v), nil
}

// SetPMKID programs the firmware PMKID cache with entries, replacing its
// previous contents, surfacing ErrNoResourcesForPmkidCache when entries
// exceeds MaxPMKIDCacheEntries.
func (d *Driver) SetPMKID(ctx context.Context, iface uint8, entries []wire.PMKIDEntry) error {
	if len(entries) > wire.MaxPMKIDCacheEntries {
		return fmt.Errorf("driver: set pmkid: %w", wire.ErrNoResourcesForPmkidCache)
	}
	list := wire.PMKIDList{Entries: entries}
	buf := make([]byte, 4+22*len(entries))
	n, err := list.Encode(buf)
	if err != nil {
		return err
	}
	return d.ch.SetIovar(ctx, "pmkid_info", 0, iface, buf[:n])
}

// FlushPMKIDs clears the firmware PMKID cache for iface.
func (d *Driver) FlushPMKIDs(ctx context.Context, iface uint8) error {
	return d.SetPMKID(ctx, iface, nil)
}

// externalAuthState tracks the handler ids and callback installed by
// ExternalAuthRequest so StopExternalAuthRequest can tear them down.
type externalAuthState struct {
	ids []event.EntryID
	cb  ExternalAuthCallback
}

// ExternalAuthCallback is invoked for every ExtAuthReq/ExtAuthFrameRx
// event once an external-auth (SAE) registration is active.
type ExternalAuthCallback func(hdr wire.EventHeader, payload []byte)

// ExternalAuthRequest registers cb against the auth_events family, so
// an external SAE supplicant can drive the handshake this driver does
// not implement itself.
func (ifc *Interface) ExternalAuthRequest(cb ExternalAuthCallback) error {
	if ifc.externalAuth != nil {
		return errors.New("driver: external auth request already registered")
	}
	fn := func(hdr wire.EventHeader, payload []byte, _ any) { cb(hdr, payload) }
	ids, err := ifc.driver.disp.RegisterFamily(ifc.DataPathIndex, event.AuthEvents, fn, nil)
	if err != nil {
		return fmt.Errorf("driver: external auth request: %w", err)
	}
	ifc.externalAuth = &externalAuthState{ids: ids, cb: cb}
	return nil
}

// StopExternalAuthRequest deregisters the handler installed by
// ExternalAuthRequest, idempotently.
func (ifc *Interface) StopExternalAuthRequest() {
	if ifc.externalAuth == nil {
		return
	}
	ifc.driver.disp.DeregisterFamily(ifc.externalAuth.ids)
	ifc.externalAuth = nil
}

// SetAuthStatus reports the outcome of an external SAE exchange back to
// firmware via the auth_status iovar.
func (ifc *Interface) SetAuthStatus(ctx context.Context, status wire.Status) error {
	return ifc.driver.ch.SetIovar(ctx, "auth_status", 0, ifc.DataPathIndex, encodeU32(uint32(status)))
}

// SendAuthFrame forwards a raw SAE authentication frame to firmware via
// the auth_frame iovar.
func (ifc *Interface) SendAuthFrame(ctx context.Context, frame []byte) error {
	return ifc.driver.ch.SetIovar(ctx, "auth_frame", 0, ifc.DataPathIndex, frame)
}

// RegisterICMPEchoReq installs cb against the icmp_echo_req_events
// family for ping telemetry.
func (ifc *Interface) RegisterICMPEchoReq(cb func(hdr wire.EventHeader, payload []byte)) error {
	fn := func(hdr wire.EventHeader, payload []byte, _ any) { cb(hdr, payload) }
	ids, err := ifc.driver.disp.RegisterFamily(ifc.DataPathIndex, event.ICMPEchoReqEvents, fn, nil)
	if err != nil {
		return fmt.Errorf("driver: register icmp echo req: %w", err)
	}
	ifc.handlers[categoryICMPEchoReq] = ids
	return nil
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	wire.Order.PutUint32(buf, v)
	return buf
}
