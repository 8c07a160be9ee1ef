package driver

import (
	"context"
	"testing"
	"time"

	"github.com/gowhd/whd/bus/simbus"
	"github.com/gowhd/whd/join"
	"github.com/gowhd/whd/power"
	"github.com/gowhd/whd/wire"
)

func TestSetPowerSaveModeRejectsInvalid(t *testing.T) {
	d, _ := newTestDriver(t)
	err := d.SetPowerSaveMode(context.Background(), power.PowerSaveMode(200))
	if err == nil {
		t.Fatal("SetPowerSaveMode: want error for invalid mode")
	}
}

func TestSetPowerSaveModePM2SendsSubParams(t *testing.T) {
	d, b := newTestDriver(t)
	done := make(chan error, 1)
	go func() { done <- d.SetPowerSaveMode(context.Background(), power.PMDefault) }()

	// PM2 issues 4 iovar set calls, then the SetPm ioctl itself.
	for i := 1; i <= 5; i++ {
		hdr := waitForSentFrame(t, b, i)
		d.ch.DeliverResponse(hdr, nil)
	}
	if err := <-done; err != nil {
		t.Fatalf("SetPowerSaveMode: %v", err)
	}
}

func TestSetPMKIDRejectsOverflow(t *testing.T) {
	d, _ := newTestDriver(t)
	entries := make([]wire.PMKIDEntry, wire.MaxPMKIDCacheEntries+1)
	err := d.SetPMKID(context.Background(), 0, entries)
	if err == nil {
		t.Fatal("SetPMKID: want ErrNoResourcesForPmkidCache")
	}
}

func TestJoinMarksInterfaceInvalidOnFailure(t *testing.T) {
	d, b := newTestDriver(t)
	stop := make(chan struct{})
	go autoReply(d, b, stop)
	defer close(stop)
	if err := d.SetUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	ifc, err := d.AddInterface(RoleSta, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Context already canceled: prepare/associate fail immediately.
	_, _ = ifc.Join(ctx, join.Parameters{SSID: "net", Security: join.SecurityOpen, BSSType: wire.BSSTypeInfrastructure})
	if ifc.Role != RoleInvalid {
		t.Fatalf("Role=%v, want RoleInvalid after a failed join", ifc.Role)
	}
}

func TestExternalAuthRequestThenStop(t *testing.T) {
	d, _ := newTestDriver(t)
	ifc, err := d.AddInterface(RoleSta, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(chan wire.EventHeader, 1)
	if err := ifc.ExternalAuthRequest(func(hdr wire.EventHeader, payload []byte) { seen <- hdr }); err != nil {
		t.Fatal(err)
	}
	if err := ifc.ExternalAuthRequest(func(wire.EventHeader, []byte) {}); err == nil {
		t.Fatal("ExternalAuthRequest: want error on duplicate registration")
	}
	d.disp.Dispatch(wire.EventHeader{EventType: wire.EvExtAuthReq}.Encode(nil))
	select {
	case <-seen:
	default:
		t.Fatal("callback was not invoked")
	}
	ifc.StopExternalAuthRequest()
	ifc.StopExternalAuthRequest() // idempotent.
}

// autoReply answers every request sent to the bus with a success status,
// until stop is closed.
func autoReply(d *Driver, b *simbus.Bus, stop <-chan struct{}) {
	seen := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		sent := b.Sent()
		if len(sent) <= seen {
			time.Sleep(time.Millisecond)
			continue
		}
		hdr := wire.DecodeFrameHeader(sent[seen])
		seen++
		d.ch.DeliverResponse(hdr, nil)
	}
}
