package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/gowhd/whd/wire"
)

func TestGetAssociatedClientListRejectsNonAP(t *testing.T) {
	d, _ := newTestDriver(t)
	ifc, err := d.AddInterface(RoleSta, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ifc.GetAssociatedClientList(context.Background(), 4)
	if !errors.Is(err, wire.ErrInvalidRole) {
		t.Fatalf("err=%v, want ErrInvalidRole", err)
	}
}

func TestGetAssociatedClientListNotReadyReturnsEmpty(t *testing.T) {
	d, _ := newTestDriver(t)
	ifc, err := d.AddInterface(RoleAp, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	clients, err := ifc.GetAssociatedClientList(context.Background(), 4)
	if err != nil {
		t.Fatalf("GetAssociatedClientList: %v", err)
	}
	if clients != nil {
		t.Fatalf("clients=%v, want nil when not ready to transceive", clients)
	}
}

func TestGetMACAddressRoundTrips(t *testing.T) {
	d, b := newTestDriver(t)
	ifc, err := d.AddInterface(RoleSta, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	var mac [6]byte
	go func() {
		m, err := ifc.GetMACAddress(context.Background())
		mac = m
		done <- err
	}()
	hdr := waitForSentFrame(t, b, 1)
	want := [6]byte{1, 2, 3, 4, 5, 6}
	d.ch.DeliverResponse(hdr, want[:])
	if err := <-done; err != nil {
		t.Fatalf("GetMACAddress: %v", err)
	}
	if mac != want {
		t.Fatalf("mac=%v, want %v", mac, want)
	}
	if ifc.MAC != want {
		t.Fatalf("ifc.MAC=%v, want %v cached", ifc.MAC, want)
	}
}
