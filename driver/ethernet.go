package driver

import "context"

// EthHandler is invoked once per received Ethernet frame on an
// interface's data path.
type EthHandler func(pkt []byte) error

// RecvEthHandle installs handler for inbound Ethernet frames on this
// interface. A nil handler discards incoming frames, mirroring the
// teacher's own RecvEthHandle contract.
func (ifc *Interface) RecvEthHandle(handler EthHandler) {
	ifc.driver.mu.Lock()
	defer ifc.driver.mu.Unlock()
	ifc.rcvEth = handler
}

// SendEth transmits a raw Ethernet frame over this interface's data
// path. Unlike IOCTL/IOVAR traffic, data frames don't wait for a paired
// response, so this only needs the power interlock's wake guarantee,
// not the command channel's single-outstanding-request serialization.
func (ifc *Interface) SendEth(ctx context.Context, pkt []byte) error {
	release, err := ifc.driver.in.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return ifc.driver.bus.Send(ctx, pkt)
}

// DeliverEth is the receive-side counterpart to SendEth: the platform's
// receive loop calls this for every inbound frame it has identified as
// Ethernet data (as opposed to an IOCTL response or an event), the same
// demultiplexing responsibility the teacher's tryPoll/CONTROL_HEADER
// check carries out against real SDPCM framing. Demultiplexing itself
// is platform-specific and out of scope here, same as DeliverResponse
// and Dispatch: both are injection points a receive loop calls into
// once it already knows what kind of frame it has.
func (d *Driver) DeliverEth(dataPathIndex uint8, pkt []byte) error {
	d.mu.Lock()
	var ifc *Interface
	for _, other := range d.ifaces {
		if other != nil && other.DataPathIndex == dataPathIndex {
			ifc = other
			break
		}
	}
	d.mu.Unlock()
	if ifc == nil || ifc.rcvEth == nil {
		return nil
	}
	return ifc.rcvEth(pkt)
}
