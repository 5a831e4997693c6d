package state

import "testing"

func TestSetAddress(t *testing.T) {
	c := New()
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	c.SetAddress(addr, true)
	got, static := c.Address()
	if got != addr {
		t.Errorf("Address() = %v, want %v", got, addr)
	}
	if !static {
		t.Errorf("Address() static = false, want true")
	}
}

func TestSupportsFeature(t *testing.T) {
	c := New()
	c.SetSupportedFeatures(0x0100) // 2M PHY only
	if !c.SupportsFeature(0x0100) {
		t.Errorf("SupportsFeature(2M) = false, want true")
	}
	if c.SupportsFeature(0x0800) {
		t.Errorf("SupportsFeature(coded) = true, want false")
	}
	if c.SupportsFeature(0x0900) {
		t.Errorf("SupportsFeature(2M|coded) = true, want false: only 2M is set")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	c := New()
	peer := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	c.SetConnection(0x0040, peer)

	handle, gotPeer := c.Connection()
	if handle != 0x0040 || gotPeer != peer {
		t.Errorf("Connection() = (0x%04x, %v), want (0x0040, %v)", handle, gotPeer, peer)
	}

	c.ClearConnection()
	handle, gotPeer = c.Connection()
	if handle != 0 || gotPeer != ([6]byte{}) {
		t.Errorf("Connection() after Clear = (0x%04x, %v), want zero values", handle, gotPeer)
	}
}

func TestMaxDataLengthAndPHY(t *testing.T) {
	c := New()
	c.SetMaxDataLength(251, 2120, 251, 2120)
	tx, txt, rx, rxt := c.MaxDataLength()
	if tx != 251 || txt != 2120 || rx != 251 || rxt != 2120 {
		t.Errorf("MaxDataLength() = (%d,%d,%d,%d), want (251,2120,251,2120)", tx, txt, rx, rxt)
	}

	c.SetPHY(2, 2)
	tphy, rphy := c.PHY()
	if tphy != 2 || rphy != 2 {
		t.Errorf("PHY() = (%d,%d), want (2,2)", tphy, rphy)
	}
}
