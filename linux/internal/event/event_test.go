package event

import (
	"testing"

	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
)

func TestDispatchRoutesByCode(t *testing.T) {
	e := NewEvent()
	var got []byte
	e.HandleEvent(hci.EvDisconnectionComplete, HandlerFunc(func(b []byte) error {
		got = b
		return nil
	}))

	frame := []byte{byte(hci.EvDisconnectionComplete), 0x04, 0x00, 0x01, 0x00, 0x13}
	if err := e.Dispatch(frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("handler received %d bytes, want 4", len(got))
	}
}

func TestDispatchFallsBackToDefault(t *testing.T) {
	e := NewEvent()
	called := false
	e.HandleEventDefault(HandlerFunc(func(b []byte) error {
		called = true
		return nil
	}))
	frame := []byte{0x22, 0x00}
	if err := e.Dispatch(frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Errorf("default handler was not invoked")
	}
}

func TestDispatchUnknownEventNoDefault(t *testing.T) {
	e := NewEvent()
	frame := []byte{0x22, 0x00}
	err := e.Dispatch(frame)
	if !hci.Is(err, hci.KindUnknownEvent) {
		t.Errorf("Dispatch with no handler = %v, want KindUnknownEvent", err)
	}
}

func TestEventHeaderUnmarshalWrongLength(t *testing.T) {
	h := &EventHeader{}
	if err := h.Unmarshal([]byte{0x0e, 0x05, 0x01}); err == nil {
		t.Errorf("Unmarshal accepted a frame shorter than its declared plen")
	}
}

func TestCommandCompleteEPUnmarshal(t *testing.T) {
	var ep CommandCompleteEP
	b := []byte{0x01, 0x03, 0x0c, 0x00}
	if err := ep.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ep.NumHCICommandPackets != 1 {
		t.Errorf("NumHCICommandPackets = %d, want 1", ep.NumHCICommandPackets)
	}
	if ep.CommandOpcode != uint16(hci.OpReset) {
		t.Errorf("CommandOpcode = 0x%04x, want 0x%04x", ep.CommandOpcode, uint16(hci.OpReset))
	}
	if len(ep.ReturnParameters) != 1 {
		t.Errorf("ReturnParameters len = %d, want 1", len(ep.ReturnParameters))
	}
}

func TestDisconnectionCompleteEPMasksHandle(t *testing.T) {
	var ep DisconnectionCompleteEP
	b := []byte{0x00, 0xff, 0xff, 0x13}
	if err := ep.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ep.ConnectionHandle != 0x0fff {
		t.Errorf("ConnectionHandle = 0x%04x, want 0x0fff", ep.ConnectionHandle)
	}
	if ep.Reason != 0x13 {
		t.Errorf("Reason = 0x%02x, want 0x13", ep.Reason)
	}
}

func TestNumberOfCompletedPktsEPUnmarshal(t *testing.T) {
	var ep NumberOfCompletedPktsEP
	b := []byte{
		0x02,
		0x01, 0x00, 0x05, 0x00,
		0x02, 0x00, 0x03, 0x00,
	}
	if err := ep.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(ep.Packets) != 2 {
		t.Fatalf("Packets len = %d, want 2", len(ep.Packets))
	}
	if ep.Packets[0].ConnectionHandle != 1 || ep.Packets[0].NumOfCompletedPkts != 5 {
		t.Errorf("Packets[0] = %+v, want handle=1 completed=5", ep.Packets[0])
	}
	if ep.Packets[1].ConnectionHandle != 2 || ep.Packets[1].NumOfCompletedPkts != 3 {
		t.Errorf("Packets[1] = %+v, want handle=2 completed=3", ep.Packets[1])
	}
}
