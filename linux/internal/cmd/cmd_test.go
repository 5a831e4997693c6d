package cmd

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
)

func testLogger() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

// fakeDevice answers every write with a synthetic Command-Complete for the
// written command's opcode, carrying the device's one configured status byte.
type fakeDevice struct {
	mu      sync.Mutex
	written [][]byte
	c       *Cmd
	status  byte
}

func (f *fakeDevice) Write(b []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), b...))
	f.mu.Unlock()

	op := hci.Opcode(uint16(b[1]) | uint16(b[2])<<8)
	go f.c.HandleComplete(commandCompleteFrame(op, []byte{f.status}))
	return len(b), nil
}

func commandCompleteFrame(op hci.Opcode, params []byte) []byte {
	b := make([]byte, 3+len(params))
	b[0] = 1
	b[1], b[2] = byte(op), byte(op>>8)
	copy(b[3:], params)
	return b
}

func TestSendReturnsReturnParameters(t *testing.T) {
	fd := &fakeDevice{status: 0x00}
	c := NewCmd(fd, testLogger())
	fd.c = c

	rsp, err := c.Send(Reset{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(rsp) != 1 || rsp[0] != 0x00 {
		t.Errorf("Send returned %v, want [0x00]", rsp)
	}
}

func TestSendAndCheckRespAcceptsExpectedStatus(t *testing.T) {
	fd := &fakeDevice{status: 0x00}
	c := NewCmd(fd, testLogger())
	fd.c = c

	if err := c.SendAndCheckResp(Reset{}, []byte{0x00}); err != nil {
		t.Fatalf("SendAndCheckResp: %v", err)
	}
}

func TestSendAndCheckRespRejectsUnexpectedStatus(t *testing.T) {
	fd := &fakeDevice{status: 0x0c} // HCI error: command disallowed
	c := NewCmd(fd, testLogger())
	fd.c = c

	err := c.SendAndCheckResp(Reset{}, []byte{0x00})
	if !hci.Is(err, hci.KindCommandTimeout) {
		t.Errorf("SendAndCheckResp with bad status = %v, want KindCommandTimeout", err)
	}
}

func TestHandleCompleteWithNoPendingCommandDoesNotBlock(t *testing.T) {
	fd := &fakeDevice{}
	c := NewCmd(fd, testLogger())
	fd.c = c

	done := make(chan error, 1)
	go func() { done <- c.HandleComplete(commandCompleteFrame(hci.OpReset, []byte{0x00})) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("HandleComplete: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("HandleComplete blocked with no pending command")
	}
}

func TestOrderPutMACReversesOctets(t *testing.T) {
	b := make([]byte, 6)
	mac := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	o.PutMAC(b, mac)
	want := []byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}
	for i := range want {
		if b[i] != want[i] {
			t.Errorf("PutMAC octet %d = 0x%02x, want 0x%02x", i, b[i], want[i])
		}
	}
}

func TestCmdPktMarshal(t *testing.T) {
	p := &cmdPkt{op: hci.OpLESetRandomAddress, cp: LESetRandomAddress{RandomAddress: [6]byte{1, 2, 3, 4, 5, 6}}}
	b := p.marshal()
	if b[0] != byte(hci.TypCommandPkt) {
		t.Errorf("packet type = 0x%02x, want 0x%02x", b[0], hci.TypCommandPkt)
	}
	if got := hci.Opcode(uint16(b[1]) | uint16(b[2])<<8); got != hci.OpLESetRandomAddress {
		t.Errorf("opcode = %v, want %v", got, hci.OpLESetRandomAddress)
	}
	if b[3] != 6 {
		t.Errorf("param length = %d, want 6", b[3])
	}
}
