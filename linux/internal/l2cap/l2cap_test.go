package l2cap

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimble-tools/aclthroughput/linux/internal/cmd"
)

func testLogger() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestWriteFragmentsAcrossBufferSize(t *testing.T) {
	var dev bytes.Buffer
	c := cmd.NewCmd(&dev, testLogger())
	l := NewL2CAP(c, &dev, 16, 8) // tiny buffer size forces fragmentation

	conn := l.Open(0x0001)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} // 4-byte L2CAP header + 10 bytes > bufSize

	done := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write blocked waiting on credits that were never consumed")
	}

	// every fragment is framed as [pkt type][4-byte ACL header][payload];
	// the 14-byte SDU (4 header + 10 data) splits into an 8-byte and a 6-byte
	// fragment, so total written bytes are 2 fragments * 5 bytes of framing
	// plus the 14-byte SDU = 24.
	if dev.Len() != 24 {
		t.Errorf("wrote %d bytes to the device, want 24", dev.Len())
	}
}

func TestHandleNumberOfCompletedPktsDrainsCredits(t *testing.T) {
	var dev bytes.Buffer
	c := cmd.NewCmd(&dev, testLogger())
	l := NewL2CAP(c, &dev, 1, 64)

	l.bufCnt <- struct{}{} // simulate one in-flight fragment

	frame := []byte{
		0x01,       // number of handles
		0x01, 0x00, // connection handle
		0x01, 0x00, // num completed
	}
	if err := l.HandleNumberOfCompletedPkts(frame); err != nil {
		t.Fatalf("HandleNumberOfCompletedPkts: %v", err)
	}

	select {
	case l.bufCnt <- struct{}{}:
	default:
		t.Errorf("credit channel still full after completion was reported")
	}
}

func TestHandleL2CAPDropsUnknownHandle(t *testing.T) {
	var dev bytes.Buffer
	c := cmd.NewCmd(&dev, testLogger())
	l := NewL2CAP(c, &dev, 4, 64)
	l.Open(0x0001)

	frame := []byte{
		0x02, 0x00, // handle 2, PB/BC flags 0
		0x04, 0x00, // data total length
		0x00, 0x00, 0x44, 0x00, // L2CAP header: len=0, cid=0x0044
	}
	if err := l.HandleL2CAP(frame); err != nil {
		t.Fatalf("HandleL2CAP: %v", err)
	}
}

func TestHandleDisconnectionCompleteClosesConn(t *testing.T) {
	var dev bytes.Buffer
	c := cmd.NewCmd(&dev, testLogger())
	l := NewL2CAP(c, &dev, 4, 64)
	conn := l.Open(0x0001)

	frame := []byte{0x00, 0x01, 0x00, 0x13}
	if err := l.HandleDisconnectionComplete(frame); err != nil {
		t.Fatalf("HandleDisconnectionComplete: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Errorf("Read on a closed connection succeeded, want EOF")
	}
}

func TestAclDataUnmarshalRejectsShortFrame(t *testing.T) {
	a := &aclData{}
	if err := a.Unmarshal([]byte{0x01, 0x02}); err == nil {
		t.Errorf("Unmarshal accepted a frame shorter than the ACL header")
	}
}

func TestAclDataUnmarshalRejectsLengthMismatch(t *testing.T) {
	a := &aclData{}
	frame := []byte{0x01, 0x00, 0x05, 0x00, 0x01, 0x02} // dlen=5 but only 2 bytes follow
	if err := a.Unmarshal(frame); err == nil {
		t.Errorf("Unmarshal accepted a frame with mismatched declared length")
	}
}
