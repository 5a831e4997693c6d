package linux

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimble-tools/aclthroughput/linux/internal/cmd"
	"github.com/nimble-tools/aclthroughput/linux/internal/event"
	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
	"github.com/nimble-tools/aclthroughput/linux/internal/state"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func newTestEngine() *Engine {
	buf := nopCloser{&bytes.Buffer{}}
	return &Engine{
		log:           logrus.NewEntry(logrus.New()),
		dev:           buf,
		cmd:           cmd.NewCmd(buf, logrus.NewEntry(logrus.New())),
		evt:           event.NewEvent(),
		st:            state.New(),
		connectedc:    make(chan event.LEEnhancedConnectionCompleteEP, 1),
		dataLenc:      make(chan event.LEDataLengthChangeEP, 1),
		phyc:          make(chan event.LEPHYUpdateCompleteEP, 1),
		encryptionc:   make(chan event.EncryptionChangeEP, 1),
		disconnectedc: make(chan event.DisconnectionCompleteEP, 1),
	}
}

func leMetaFrame(code hci.LEEventCode, body []byte) []byte {
	return append([]byte{byte(code)}, body...)
}

func TestHandleLEMetaConnectionComplete(t *testing.T) {
	e := newTestEngine()
	body := make([]byte, 30)
	body[5] = 0xaa // PeerAddress[0]: offset 5 is Status(1)+ConnectionHandle(2)+Role(1)+PeerAddressType(1)
	if err := e.handleLEMeta(leMetaFrame(hci.LEEnhancedConnectionComplete, body)); err != nil {
		t.Fatalf("handleLEMeta: %v", err)
	}
	select {
	case ep := <-e.connectedc:
		if ep.PeerAddress[0] != 0xaa {
			t.Errorf("PeerAddress[0] = 0x%02x, want 0xaa", ep.PeerAddress[0])
		}
	default:
		t.Fatal("no connection-complete latch fired")
	}
	handle, _ := e.st.Connection()
	_ = handle // handle value depends on body layout; presence is what matters here
}

func TestHandleLEMetaDataLengthChange(t *testing.T) {
	e := newTestEngine()
	body := make([]byte, 10)
	body[2] = 0xfb // MaxTxOctets low byte (offset 2: after the 2-byte ConnectionHandle)
	if err := e.handleLEMeta(leMetaFrame(hci.LEDataLengthChange, body)); err != nil {
		t.Fatalf("handleLEMeta: %v", err)
	}
	select {
	case ep := <-e.dataLenc:
		if ep.MaxTxOctets != 0xfb {
			t.Errorf("MaxTxOctets = %d, want 251", ep.MaxTxOctets)
		}
	default:
		t.Fatal("no data-length latch fired")
	}
}

func TestHandleLEMetaUnknownSubeventIsNotAnError(t *testing.T) {
	e := newTestEngine()
	if err := e.handleLEMeta(leMetaFrame(hci.LEEventCode(0x7f), nil)); err != nil {
		t.Errorf("handleLEMeta(unknown subevent) = %v, want nil", err)
	}
}

func TestHandleDisconnectionCompleteClearsState(t *testing.T) {
	e := newTestEngine()
	e.st.SetConnection(0x0001, [6]byte{1, 2, 3, 4, 5, 6})

	frame := []byte{0x00, 0x01, 0x00, 0x13}
	if err := e.handleDisconnectionComplete(frame); err != nil {
		t.Fatalf("handleDisconnectionComplete: %v", err)
	}
	handle, _ := e.st.Connection()
	if handle != 0 {
		t.Errorf("Connection handle = 0x%04x after disconnect, want 0", handle)
	}
	select {
	case <-e.disconnectedc:
	default:
		t.Errorf("no disconnect latch fired")
	}
}

func TestHandleDisconnectionCompleteReportsLinkLostOnTimeoutReason(t *testing.T) {
	e := newTestEngine()
	e.st.SetConnection(0x0001, [6]byte{1, 2, 3, 4, 5, 6})

	frame := []byte{0x00, 0x01, 0x00, byte(hci.ReasonConnectionTimeout)}
	err := e.handleDisconnectionComplete(frame)
	if !hci.Is(err, hci.KindLinkLost) {
		t.Errorf("handleDisconnectionComplete(reason=connection timeout) = %v, want KindLinkLost", err)
	}
	select {
	case <-e.disconnectedc:
	default:
		t.Errorf("no disconnect latch fired despite the LinkLost reason")
	}
}

func TestHandleDisconnectionCompleteOrdinaryReasonIsNotAnError(t *testing.T) {
	e := newTestEngine()
	frame := []byte{0x00, 0x01, 0x00, 0x13} // 0x13: remote user terminated connection
	if err := e.handleDisconnectionComplete(frame); err != nil {
		t.Errorf("handleDisconnectionComplete(ordinary reason) = %v, want nil", err)
	}
}

func TestSetPHYRejectsUnsupportedFeature(t *testing.T) {
	e := newTestEngine()
	// supportedFeatures left at zero: neither 2M nor coded PHY advertised.
	_, err := e.SetPHY(0x0001, hci.PHY2M, time.Second)
	if !hci.Is(err, hci.KindUnsupportedPHY) {
		t.Errorf("SetPHY with unsupported feature = %v, want KindUnsupportedPHY", err)
	}
}

func TestCheckPacketSizeRejectsOversizedPayload(t *testing.T) {
	e := newTestEngine()
	e.st.SetMaxDataLength(27, 328, 27, 328) // minimum LE data length

	if err := e.CheckPacketSize(24); !hci.Is(err, hci.KindConfigurationError) {
		t.Errorf("CheckPacketSize(24) = %v, want KindConfigurationError (24+4 > 27)", err)
	}
	if err := e.CheckPacketSize(23); err != nil {
		t.Errorf("CheckPacketSize(23) = %v, want nil (23+4 = 27)", err)
	}
}

func TestWaitConnectedTimesOut(t *testing.T) {
	e := newTestEngine()
	_, err := e.WaitConnected(10 * time.Millisecond)
	if !hci.Is(err, hci.KindConnectTimeout) {
		t.Errorf("WaitConnected with nothing pending = %v, want KindConnectTimeout", err)
	}
}

func TestHandlePacketRoutesACLOnlyWhenL2CAPOpen(t *testing.T) {
	e := newTestEngine()
	// No l2c wired yet: an ACL data packet must be silently dropped, not panic.
	e.handlePacket(append([]byte{byte(hci.TypACLDataPkt)}, []byte{0x01, 0x00, 0x00, 0x00}...))
}
