// Package linux drives a single local Bluetooth controller over a raw HCI
// user-channel socket to run one side of an ACL throughput measurement
// (spec.md §4).
package linux

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimble-tools/aclthroughput/linux/internal/cmd"
	"github.com/nimble-tools/aclthroughput/linux/internal/device"
	"github.com/nimble-tools/aclthroughput/linux/internal/event"
	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
	"github.com/nimble-tools/aclthroughput/linux/internal/l2cap"
	"github.com/nimble-tools/aclthroughput/linux/internal/state"
)

// Common init prelude masks, grounded on hci_device.py's init(): enable the
// events and LE subevents this engine's router understands, nothing more.
const (
	eventMask   = uint64(0x200080000204e090)
	leEventMask = uint64(0x00000007FFFFFFFF)
)

// Engine drives one local controller through one throughput run: the
// common init prelude, the connection handshake, and the L2CAP data
// connection (Data) that the caller's transmit pump or receive/verify loop
// runs over (spec.md §4.5, §4.6, §4.7).
type Engine struct {
	log *logrus.Entry

	dev io.ReadWriteCloser
	cmd *cmd.Cmd
	evt *event.Event
	l2c *l2cap.L2CAP
	st  *state.Controller

	ltk [16]byte

	connectedc    chan event.LEEnhancedConnectionCompleteEP
	dataLenc      chan event.LEDataLengthChangeEP
	phyc          chan event.LEPHYUpdateCompleteEP
	encryptionc   chan event.EncryptionChangeEP
	disconnectedc chan event.DisconnectionCompleteEP
}

// Open binds a raw HCI user-channel socket to controller devIndex and
// starts routing its events (spec.md §4.2, §4.4).
func Open(devIndex int, log *logrus.Entry) (*Engine, error) {
	d, err := device.NewSocket(devIndex)
	if err != nil {
		return nil, hci.NewError(hci.KindTransportBindError, fmt.Sprintf("hci%d", devIndex), err)
	}

	e := &Engine{
		log: log,
		dev: d,
		cmd: cmd.NewCmd(d, log),
		evt: event.NewEvent(),
		st:  state.New(),

		connectedc:    make(chan event.LEEnhancedConnectionCompleteEP, 1),
		dataLenc:      make(chan event.LEDataLengthChangeEP, 1),
		phyc:          make(chan event.LEPHYUpdateCompleteEP, 1),
		encryptionc:   make(chan event.EncryptionChangeEP, 1),
		disconnectedc: make(chan event.DisconnectionCompleteEP, 1),
	}

	e.evt.HandleEvent(hci.EvCommandComplete, event.HandlerFunc(e.cmd.HandleComplete))
	e.evt.HandleEvent(hci.EvCommandStatus, event.HandlerFunc(e.cmd.HandleStatus))
	e.evt.HandleEvent(hci.EvDisconnectionComplete, event.HandlerFunc(e.handleDisconnectionComplete))
	e.evt.HandleEvent(hci.EvEncryptionChange, event.HandlerFunc(e.handleEncryptionChange))
	e.evt.HandleEvent(hci.EvLEMeta, event.HandlerFunc(e.handleLEMeta))
	e.evt.HandleEventDefault(event.HandlerFunc(e.handleUnrecognized))

	go e.readLoop()
	return e, nil
}

func (e *Engine) Close() error {
	return e.dev.Close()
}

func (e *Engine) State() *state.Controller { return e.st }

// SetLongTermKey configures the key this engine will hand back on an
// LE-Long-Term-Key-Request during the run (spec.md §4.6).
func (e *Engine) SetLongTermKey(ltk [16]byte) { e.ltk = ltk }

func (e *Engine) readLoop() {
	b := make([]byte, 4096)
	for {
		n, err := e.dev.Read(b)
		if err != nil || n == 0 {
			return
		}
		p := make([]byte, n)
		copy(p, b[:n])
		e.handlePacket(p)
	}
}

func (e *Engine) handlePacket(b []byte) {
	if len(b) == 0 {
		return
	}
	typ, body := hci.PacketType(b[0]), b[1:]
	var err error
	switch typ {
	case hci.TypACLDataPkt:
		if e.l2c != nil {
			err = e.l2c.HandleL2CAP(body)
		}
	case hci.TypEventPkt:
		err = e.evt.Dispatch(body)
	default:
		e.log.WithField("type", fmt.Sprintf("0x%02x", b[0])).Debug("hci: unhandled packet type")
		return
	}
	if err == nil {
		return
	}
	if hci.Is(err, hci.KindUnknownEvent) {
		e.log.Debug(err)
		return
	}
	e.log.Warn(err)
}

func (e *Engine) handleUnrecognized(b []byte) error {
	return hci.NewError(hci.KindUnknownEvent, "no handler registered", nil)
}

func (e *Engine) handleDisconnectionComplete(b []byte) error {
	var ep event.DisconnectionCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	e.st.ClearConnection()
	if e.l2c != nil {
		e.l2c.HandleDisconnectionComplete(b)
	}
	select {
	case e.disconnectedc <- ep:
	default:
	}
	switch ep.Reason {
	case hci.ReasonConnectionTimeout, hci.ReasonConnectionFailedToBeEstablished:
		return hci.NewError(hci.KindLinkLost, fmt.Sprintf("disconnected: reason=0x%02x", ep.Reason), nil)
	default:
		e.log.WithField("reason", fmt.Sprintf("0x%02x", ep.Reason)).Info("hci: disconnected")
	}
	return nil
}

func (e *Engine) handleEncryptionChange(b []byte) error {
	var ep event.EncryptionChangeEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	select {
	case e.encryptionc <- ep:
	default:
	}
	return nil
}

func (e *Engine) handleLEMeta(b []byte) error {
	if len(b) < 1 {
		return hci.NewError(hci.KindMalformedFrame, "le-meta short", nil)
	}
	code := hci.LEEventCode(b[0])
	body := b[1:]
	switch code {
	case hci.LEEnhancedConnectionComplete:
		var ep event.LEEnhancedConnectionCompleteEP
		if err := ep.Unmarshal(body); err != nil {
			return err
		}
		e.st.SetConnection(ep.ConnectionHandle, ep.PeerAddress)
		select {
		case e.connectedc <- ep:
		default:
		}
	case hci.LEDataLengthChange:
		var ep event.LEDataLengthChangeEP
		if err := ep.Unmarshal(body); err != nil {
			return err
		}
		e.st.SetMaxDataLength(ep.MaxTxOctets, ep.MaxTxTime, ep.MaxRxOctets, ep.MaxRxTime)
		select {
		case e.dataLenc <- ep:
		default:
		}
	case hci.LEPHYUpdateComplete:
		var ep event.LEPHYUpdateCompleteEP
		if err := ep.Unmarshal(body); err != nil {
			return err
		}
		e.st.SetPHY(ep.TxPHY, ep.RxPHY)
		select {
		case e.phyc <- ep:
		default:
		}
	case hci.LELongTermKeyRequest:
		var ep event.LELongTermKeyRequestEP
		if err := ep.Unmarshal(body); err != nil {
			return err
		}
		_, err := e.cmd.Send(cmd.LELTKRequestReply{ConnectionHandle: ep.ConnectionHandle, LongTermKey: e.ltk})
		return err
	case hci.LEChannelSelectionAlgorithm:
		// recorded for logging only (spec.md §4.4): no waiter.
		var ep event.LEChannelSelectionAlgorithmEP
		if err := ep.Unmarshal(body); err != nil {
			return err
		}
		e.log.WithField("algorithm", ep.Algorithm).Debug("hci: channel selection algorithm")
	default:
		e.log.WithField("subevent", fmt.Sprintf("0x%02x", uint8(code))).Debug("hci: unhandled LE-Meta subevent")
	}
	return nil
}

// Init runs the prelude every run performs regardless of role: reset,
// optionally set the local random address, arm the event masks, and read
// back the controller facts later steps depend on (spec.md §4.6 step 1).
func (e *Engine) Init(ownAddr [6]byte, ownAddrType uint8) error {
	if err := e.cmd.SendAndCheckResp(cmd.Reset{}, []byte{0x00}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if ownAddrType == AddressTypeStaticRandom {
		if err := e.cmd.SendAndCheckResp(cmd.LESetRandomAddress{RandomAddress: ownAddr}, []byte{0x00}); err != nil {
			return fmt.Errorf("set random address: %w", err)
		}
	}
	e.st.SetAddress(ownAddr, ownAddrType == AddressTypeStaticRandom)

	if err := e.cmd.SendAndCheckResp(cmd.SetEventMask{EventMask: eventMask}, []byte{0x00}); err != nil {
		return fmt.Errorf("set event mask: %w", err)
	}
	if err := e.cmd.SendAndCheckResp(cmd.LESetEventMask{LEEventMask: leEventMask}, []byte{0x00}); err != nil {
		return fmt.Errorf("le set event mask: %w", err)
	}

	raw, err := e.cmd.Send(cmd.LEReadLocalSupportedFeatures{})
	if err != nil {
		return fmt.Errorf("le read local supported features: %w", err)
	}
	var featRP cmd.LEReadLocalSupportedFeaturesRP
	if err := featRP.Unmarshal(raw); err != nil {
		return err
	}
	e.st.SetSupportedFeatures(featRP.LEFeatures)

	raw, err = e.cmd.Send(cmd.LEReadBufferSize{})
	if err != nil {
		return fmt.Errorf("le read buffer size: %w", err)
	}
	var bufRP cmd.LEReadBufferSizeRP
	if err := bufRP.Unmarshal(raw); err != nil {
		return err
	}
	e.st.SetLEBufferSize(bufRP.HCLEACLDataPacketLength, bufRP.HCTotalNumLEACLDataPackets)
	e.l2c = l2cap.NewL2CAP(e.cmd, e.dev, int(bufRP.HCTotalNumLEACLDataPackets), int(bufRP.HCLEACLDataPacketLength))
	e.evt.HandleEvent(hci.EvNumberOfCompletedPkts, event.HandlerFunc(e.l2c.HandleNumberOfCompletedPkts))

	raw, err = e.cmd.Send(cmd.LEReadMaximumDataLength{})
	if err != nil {
		return fmt.Errorf("le read maximum data length: %w", err)
	}
	var maxRP cmd.LEReadMaximumDataLengthRP
	if err := maxRP.Unmarshal(raw); err != nil {
		return err
	}
	e.st.SetMaxDataLength(maxRP.SupportedMaxTxOctets, maxRP.SupportedMaxTxTime, maxRP.SupportedMaxRxOctets, maxRP.SupportedMaxRxTime)
	return nil
}

// CheckPacketSize verifies a configured application payload size fits
// within the controller's supported maximum TX octets once the 4-byte
// L2CAP header is added, the way spec.md's scenario 4 requires this be
// caught before the data pump starts rather than silently truncated or
// rejected mid-run. Call after Init, once LE-Read-Maximum-Data-Length has
// populated the controller state.
func (e *Engine) CheckPacketSize(bytesPerPacket int) error {
	maxTxOctets, _, _, _ := e.st.MaxDataLength()
	if bytesPerPacket+4 > int(maxTxOctets) {
		return hci.NewError(hci.KindConfigurationError,
			fmt.Sprintf("bytes_number_in_packet=%d (+4 byte L2CAP header) exceeds controller max tx octets=%d", bytesPerPacket, maxTxOctets), nil)
	}
	return nil
}

// WaitConnected blocks for the connection result of a preceding
// LE-Create-Connection or an accepted advertisement.
func (e *Engine) WaitConnected(timeout time.Duration) (event.LEEnhancedConnectionCompleteEP, error) {
	select {
	case ep := <-e.connectedc:
		return ep, nil
	case <-time.After(timeout):
		return event.LEEnhancedConnectionCompleteEP{}, hci.NewError(hci.KindConnectTimeout, "no LE-Enhanced-Connection-Complete", nil)
	}
}

// SetDataLength requests the maximum data length on the active link and
// waits for the controller to confirm it, the way both sides do before
// starting the data pump (spec.md §4.6 step 2).
func (e *Engine) SetDataLength(handle uint16, txOctets, txTime uint16, timeout time.Duration) (event.LEDataLengthChangeEP, error) {
	if _, err := e.cmd.Send(cmd.LESetDataLength{ConnectionHandle: handle, TxOctets: txOctets, TxTime: txTime}); err != nil {
		return event.LEDataLengthChangeEP{}, err
	}
	select {
	case ep := <-e.dataLenc:
		return ep, nil
	case <-time.After(timeout):
		return event.LEDataLengthChangeEP{}, hci.NewError(hci.KindCommandTimeout, "no LE-Data-Length-Change", nil)
	}
}

// SetPHY requests phy on the active link, refusing PHYs the controller
// hasn't advertised support for (spec.md §4.6 step 3).
func (e *Engine) SetPHY(handle uint16, phy uint8, timeout time.Duration) (event.LEPHYUpdateCompleteEP, error) {
	switch phy {
	case hci.PHY2M:
		if !e.st.SupportsFeature(hci.LEFeature2MPHY) {
			return event.LEPHYUpdateCompleteEP{}, hci.NewError(hci.KindUnsupportedPHY, "2M PHY not supported by this controller", nil)
		}
	case hci.PHYCoded:
		if !e.st.SupportsFeature(hci.LEFeatureCodedPHY) {
			return event.LEPHYUpdateCompleteEP{}, hci.NewError(hci.KindUnsupportedPHY, "coded PHY not supported by this controller", nil)
		}
	}
	mask := uint8(1) << (phy - 1)
	if _, err := e.cmd.Send(cmd.LESetPHY{ConnectionHandle: handle, AllPHYs: 0, TxPHYs: mask, RxPHYs: mask}); err != nil {
		return event.LEPHYUpdateCompleteEP{}, err
	}
	select {
	case ep := <-e.phyc:
		return ep, nil
	case <-time.After(timeout):
		return event.LEPHYUpdateCompleteEP{}, hci.NewError(hci.KindCommandTimeout, "no LE-PHY-Update-Complete", nil)
	}
}

// EnableEncryption starts encryption on the active link (transmitter side
// only: spec.md §4.6 step 4) and waits for it to take effect.
func (e *Engine) EnableEncryption(handle uint16, ltk [16]byte, timeout time.Duration) (event.EncryptionChangeEP, error) {
	cp := cmd.LEEnableEncryption{ConnectionHandle: handle, RandomNumber: 0, EncryptedDiversifier: 0, LongTermKey: ltk}
	if _, err := e.cmd.Send(cp); err != nil {
		return event.EncryptionChangeEP{}, err
	}
	select {
	case ep := <-e.encryptionc:
		if ep.EncryptionEnabled == 0 {
			return ep, hci.NewError(hci.KindEncryptionFailed, "controller reported encryption disabled", nil)
		}
		return ep, nil
	case <-time.After(timeout):
		return event.EncryptionChangeEP{}, hci.NewError(hci.KindEncryptionFailed, "no Encryption-Change", nil)
	}
}

// WaitDisconnected blocks until the link drops.
func (e *Engine) WaitDisconnected(timeout time.Duration) (event.DisconnectionCompleteEP, error) {
	select {
	case ep := <-e.disconnectedc:
		return ep, nil
	case <-time.After(timeout):
		return event.DisconnectionCompleteEP{}, hci.NewError(hci.KindLinkLost, "no Disconnection-Complete", nil)
	}
}

// Advertise turns undirected legato advertising on or off, including the
// fixed advertising-parameters call the receiver side issues before it
// (spec.md §4.6 receiver sequence).
func (e *Engine) Advertise(enable bool, intervalMin, intervalMax uint16, channelMap uint8) error {
	if enable {
		if err := e.cmd.SendAndCheckResp(cmd.LESetAdvertisingParameters{
			AdvertisingIntervalMin: intervalMin,
			AdvertisingIntervalMax: intervalMax,
			AdvertisingType:        0x00, // ADV_IND
			OwnAddressType:         0x00,
			AdvertisingChannelMap:  channelMap,
		}, []byte{0x00}); err != nil {
			return err
		}
	}
	v := uint8(0)
	if enable {
		v = 1
	}
	return e.cmd.SendAndCheckResp(cmd.LESetAdvertiseEnable{AdvertisingEnable: v}, []byte{0x00})
}

// Connect issues LE-Create-Connection against peerAddr (spec.md §4.6
// transmitter sequence). The result arrives asynchronously; call
// WaitConnected after this returns.
func (e *Engine) Connect(peerAddr [6]byte, peerAddrType uint8, connIntervalMin, connIntervalMax, supervisionTimeout uint16) error {
	_, err := e.cmd.Send(cmd.LECreateConnection{
		LEScanInterval:        0x0004,
		LEScanWindow:          0x0004,
		InitiatorFilterPolicy: 0x00,
		PeerAddressType:       peerAddrType,
		PeerAddress:           peerAddr,
		OwnAddressType:        0x00,
		ConnIntervalMin:       connIntervalMin,
		ConnIntervalMax:       connIntervalMax,
		ConnLatency:           0,
		SupervisionTimeout:    supervisionTimeout,
		MinimumCELength:       0,
		MaximumCELength:       0,
	})
	return err
}

// Data binds handle to a new L2CAP connection, replacing any previous one,
// and returns it. The L2CAP layer is created by Init, so Data must not be
// called before Init has succeeded.
func (e *Engine) Data(handle uint16) *l2cap.Conn {
	return e.l2c.Open(handle)
}
