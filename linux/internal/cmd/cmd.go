// Package cmd sends HCI commands and correlates their completion, the way
// linux/internal/cmd in the teacher's repository drove GATT setup commands.
package cmd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/nimble-tools/aclthroughput/linux/internal/event"
	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
)

// CmdParam is anything that can be sent as the parameters of an HCI command.
type CmdParam interface {
	Marshal([]byte)
	Opcode() hci.Opcode
	Len() int
}

func NewCmd(d io.Writer, log *logrus.Entry) *Cmd {
	c := &Cmd{
		dev:     d,
		log:     log,
		sent:    []*cmdPkt{},
		compc:   make(chan event.CommandCompleteEP),
		statusc: make(chan event.CommandStatusEP),
	}
	go c.processCmdEvents()
	return c
}

type cmdPkt struct {
	op   hci.Opcode
	cp   CmdParam
	done chan []byte
}

func (c cmdPkt) marshal() []byte {
	b := make([]byte, 1+2+1+c.cp.Len())
	b[0] = byte(hci.TypCommandPkt)
	b[1], b[2] = byte(c.op), byte(c.op>>8)
	b[3] = byte(c.cp.Len())
	c.cp.Marshal(b[4:])
	return b
}

// Cmd sends commands on dev and matches their Command-Complete or
// Command-Status event to the call that sent them (spec.md §4.3).
type Cmd struct {
	dev     io.Writer
	log     *logrus.Entry
	sent    []*cmdPkt
	compc   chan event.CommandCompleteEP
	statusc chan event.CommandStatusEP
}

func (c *Cmd) HandleComplete(b []byte) error {
	var ep event.CommandCompleteEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	c.compc <- ep
	return nil
}

func (c *Cmd) HandleStatus(b []byte) error {
	var ep event.CommandStatusEP
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	c.statusc <- ep
	return nil
}

// Send writes cp's command packet and blocks until its Command-Complete's
// return parameters arrive (or, for a command that only ever gets a
// Command-Status, until that status closes the wait with no parameters).
func (c *Cmd) Send(cp CmdParam) ([]byte, error) {
	op := cp.Opcode()
	p := &cmdPkt{op: op, cp: cp, done: make(chan []byte)}
	raw := p.marshal()

	c.sent = append(c.sent, p)
	if n, err := c.dev.Write(raw); err != nil {
		return nil, err
	} else if n != len(raw) {
		return nil, errors.New("failed to send whole cmd pkt to HCI socket")
	}
	return <-p.done, nil
}

// SendAndCheckResp sends cp and verifies the returned status byte is one of
// exp's values.
func (c *Cmd) SendAndCheckResp(cp CmdParam, exp []byte) error {
	rsp, err := c.Send(cp)
	if err != nil {
		return err
	}
	if len(exp) == 0 {
		return nil
	}
	if len(rsp) == 0 || !bytes.Contains(exp, rsp[0:1]) {
		return hci.NewError(hci.KindCommandTimeout, fmt.Sprintf("%s returned unexpected status", cp.Opcode()), nil)
	}
	return nil
}

// processCmdEvents matches each arriving Command-Status/Command-Complete to
// the in-flight command with the same opcode. A status or complete that
// matches no sent command is logged, not treated as fatal: the controller
// may legitimately emit events the router has no waiter for.
func (c *Cmd) processCmdEvents() {
	for {
		select {
		case status := <-c.statusc:
			found := false
			for i, p := range c.sent {
				if uint16(p.op) == status.CommandOpcode {
					found = true
					c.sent = append(c.sent[:i], c.sent[i+1:]...)
					close(p.done)
					break
				}
			}
			if !found {
				c.log.Warnf("cmd: no pending command for CommandStatusEP: %+v", status)
			}
		case comp := <-c.compc:
			found := false
			for i, p := range c.sent {
				if uint16(p.op) == comp.CommandOpcode {
					found = true
					c.sent = append(c.sent[:i], c.sent[i+1:]...)
					p.done <- comp.ReturnParameters
					break
				}
			}
			if !found {
				c.log.Warnf("cmd: no pending command for CommandCompleteEP: %+v", comp)
			}
		}
	}
}

type order struct{ binary.ByteOrder }

var o = order{binary.LittleEndian}

func (o order) PutUint8(b []byte, v uint8) { b[0] = v }
func (o order) PutMAC(b []byte, m [6]byte) {
	b[0], b[1], b[2], b[3], b[4], b[5] = m[5], m[4], m[3], m[2], m[1], m[0]
}

// Reset (OGF Host Control, OCF 0x0003).
type Reset struct{}

func (c Reset) Opcode() hci.Opcode   { return hci.OpReset }
func (c Reset) Len() int             { return 0 }
func (c Reset) Marshal(b []byte)     {}

type ResetRP struct{ Status uint8 }

// SetEventMask (OGF Host Control, OCF 0x0001).
type SetEventMask struct{ EventMask uint64 }

func (c SetEventMask) Opcode() hci.Opcode { return hci.OpSetEventMask }
func (c SetEventMask) Len() int           { return 8 }
func (c SetEventMask) Marshal(b []byte)   { o.PutUint64(b, c.EventMask) }

type SetEventMaskRP struct{ Status uint8 }

// ReadLocalSupportedCommands (OGF Info Param, OCF 0x0002).
type ReadLocalSupportedCommands struct{}

func (c ReadLocalSupportedCommands) Opcode() hci.Opcode { return hci.OpReadLocalSupportedCommands }
func (c ReadLocalSupportedCommands) Len() int           { return 0 }
func (c ReadLocalSupportedCommands) Marshal(b []byte)   {}

type ReadLocalSupportedCommandsRP struct {
	Status   uint8
	Commands [64]byte
}

func (rp *ReadLocalSupportedCommandsRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// ReadBDADDR (OGF Info Param, OCF 0x0009).
type ReadBDADDR struct{}

func (c ReadBDADDR) Opcode() hci.Opcode { return hci.OpReadBDADDR }
func (c ReadBDADDR) Len() int           { return 0 }
func (c ReadBDADDR) Marshal(b []byte)   {}

type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

func (rp *ReadBDADDRRP) Unmarshal(b []byte) error {
	if len(b) != 7 {
		return hci.NewError(hci.KindMalformedFrame, "read-bdaddr return length", nil)
	}
	rp.Status = b[0]
	// Controllers report BD_ADDR octets LSB-first; reverse to the MSB-first
	// order the rest of this package keeps addresses in (spec.md §3a).
	rp.BDADDR = [6]byte{b[6], b[5], b[4], b[3], b[2], b[1]}
	return nil
}

// LESetEventMask (OGF LE Controller, OCF 0x0001).
type LESetEventMask struct{ LEEventMask uint64 }

func (c LESetEventMask) Opcode() hci.Opcode { return hci.OpLESetEventMask }
func (c LESetEventMask) Len() int           { return 8 }
func (c LESetEventMask) Marshal(b []byte)   { o.PutUint64(b, c.LEEventMask) }

type LESetEventMaskRP struct{ Status uint8 }

// LEReadBufferSize (OGF LE Controller, OCF 0x0002).
type LEReadBufferSize struct{}

func (c LEReadBufferSize) Opcode() hci.Opcode { return hci.OpLEReadBufferSize }
func (c LEReadBufferSize) Len() int           { return 0 }
func (c LEReadBufferSize) Marshal(b []byte)   {}

type LEReadBufferSizeRP struct {
	Status                     uint8
	HCLEACLDataPacketLength    uint16
	HCTotalNumLEACLDataPackets uint8
}

func (rp *LEReadBufferSizeRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LEReadLocalSupportedFeatures (OGF LE Controller, OCF 0x0003).
type LEReadLocalSupportedFeatures struct{}

func (c LEReadLocalSupportedFeatures) Opcode() hci.Opcode {
	return hci.OpLEReadLocalSupportedFeatures
}
func (c LEReadLocalSupportedFeatures) Len() int         { return 0 }
func (c LEReadLocalSupportedFeatures) Marshal(b []byte) {}

type LEReadLocalSupportedFeaturesRP struct {
	Status     uint8
	LEFeatures uint64
}

func (rp *LEReadLocalSupportedFeaturesRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LESetRandomAddress (OGF LE Controller, OCF 0x0005).
type LESetRandomAddress struct{ RandomAddress [6]byte }

func (c LESetRandomAddress) Opcode() hci.Opcode { return hci.OpLESetRandomAddress }
func (c LESetRandomAddress) Len() int           { return 6 }
func (c LESetRandomAddress) Marshal(b []byte)   { o.PutMAC(b, c.RandomAddress) }

type LESetRandomAddressRP struct{ Status uint8 }

// LESetAdvertisingParameters (OGF LE Controller, OCF 0x0006).
type LESetAdvertisingParameters struct {
	AdvertisingIntervalMin  uint16
	AdvertisingIntervalMax  uint16
	AdvertisingType         uint8
	OwnAddressType          uint8
	DirectAddressType       uint8
	DirectAddress           [6]byte
	AdvertisingChannelMap   uint8
	AdvertisingFilterPolicy uint8
}

func (c LESetAdvertisingParameters) Opcode() hci.Opcode { return hci.OpLESetAdvertisingParameters }
func (c LESetAdvertisingParameters) Len() int           { return 15 }
func (c LESetAdvertisingParameters) Marshal(b []byte) {
	o.PutUint16(b[0:], c.AdvertisingIntervalMin)
	o.PutUint16(b[2:], c.AdvertisingIntervalMax)
	o.PutUint8(b[4:], c.AdvertisingType)
	o.PutUint8(b[5:], c.OwnAddressType)
	o.PutUint8(b[6:], c.DirectAddressType)
	o.PutMAC(b[7:], c.DirectAddress)
	o.PutUint8(b[13:], c.AdvertisingChannelMap)
	o.PutUint8(b[14:], c.AdvertisingFilterPolicy)
}

type LESetAdvertisingParametersRP struct{ Status uint8 }

// LESetAdvertiseEnable (OGF LE Controller, OCF 0x000a).
type LESetAdvertiseEnable struct{ AdvertisingEnable uint8 }

func (c LESetAdvertiseEnable) Opcode() hci.Opcode { return hci.OpLESetAdvertiseEnable }
func (c LESetAdvertiseEnable) Len() int           { return 1 }
func (c LESetAdvertiseEnable) Marshal(b []byte)   { o.PutUint8(b, c.AdvertisingEnable) }

type LESetAdvertiseEnableRP struct{ Status uint8 }

// LESetScanParameters (OGF LE Controller, OCF 0x000b).
type LESetScanParameters struct {
	LEScanType           uint8
	LEScanInterval       uint16
	LEScanWindow         uint16
	OwnAddressType       uint8
	ScanningFilterPolicy uint8
}

func (c LESetScanParameters) Opcode() hci.Opcode { return hci.OpLESetScanParameters }
func (c LESetScanParameters) Len() int           { return 7 }
func (c LESetScanParameters) Marshal(b []byte) {
	o.PutUint8(b[0:], c.LEScanType)
	o.PutUint16(b[1:], c.LEScanInterval)
	o.PutUint16(b[3:], c.LEScanWindow)
	o.PutUint8(b[5:], c.OwnAddressType)
	o.PutUint8(b[6:], c.ScanningFilterPolicy)
}

type LESetScanParametersRP struct{ Status uint8 }

// LESetScanEnable (OGF LE Controller, OCF 0x000c).
type LESetScanEnable struct {
	LEScanEnable     uint8
	FilterDuplicates uint8
}

func (c LESetScanEnable) Opcode() hci.Opcode { return hci.OpLESetScanEnable }
func (c LESetScanEnable) Len() int           { return 2 }
func (c LESetScanEnable) Marshal(b []byte) {
	o.PutUint8(b[0:], c.LEScanEnable)
	o.PutUint8(b[1:], c.FilterDuplicates)
}

type LESetScanEnableRP struct{ Status uint8 }

// LECreateConnection (OGF LE Controller, OCF 0x000d). Status arrives via
// Command-Status; the connection result arrives later as an LE-Meta event.
type LECreateConnection struct {
	LEScanInterval        uint16
	LEScanWindow          uint16
	InitiatorFilterPolicy uint8
	PeerAddressType       uint8
	PeerAddress           [6]byte
	OwnAddressType        uint8
	ConnIntervalMin       uint16
	ConnIntervalMax       uint16
	ConnLatency           uint16
	SupervisionTimeout    uint16
	MinimumCELength       uint16
	MaximumCELength       uint16
}

func (c LECreateConnection) Opcode() hci.Opcode { return hci.OpLECreateConnection }
func (c LECreateConnection) Len() int           { return 25 }
func (c LECreateConnection) Marshal(b []byte) {
	o.PutUint16(b[0:], c.LEScanInterval)
	o.PutUint16(b[2:], c.LEScanWindow)
	o.PutUint8(b[4:], c.InitiatorFilterPolicy)
	o.PutUint8(b[5:], c.PeerAddressType)
	o.PutMAC(b[6:], c.PeerAddress)
	o.PutUint8(b[12:], c.OwnAddressType)
	o.PutUint16(b[13:], c.ConnIntervalMin)
	o.PutUint16(b[15:], c.ConnIntervalMax)
	o.PutUint16(b[17:], c.ConnLatency)
	o.PutUint16(b[19:], c.SupervisionTimeout)
	o.PutUint16(b[21:], c.MinimumCELength)
	o.PutUint16(b[23:], c.MaximumCELength)
}

// LEEnableEncryption (OGF LE Controller, OCF 0x0019, a.k.a. LE Start
// Encryption). Result arrives as an Encryption-Change event, not a return
// parameter; Command-Status only reports the command was accepted.
type LEEnableEncryption struct {
	ConnectionHandle     uint16
	RandomNumber         uint64
	EncryptedDiversifier uint16
	LongTermKey          [16]byte
}

func (c LEEnableEncryption) Opcode() hci.Opcode { return hci.OpLEEnableEncryption }
func (c LEEnableEncryption) Len() int           { return 28 }
func (c LEEnableEncryption) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	o.PutUint64(b[2:], c.RandomNumber)
	o.PutUint16(b[10:], c.EncryptedDiversifier)
	copy(b[12:28], c.LongTermKey[:])
}

// LELTKRequestReply (OGF LE Controller, OCF 0x001a).
type LELTKRequestReply struct {
	ConnectionHandle uint16
	LongTermKey      [16]byte
}

func (c LELTKRequestReply) Opcode() hci.Opcode { return hci.OpLELTKRequestReply }
func (c LELTKRequestReply) Len() int           { return 18 }
func (c LELTKRequestReply) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	copy(b[2:18], c.LongTermKey[:])
}

type LELTKRequestReplyRP struct {
	Status           uint8
	ConnectionHandle uint16
}

func (rp *LELTKRequestReplyRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LESetDataLength (OGF LE Controller, OCF 0x0022).
type LESetDataLength struct {
	ConnectionHandle uint16
	TxOctets         uint16
	TxTime           uint16
}

func (c LESetDataLength) Opcode() hci.Opcode { return hci.OpLESetDataLength }
func (c LESetDataLength) Len() int           { return 6 }
func (c LESetDataLength) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	o.PutUint16(b[2:], c.TxOctets)
	o.PutUint16(b[4:], c.TxTime)
}

type LESetDataLengthRP struct {
	Status           uint8
	ConnectionHandle uint16
}

func (rp *LESetDataLengthRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LEReadSuggestedDefaultDataLength (OGF LE Controller, OCF 0x0023).
type LEReadSuggestedDefaultDataLength struct{}

func (c LEReadSuggestedDefaultDataLength) Opcode() hci.Opcode {
	return hci.OpLEReadSuggestedDefaultDataLength
}
func (c LEReadSuggestedDefaultDataLength) Len() int         { return 0 }
func (c LEReadSuggestedDefaultDataLength) Marshal(b []byte) {}

type LEReadSuggestedDefaultDataLengthRP struct {
	Status               uint8
	SuggestedMaxTxOctets uint16
	SuggestedMaxTxTime   uint16
}

func (rp *LEReadSuggestedDefaultDataLengthRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LEReadMaximumDataLength (OGF LE Controller, OCF 0x002f).
type LEReadMaximumDataLength struct{}

func (c LEReadMaximumDataLength) Opcode() hci.Opcode { return hci.OpLEReadMaximumDataLength }
func (c LEReadMaximumDataLength) Len() int           { return 0 }
func (c LEReadMaximumDataLength) Marshal(b []byte)   {}

type LEReadMaximumDataLengthRP struct {
	Status               uint8
	SupportedMaxTxOctets uint16
	SupportedMaxTxTime   uint16
	SupportedMaxRxOctets uint16
	SupportedMaxRxTime   uint16
}

func (rp *LEReadMaximumDataLengthRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LEReadPHY (OGF LE Controller, OCF 0x0030).
type LEReadPHY struct{ ConnectionHandle uint16 }

func (c LEReadPHY) Opcode() hci.Opcode { return hci.OpLEReadPHY }
func (c LEReadPHY) Len() int           { return 2 }
func (c LEReadPHY) Marshal(b []byte)   { o.PutUint16(b, c.ConnectionHandle) }

type LEReadPHYRP struct {
	Status           uint8
	ConnectionHandle uint16
	TxPHY            uint8
	RxPHY            uint8
}

func (rp *LEReadPHYRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}

// LESetDefaultPHY (OGF LE Controller, OCF 0x0031).
type LESetDefaultPHY struct {
	AllPHYs uint8
	TxPHYs  uint8
	RxPHYs  uint8
}

func (c LESetDefaultPHY) Opcode() hci.Opcode { return hci.OpLESetDefaultPHY }
func (c LESetDefaultPHY) Len() int           { return 3 }
func (c LESetDefaultPHY) Marshal(b []byte) {
	o.PutUint8(b[0:], c.AllPHYs)
	o.PutUint8(b[1:], c.TxPHYs)
	o.PutUint8(b[2:], c.RxPHYs)
}

type LESetDefaultPHYRP struct{ Status uint8 }

// LESetPHY (OGF LE Controller, OCF 0x0032). Result arrives as an
// LE-PHY-Update-Complete event; Command-Status only reports acceptance.
type LESetPHY struct {
	ConnectionHandle uint16
	AllPHYs          uint8
	TxPHYs           uint8
	RxPHYs           uint8
	PHYOptions       uint16
}

func (c LESetPHY) Opcode() hci.Opcode { return hci.OpLESetPHY }
func (c LESetPHY) Len() int           { return 7 }
func (c LESetPHY) Marshal(b []byte) {
	o.PutUint16(b[0:], c.ConnectionHandle)
	o.PutUint8(b[2:], c.AllPHYs)
	o.PutUint8(b[3:], c.TxPHYs)
	o.PutUint8(b[4:], c.RxPHYs)
	o.PutUint16(b[5:], c.PHYOptions)
}

// VendorReadStaticAddress (OGF Vendor, OCF 0x0001) reads the controller's
// factory-programmed static random address, where supported.
type VendorReadStaticAddress struct{}

func (c VendorReadStaticAddress) Opcode() hci.Opcode { return hci.OpVendorReadStaticAddress }
func (c VendorReadStaticAddress) Len() int           { return 0 }
func (c VendorReadStaticAddress) Marshal(b []byte)   {}

type VendorReadStaticAddressRP struct {
	Status        uint8
	StaticAddress [6]byte
}

func (rp *VendorReadStaticAddressRP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, rp)
}
