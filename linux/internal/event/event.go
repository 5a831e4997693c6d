// Package event decodes HCI events and LE-Meta subevents and dispatches
// them to registered handlers.
package event

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
)

type EventHandler interface {
	HandleEvent([]byte) error
}

type HandlerFunc func(b []byte) error

func (f HandlerFunc) HandleEvent(b []byte) error {
	return f(b)
}

// Event routes decoded HCI events to per-code handlers. It is the single
// cooperative consumer the transport's reader goroutine feeds (spec.md §4.4).
type Event struct {
	evtHandlers    map[hci.EventCode]EventHandler
	defaultHandler EventHandler
}

func NewEvent() *Event {
	return &Event{
		evtHandlers:    map[hci.EventCode]EventHandler{},
		defaultHandler: nil,
	}
}

func (e *Event) HandleEvent(c hci.EventCode, h EventHandler) {
	e.evtHandlers[c] = h
}

func (e *Event) HandleEventDefault(h EventHandler) {
	e.defaultHandler = h
}

// Dispatch decodes the event header and routes the parameter bytes to the
// registered handler, or to the default handler if none is registered for
// the code. With neither, it returns a KindUnknownEvent error, which the
// caller logs rather than treats as fatal: spec.md §4.1 treats unrecognized
// events as ignorable.
func (e *Event) Dispatch(b []byte) error {
	h := &EventHeader{}
	if err := h.Unmarshal(b); err != nil {
		return err
	}
	b = b[2:]
	if f, found := e.evtHandlers[h.Code]; found {
		return f.HandleEvent(b)
	}
	if e.defaultHandler != nil {
		return e.defaultHandler.HandleEvent(b)
	}
	return hci.NewError(hci.KindUnknownEvent, fmt.Sprintf("event code 0x%02x", uint8(h.Code)), nil)
}

type EventHeader struct {
	Code hci.EventCode
	Plen uint8
}

func (h *EventHeader) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errors.New("malformed header")
	}
	h.Code = hci.EventCode(b[0])
	h.Plen = b[1]
	if uint8(len(b)) != 2+h.Plen {
		return errors.New("wrong length")
	}
	return nil
}

func (h *EventHeader) String() string {
	return fmt.Sprintf("> HCI Event: 0x%02X plen: %02X", uint8(h.Code), h.Plen)
}

// Event parameters used by this engine (spec.md §6).

type CommandCompleteEP struct {
	NumHCICommandPackets uint8
	CommandOpcode        uint16
	ReturnParameters     []byte
}

func (ep *CommandCompleteEP) Unmarshal(b []byte) error {
	buf := bytes.NewBuffer(b)
	if err := binary.Read(buf, binary.LittleEndian, &ep.NumHCICommandPackets); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.LittleEndian, &ep.CommandOpcode); err != nil {
		return err
	}
	ep.ReturnParameters = buf.Bytes()
	return nil
}

type CommandStatusEP struct {
	Status               uint8
	NumHCICommandPackets uint8
	CommandOpcode        uint16
}

func (ep *CommandStatusEP) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep)
}

type DisconnectionCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func (ep *DisconnectionCompleteEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}

type EncryptionChangeEP struct {
	Status            uint8
	ConnectionHandle  uint16
	EncryptionEnabled uint8
}

func (ep *EncryptionChangeEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}

type NumOfCompletedPkt struct {
	ConnectionHandle   uint16
	NumOfCompletedPkts uint16
}

type NumberOfCompletedPktsEP struct {
	NumberOfHandles uint8
	Packets         []NumOfCompletedPkt
}

func (ep *NumberOfCompletedPktsEP) Unmarshal(b []byte) error {
	ep.NumberOfHandles = b[0]
	n := int(ep.NumberOfHandles)
	buf := bytes.NewBuffer(b[1:])
	ep.Packets = make([]NumOfCompletedPkt, n)
	for i := 0; i < n; i++ {
		if err := binary.Read(buf, binary.LittleEndian, &ep.Packets[i]); err != nil {
			return err
		}
		ep.Packets[i].ConnectionHandle &= 0x0fff
	}
	return nil
}

// LEEnhancedConnectionCompleteEP is LE-Meta subevent 0x0a.
type LEEnhancedConnectionCompleteEP struct {
	Status                        uint8
	ConnectionHandle              uint16
	Role                          uint8
	PeerAddressType               uint8
	PeerAddress                   [6]byte
	LocalResolvablePrivateAddress [6]byte
	PeerResolvablePrivateAddress  [6]byte
	ConnInterval                  uint16
	ConnLatency                   uint16
	SupervisionTimeout            uint16
	CentralClockAccuracy          uint8
}

func (ep *LEEnhancedConnectionCompleteEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}

// LEDataLengthChangeEP is LE-Meta subevent 0x07.
type LEDataLengthChangeEP struct {
	ConnectionHandle uint16
	MaxTxOctets      uint16
	MaxTxTime        uint16
	MaxRxOctets      uint16
	MaxRxTime        uint16
}

func (ep *LEDataLengthChangeEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}

// LEPHYUpdateCompleteEP is LE-Meta subevent 0x0c.
type LEPHYUpdateCompleteEP struct {
	Status           uint8
	ConnectionHandle uint16
	TxPHY            uint8
	RxPHY            uint8
}

func (ep *LEPHYUpdateCompleteEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}

// LELongTermKeyRequestEP is LE-Meta subevent 0x05.
type LELongTermKeyRequestEP struct {
	ConnectionHandle     uint16
	RandomNumber         uint64
	EncryptedDiversifier uint16
}

func (ep *LELongTermKeyRequestEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}

// LEChannelSelectionAlgorithmEP is LE-Meta subevent 0x14. Recorded for
// logging only; spec.md §4.4 assigns it no waiter.
type LEChannelSelectionAlgorithmEP struct {
	ConnectionHandle uint16
	Algorithm        uint8
}

func (ep *LEChannelSelectionAlgorithmEP) Unmarshal(b []byte) error {
	if err := binary.Read(bytes.NewBuffer(b), binary.LittleEndian, ep); err != nil {
		return err
	}
	ep.ConnectionHandle &= 0x0fff
	return nil
}
