// Package hci defines the wire-level constants and error taxonomy shared by
// the codec, command dispatcher and event router: packet-type octets,
// (ogf,ocf) opcodes from the Host Control / Info Param / LE Controller
// opcode groups, and HCI event codes and LE subevent codes.
package hci

import "fmt"

// PacketType is the leading octet of every frame on the HCI transport.
type PacketType uint8

const (
	TypCommandPkt PacketType = 0x01
	TypACLDataPkt PacketType = 0x02
	TypSCODataPkt PacketType = 0x03
	TypEventPkt   PacketType = 0x04
	TypVendorPkt  PacketType = 0xFF
)

// Opcode Group Field values.
const (
	OGFLinkCtl   = 0x01
	OGFHostCtl   = 0x03
	OGFInfoParam = 0x04
	OGFLECtl     = 0x08
	OGFVendor    = 0x3f
)

// Opcode is the 16-bit command identifier: ogf in the high 6 bits, ocf in
// the low 10.
type Opcode uint16

// MakeOpcode builds an Opcode the way the controller expects it on the wire.
func MakeOpcode(ogf, ocf uint16) Opcode {
	return Opcode((ogf << 10) | (ocf & 0x03ff))
}

// OGF returns the opcode group field.
func (op Opcode) OGF() uint16 { return uint16(op) >> 10 }

// OCF returns the opcode command field.
func (op Opcode) OCF() uint16 { return uint16(op) & 0x03ff }

// Commands used by this engine (spec.md §6).
const (
	OpReset                            = Opcode((OGFHostCtl << 10) | 0x0003)
	OpSetEventMask                     = Opcode((OGFHostCtl << 10) | 0x0001)
	OpReadLocalSupportedCommands       = Opcode((OGFInfoParam << 10) | 0x0002)
	OpReadBDADDR                       = Opcode((OGFInfoParam << 10) | 0x0009)
	OpLESetEventMask                   = Opcode((OGFLECtl << 10) | 0x0001)
	OpLEReadBufferSize                 = Opcode((OGFLECtl << 10) | 0x0002)
	OpLEReadLocalSupportedFeatures     = Opcode((OGFLECtl << 10) | 0x0003)
	OpLESetRandomAddress               = Opcode((OGFLECtl << 10) | 0x0005)
	OpLESetAdvertisingParameters       = Opcode((OGFLECtl << 10) | 0x0006)
	OpLESetAdvertiseEnable             = Opcode((OGFLECtl << 10) | 0x000a)
	OpLESetScanParameters              = Opcode((OGFLECtl << 10) | 0x000b)
	OpLESetScanEnable                  = Opcode((OGFLECtl << 10) | 0x000c)
	OpLECreateConnection               = Opcode((OGFLECtl << 10) | 0x000d)
	OpLEEnableEncryption               = Opcode((OGFLECtl << 10) | 0x0019)
	OpLELTKRequestReply                = Opcode((OGFLECtl << 10) | 0x001a)
	OpLESetDataLength                  = Opcode((OGFLECtl << 10) | 0x0022)
	OpLEReadSuggestedDefaultDataLength = Opcode((OGFLECtl << 10) | 0x0023)
	OpLEReadMaximumDataLength          = Opcode((OGFLECtl << 10) | 0x002f)
	OpLEReadPHY                        = Opcode((OGFLECtl << 10) | 0x0030)
	OpLESetDefaultPHY                  = Opcode((OGFLECtl << 10) | 0x0031)
	OpLESetPHY                         = Opcode((OGFLECtl << 10) | 0x0032)
	OpVendorReadStaticAddress          = Opcode((OGFVendor << 10) | 0x0001)
)

var opcodeName = map[Opcode]string{
	OpReset:                            "Reset",
	OpSetEventMask:                     "SetEventMask",
	OpReadLocalSupportedCommands:       "ReadLocalSupportedCommands",
	OpReadBDADDR:                       "ReadBDADDR",
	OpLESetEventMask:                   "LESetEventMask",
	OpLEReadBufferSize:                 "LEReadBufferSize",
	OpLEReadLocalSupportedFeatures:     "LEReadLocalSupportedFeatures",
	OpLESetRandomAddress:               "LESetRandomAddress",
	OpLESetAdvertisingParameters:       "LESetAdvertisingParameters",
	OpLESetAdvertiseEnable:             "LESetAdvertiseEnable",
	OpLESetScanParameters:              "LESetScanParameters",
	OpLESetScanEnable:                  "LESetScanEnable",
	OpLECreateConnection:               "LECreateConnection",
	OpLEEnableEncryption:               "LEEnableEncryption",
	OpLELTKRequestReply:                "LELTKRequestReply",
	OpLESetDataLength:                  "LESetDataLength",
	OpLEReadSuggestedDefaultDataLength: "LEReadSuggestedDefaultDataLength",
	OpLEReadMaximumDataLength:          "LEReadMaximumDataLength",
	OpLEReadPHY:                        "LEReadPHY",
	OpLESetDefaultPHY:                  "LESetDefaultPHY",
	OpLESetPHY:                         "LESetPHY",
	OpVendorReadStaticAddress:          "VendorReadStaticAddress",
}

func (op Opcode) String() string {
	if n, ok := opcodeName[op]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(ogf=0x%02x,ocf=0x%04x)", op.OGF(), op.OCF())
}

// EventCode identifies an HCI event (spec.md §6).
type EventCode uint8

const (
	EvDisconnectionComplete EventCode = 0x05
	EvEncryptionChange      EventCode = 0x08
	EvCommandComplete       EventCode = 0x0e
	EvCommandStatus         EventCode = 0x0f
	EvNumberOfCompletedPkts EventCode = 0x13
	EvLEMeta                EventCode = 0x3e
)

// LEEventCode identifies an LE-Meta subevent.
type LEEventCode uint8

const (
	LELongTermKeyRequest         LEEventCode = 0x05
	LEDataLengthChange           LEEventCode = 0x07
	LEEnhancedConnectionComplete LEEventCode = 0x0a
	LEPHYUpdateComplete          LEEventCode = 0x0c
	LEChannelSelectionAlgorithm  LEEventCode = 0x14
)

// Disconnection reasons the orchestrator treats specially (spec.md §4.8).
const (
	ReasonConnectionTimeout               = 0x08
	ReasonConnectionFailedToBeEstablished = 0x3e
)

// L2CAPChannelData is the fixed channel id the data pump uses (spec.md §6).
const L2CAPChannelData = 0x0044

// PHY values as placed in tx_phys/rx_phys of LE-Set-PHY.
const (
	PHY1M    = 1
	PHY2M    = 2
	PHYCoded = 3
)

// LE feature bits gating PHY selection (spec.md §4.6).
const (
	LEFeature2MPHY    = uint64(0x0100)
	LEFeatureCodedPHY = uint64(0x0800)
)

// Kind tags the closed error taxonomy of spec.md §7.
type Kind int

const (
	KindMalformedFrame Kind = iota
	KindUnknownEvent
	KindCommandTimeout
	KindConnectTimeout
	KindLinkLost
	KindUnsupportedPHY
	KindEncryptionFailed
	KindTransportBindError
	KindConfigurationError
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindMalformedFrame:
		return "MalformedFrame"
	case KindUnknownEvent:
		return "UnknownEvent"
	case KindCommandTimeout:
		return "CommandTimeout"
	case KindConnectTimeout:
		return "ConnectTimeout"
	case KindLinkLost:
		return "LinkLost"
	case KindUnsupportedPHY:
		return "UnsupportedPHY"
	case KindEncryptionFailed:
		return "EncryptionFailed"
	case KindTransportBindError:
		return "TransportBindError"
	case KindConfigurationError:
		return "ConfigurationError"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the tagged result type errors in this engine are reported as.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a Kind-tagged error, optionally wrapping a cause.
func NewError(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
