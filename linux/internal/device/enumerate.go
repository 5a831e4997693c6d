package device

import (
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

const maxDevices = 16

var (
	ctlGetDeviceList = ioctl.IOR('H', 210, unsafe.Sizeof(deviceListRequest{}))
	ctlGetDeviceInfo = ioctl.IOR('H', 211, unsafe.Sizeof(DeviceInfo{}))
)

type deviceRequest struct {
	DevID  uint16
	DevOpt uint32
}

type deviceListRequest struct {
	DevNum  uint16
	Devices [maxDevices]deviceRequest
}

// DeviceStats mirrors struct hci_dev_stats from linux/hci.h.
type DeviceStats struct {
	ErrRx  uint32
	ErrTx  uint32
	CmdTx  uint32
	EvtRx  uint32
	AclTx  uint32
	AclRx  uint32
	ScoTx  uint32
	ScoRx  uint32
	ByteRx uint32
	ByteTx uint32
}

// DeviceInfo mirrors struct hci_dev_info from linux/hci.h.
type DeviceInfo struct {
	DevID uint16
	name  [8]byte

	btAddr [6]byte

	Flags   uint32
	DevType uint8

	Features [8]uint8

	PktType    uint32
	LinkPolicy uint32
	LinkMode   uint32

	ACLMtu  uint16
	ACLPkts uint16
	ScoMtu  uint16
	ScoPkts uint16

	Stats DeviceStats
}

func (d *DeviceInfo) Name() string { return string(d.name[:]) }

// Address returns the controller's reported BD_ADDR in human-readable
// order. DeviceInfo carries it wire-order (LSB first), same as ReadBDADDR's
// raw return parameters, so the octets are reversed here.
func (d *DeviceInfo) Address() [6]byte {
	return [6]byte{d.btAddr[5], d.btAddr[4], d.btAddr[3], d.btAddr[2], d.btAddr[1], d.btAddr[0]}
}

// Up reports whether the controller is currently powered on (HCI_UP).
func (d *DeviceInfo) Up() bool { return d.Flags&1 != 0 }

// Enumerate lists the HCI controllers the kernel currently knows about, the
// way linux/devices.go's GetDeviceList did, rewritten against
// golang.org/x/sys/unix and the goioctl request-code builder instead of the
// teacher's missing gioctl/socket packages (spec.md §4.2: operators need
// this to pick devIndex for two local controllers).
func Enumerate() ([]*DeviceInfo, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	req := deviceListRequest{DevNum: maxDevices}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctlGetDeviceList), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return nil, errno
	}

	infos := make([]*DeviceInfo, 0, req.DevNum)
	for i := 0; i < int(req.DevNum); i++ {
		info := &DeviceInfo{DevID: req.Devices[i].DevID}
		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctlGetDeviceInfo), uintptr(unsafe.Pointer(info))); errno != 0 {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}
