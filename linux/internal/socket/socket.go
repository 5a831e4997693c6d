// Package socket wraps the raw HCI user-channel socket operations this
// engine needs on top of golang.org/x/sys/unix: opening an AF_BLUETOOTH/
// BTPROTO_HCI socket bound to HCI_CHANNEL_USER, with the bind-retry
// behavior the teacher's syscall-based socket package used (spec.md §4.2).
package socket

import (
	"time"

	"golang.org/x/sys/unix"
)

// HCIChannelUser exclusively binds the raw socket to one controller,
// bypassing the kernel's Bluetooth stack (spec.md §4.2).
const HCIChannelUser = 1

// Socket opens an AF_BLUETOOTH/BTPROTO_HCI socket, retrying on EBUSY the
// way the kernel's Bluetooth subsystem can transiently return it while a
// prior session's teardown is still in flight.
func Socket() (int, error) {
	var fd int
	var err error
	for i := 0; i < 5; i++ {
		fd, err = unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
		if err == nil || err != unix.EBUSY {
			return fd, err
		}
		time.Sleep(time.Second)
	}
	return 0, unix.EBUSY
}

// Bind binds fd to the user channel of controller dev, retrying on EBUSY.
func Bind(fd, dev int) error {
	sa := &unix.SockaddrHCI{Dev: uint16(dev), Channel: HCIChannelUser}
	var err error
	for i := 0; i < 5; i++ {
		if err = unix.Bind(fd, sa); err == nil || err != unix.EBUSY {
			return err
		}
		time.Sleep(time.Second)
	}
	return unix.EBUSY
}

// SetRecvBufSize raises SO_RCVBUF so bursts of ACL data don't overrun the
// kernel socket buffer before the reader goroutine drains them.
func SetRecvBufSize(fd, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}
