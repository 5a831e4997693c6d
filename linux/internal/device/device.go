// Package device opens the raw HCI user-channel socket this engine talks
// to a controller over, power-cycling the controller once and retrying if
// the initial bind fails (spec.md §4.2).
package device

import (
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/nimble-tools/aclthroughput/linux/internal/socket"
)

type device struct {
	fd  int
	rmu sync.Mutex
	wmu sync.Mutex
}

// NewSocket binds a HCI_CHANNEL_USER socket to controller index n. If the
// first bind fails, it power-cycles the controller (HCIDEVDOWN then
// HCIDEVUP) and retries once; a second failure is fatal (spec.md §4.2).
func NewSocket(n int) (io.ReadWriteCloser, error) {
	fd, err := bindUserChannel(n)
	if err == nil {
		return fd, nil
	}

	if resetErr := resetController(n); resetErr != nil {
		return nil, fmt.Errorf("bind hci%d failed (%v), recovery reset also failed: %v", n, err, resetErr)
	}

	fd, err = bindUserChannel(n)
	if err != nil {
		return nil, fmt.Errorf("bind hci%d failed after controller reset: %w", n, err)
	}
	return fd, nil
}

func bindUserChannel(n int) (*device, error) {
	fd, err := socket.Socket()
	if err != nil {
		return nil, err
	}
	if err := socket.Bind(fd, n); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	if err := socket.SetRecvBufSize(fd, 500000); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return &device{fd: fd}, nil
}

// resetController power-cycles controller n via HCIDEVDOWN/HCIDEVUP on a
// throwaway raw HCI socket, the way the original tooling shells out to
// `btmgmt power off/on` between bind retries.
func resetController(n int) error {
	fd, err := socket.Socket()
	if err != nil {
		return err
	}
	defer syscall.Close(fd)

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctlHCIDevDown), uintptr(n)); errno != 0 {
		return errno
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(ctlHCIDevUp), uintptr(n)); errno != 0 {
		return errno
	}
	return nil
}

func (d *device) Read(b []byte) (int, error) {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	return syscall.Read(d.fd, b)
}

func (d *device) Write(b []byte) (int, error) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return syscall.Write(d.fd, b)
}

func (d *device) Close() error {
	return syscall.Close(d.fd)
}
