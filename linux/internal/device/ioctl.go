package device

import (
	ioctl "github.com/daedaluz/goioctl"
)

// HCIDEVUP/HCIDEVDOWN request codes, built the way Daedaluz-gousb/usbfs
// builds its USBDEVFS_* request codes: ioctl.IO(type, nr) for a request
// with no argument payload.
var (
	ctlHCIDevUp   = ioctl.IO('H', 201)
	ctlHCIDevDown = ioctl.IO('H', 202)
	ctlHCIDevRst  = ioctl.IO('H', 203)
)
