package linux

import "github.com/nimble-tools/aclthroughput/linux/internal/device"

// ControllerInfo describes one HCI controller known to the kernel.
type ControllerInfo struct {
	DevIndex int
	Name     string
	Address  [6]byte
	Up       bool
}

// ListControllers enumerates the HCI controllers currently registered with
// the kernel, so an operator picking two local adapters for a throughput
// run doesn't have to guess indexes (spec.md §4.2).
func ListControllers() ([]ControllerInfo, error) {
	infos, err := device.Enumerate()
	if err != nil {
		return nil, err
	}
	out := make([]ControllerInfo, 0, len(infos))
	for _, i := range infos {
		out = append(out, ControllerInfo{
			DevIndex: int(i.DevID),
			Name:     i.Name(),
			Address:  i.Address(),
			Up:       i.Up(),
		})
	}
	return out, nil
}
