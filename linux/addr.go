package linux

import (
	"crypto/rand"
	"fmt"

	"github.com/nimble-tools/aclthroughput/linux/internal/cmd"
)

// AddressType values as carried in HCI address-type fields.
const (
	AddressTypePublic       = 0x00
	AddressTypeStaticRandom = 0x01
)

// DiscoverAddress determines the controller's own address, the way
// check_addr.py does: Read-BD-ADDR first; if that comes back all-zero, try
// the vendor Read-Static-Address command; if that is also all-zero,
// generate a static random address for this run (spec.md §4.6, §3a).
func DiscoverAddress(c *cmd.Cmd) (addr [6]byte, addrType uint8, err error) {
	raw, err := c.Send(cmd.ReadBDADDR{})
	if err != nil {
		return addr, 0, fmt.Errorf("read bd_addr: %w", err)
	}
	var rp cmd.ReadBDADDRRP
	if err := rp.Unmarshal(raw); err != nil {
		return addr, 0, err
	}
	if rp.BDADDR != ([6]byte{}) {
		return rp.BDADDR, AddressTypePublic, nil
	}

	raw, err = c.Send(cmd.VendorReadStaticAddress{})
	if err == nil {
		var vrp cmd.VendorReadStaticAddressRP
		if uerr := vrp.Unmarshal(raw); uerr == nil && vrp.StaticAddress != ([6]byte{}) {
			return vrp.StaticAddress, AddressTypeStaticRandom, nil
		}
	}

	addr, err = GenerateStaticRandomAddress()
	return addr, AddressTypeStaticRandom, err
}

// GenerateStaticRandomAddress produces a static random address: the two
// most significant bits of the top octet (addr[0], the MSB octet in this
// package's address convention — see o.PutMAC/ReadBDADDRRP.Unmarshal) set
// to 1 (BLE static random address format), with the remaining bits
// genuinely random (not all-0 or all-1), matching hci.py's
// gen_static_rand_addr.
func GenerateStaticRandomAddress() ([6]byte, error) {
	var addr [6]byte
	for {
		if _, err := rand.Read(addr[:]); err != nil {
			return addr, err
		}
		addr[0] |= 0xc0 // top two bits of the MSB octet: static random
		if isDegenerateStaticAddress(addr) {
			continue
		}
		return addr, nil
	}
}

// isDegenerateStaticAddress reports whether every non-tag bit of addr is
// uniformly 0 or uniformly 1 (excluding the two fixed tag bits in addr[0]).
func isDegenerateStaticAddress(addr [6]byte) bool {
	masked := addr
	masked[0] &^= 0xc0
	allZero := true
	allOne := true
	for i, b := range masked {
		want := byte(0xff)
		if i == 0 {
			want = 0x3f
		}
		if b != 0 {
			allZero = false
		}
		if b != want {
			allOne = false
		}
	}
	return allZero || allOne
}
