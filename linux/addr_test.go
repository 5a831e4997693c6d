package linux

import "testing"

func TestGenerateStaticRandomAddressSetsTagBits(t *testing.T) {
	for i := 0; i < 50; i++ {
		addr, err := GenerateStaticRandomAddress()
		if err != nil {
			t.Fatalf("GenerateStaticRandomAddress: %v", err)
		}
		if addr[0]&0xc0 != 0xc0 {
			t.Fatalf("top two bits of addr[0] = 0x%02x, want 0xc0 set", addr[0])
		}
		if isDegenerateStaticAddress(addr) {
			t.Fatalf("generated degenerate address %v", addr)
		}
	}
}

func TestIsDegenerateStaticAddress(t *testing.T) {
	cases := []struct {
		name string
		addr [6]byte
		want bool
	}{
		{"all zero below tag bits", [6]byte{0xc0, 0, 0, 0, 0, 0}, true},
		{"all one below tag bits", [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, true},
		{"mixed", [6]byte{0xc0, 0x02, 0x03, 0x04, 0x05, 0x01}, false},
	}
	for _, tt := range cases {
		if got := isDegenerateStaticAddress(tt.addr); got != tt.want {
			t.Errorf("%s: isDegenerateStaticAddress(%v) = %v, want %v", tt.name, tt.addr, got, tt.want)
		}
	}
}
