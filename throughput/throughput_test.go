package throughput

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenDataAndPacketNumberRoundTrip(t *testing.T) {
	const packetLen = 20
	fp := NewFingerprint(packetLen)

	var last uint32
	for n := 0; n < 5; n++ {
		var pkt []byte
		pkt, last = GenData(packetLen, last)
		if len(pkt) != packetLen {
			t.Fatalf("GenData returned %d bytes, want %d", len(pkt), packetLen)
		}
		got, err := PacketNumber(pkt, fp)
		if err != nil {
			t.Fatalf("PacketNumber: %v", err)
		}
		if got != int64(n) {
			t.Errorf("PacketNumber(packet %d) = %d, want %d", n, got, n)
		}
	}
}

func TestGenDataLeadingRemainderBytesUntouched(t *testing.T) {
	const packetLen = 11 // rem = 3
	pkt, _ := GenData(packetLen, 0)
	for i := 0; i < 3; i++ {
		if pkt[i] != 0 {
			t.Errorf("leading remainder byte %d = %d, want 0", i, pkt[i])
		}
	}
}

func TestPacketNumberRejectsShortPacket(t *testing.T) {
	if _, err := PacketNumber([]byte{1, 2, 3}, NewFingerprint(20)); err == nil {
		t.Errorf("PacketNumber accepted a packet shorter than 4 bytes")
	}
}

func TestRecorderAppendAndAverage(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "rx", 20, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	if err := rec.Append(0, 1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := rec.Append(time.Second, 100); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(rec.Path()); err != nil {
		t.Errorf("recorder file missing: %v", err)
	}
	if filepath.Dir(rec.Path()) != dir {
		t.Errorf("recorder file in %s, want %s", filepath.Dir(rec.Path()), dir)
	}

	avg := AverageKbps(20*8, 100, 0, time.Second)
	if avg <= 0 {
		t.Errorf("AverageKbps = %f, want > 0", avg)
	}
}

func TestSaveAverageAppendsRows(t *testing.T) {
	dir := t.TempDir()
	if err := SaveAverage(dir, 123.456); err != nil {
		t.Fatalf("SaveAverage: %v", err)
	}
	if err := SaveAverage(dir, 78.9); err != nil {
		t.Fatalf("SaveAverage: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "average_rx_tp.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(b) == 0 {
		t.Errorf("average_rx_tp.csv is empty")
	}
}
