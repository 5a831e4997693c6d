// Package throughput generates the deterministic payloads this engine
// exchanges and records each received packet to CSV so an average can be
// computed afterward, grounded on tools/hci_throughput/throughput.py of the
// original implementation (spec.md §4.7, §8).
package throughput

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Fingerprint is the per-run constant (valid_data_len in the original) that
// PacketNumber derives the sequence number of a received packet from.
type Fingerprint uint32

// NewFingerprint derives K from the configured packet size: K = valid /
// 4, where valid is packetLen with the leading rem = packetLen % 4 bytes
// (the zero bytes GenData leaves) dropped (spec.md §4.7).
func NewFingerprint(packetLen int) Fingerprint {
	rem := packetLen % 4
	return Fingerprint((packetLen - rem) / 4)
}

// GenData fills a packetLen-byte payload with a sequence of little-endian
// uint32 counters, continuing from lastValue, the first rem bytes left
// zero where rem = packetLen % 4 (spec.md §4.7). It returns the payload and
// the final counter value written, for the caller's next call.
func GenData(packetLen int, lastValue uint32) ([]byte, uint32) {
	rem := packetLen % 4
	validLen := (packetLen - rem) / 4

	b := make([]byte, packetLen)
	counter := lastValue + 1
	for i := 0; i < validLen; i++ {
		binary.LittleEndian.PutUint32(b[rem+i*4:], counter)
		counter++
	}
	last := counter - 1
	if validLen == 0 {
		last = lastValue
	}
	return b, last
}

// PacketNumber recovers the 0-based sequence number of a received packet
// from its trailing uint32 counter: counter = (n+1)*K, so n = counter/K - 1
// (spec.md §4.7's receive-side verification).
func PacketNumber(b []byte, k Fingerprint) (int64, error) {
	if len(b) < 4 || k == 0 {
		return 0, fmt.Errorf("throughput: packet too short to carry a fingerprint")
	}
	counter := binary.LittleEndian.Uint32(b[len(b)-4:])
	return int64(counter)/int64(k) - 1, nil
}

// Recorder appends one (timestamp, packet count) row per sample to a CSV
// file, the way Throughput.append_to_csv_file does. The run's average
// throughput is computed separately, by AverageKbps.
type Recorder struct {
	path           string
	totalBitsInPkt int
	file           *os.File
	writer         *csv.Writer
}

// NewRecorder creates csvDir/<timestamp>_<name>.csv with a header row.
func NewRecorder(csvDir, name string, bytesPerPacket int, now time.Time) (*Recorder, error) {
	if err := os.MkdirAll(csvDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(csvDir, now.Format("2006_01_02_15_04_05_")+name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"Time", "Packet"}); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	return &Recorder{path: path, totalBitsInPkt: bytesPerPacket * 8, file: f, writer: w}, nil
}

// Append records one sample: elapsed seconds since the run began, and the
// cumulative packet count observed so far.
func (r *Recorder) Append(elapsed time.Duration, packetCount int64) error {
	row := []string{
		strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64),
		strconv.FormatInt(packetCount, 10),
	}
	if err := r.writer.Write(row); err != nil {
		return err
	}
	r.writer.Flush()
	return r.writer.Error()
}

func (r *Recorder) Close() error {
	r.writer.Flush()
	return r.file.Close()
}

// Path returns the recorder's CSV file path.
func (r *Recorder) Path() string { return r.path }

// AverageKbps computes the average throughput in kbit/s over the run, the
// way Throughput.get_average does for throughput_data_type == "kb".
func AverageKbps(totalBitsInPkt int, packetCount int64, firstElapsed, lastElapsed time.Duration) float64 {
	span := (lastElapsed - firstElapsed).Seconds()
	if span <= 0 {
		return 0
	}
	return (float64(packetCount) * float64(totalBitsInPkt)) / span / 1000
}

// SaveAverage appends one row to <dir>/average_rx_tp.csv, the way
// save_average accumulates one line per run across repeated invocations.
func SaveAverage(dir string, avgKbps float64) error {
	f, err := os.OpenFile(filepath.Join(dir, "average_rx_tp.csv"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write([]string{strconv.FormatFloat(avgKbps, 'f', 3, 64)})
}
