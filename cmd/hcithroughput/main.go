// Command hcithroughput runs one side (transmitter or receiver) of an ACL
// throughput measurement against a local Bluetooth controller, grounded on
// tools/hci_throughput/{main.py,hci_device.py,util.py} of the original
// implementation (spec.md §4.6, §8).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimble-tools/aclthroughput/config"
	"github.com/nimble-tools/aclthroughput/linux"
	"github.com/nimble-tools/aclthroughput/throughput"
)

var (
	mode       = flag.String("m", "", "run mode: rx or tx (overrides config.yaml's role)")
	initFile   = flag.String("if", "init.yaml", "per-run identity file")
	configFile = flag.String("cf", "config.yaml", "tunables file")
	list       = flag.Bool("list", false, "list available HCI controllers and exit")
)

const (
	connectTimeout    = 25 * time.Second
	dataLenTimeout    = 5 * time.Second
	phyTimeout        = 5 * time.Second
	encryptionTimeout = 10 * time.Second
	disconnectTimeout = 10 * time.Second

	advertisingIntervalMin = 0x0020
	advertisingIntervalMax = 0x0020
	advertisingChannelMap  = 0x07
)

func main() {
	flag.Parse()

	if *list {
		controllers, err := linux.ListControllers()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, c := range controllers {
			fmt.Printf("hci%d\t%s\t%02X\tup=%v\n", c.DevIndex, c.Name, c.Address, c.Up)
		}
		return
	}

	cfg, err := config.Load(*initFile, *configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	role := cfg.Role
	if *mode != "" {
		role = config.Role(*mode)
	}

	log := newLogger(cfg.TestDirectory, string(role))

	ownAddr, err := parseMAC(cfg.Identity.OwnAddress)
	if err != nil {
		log.Fatalf("own_address: %v", err)
	}

	e, err := linux.Open(cfg.Identity.DevIndex, log)
	if err != nil {
		log.Fatalf("open hci%d: %v", cfg.Identity.DevIndex, err)
	}
	defer e.Close()

	var ltk [16]byte
	if cfg.UseEncryption {
		ltk, err = parseLTK(cfg.Identity.LongTermKey)
		if err != nil {
			log.Fatalf("ltk: %v", err)
		}
		e.SetLongTermKey(ltk)
	}

	if err := e.Init(ownAddr, cfg.Identity.OwnAddressType); err != nil {
		log.Fatalf("init: %v", err)
	}
	if err := e.CheckPacketSize(cfg.BytesPerPacket); err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Infof("controller ready: addr=%02X", ownAddr)

	switch role {
	case config.RoleReceiver:
		if err := runReceiver(e, cfg, log); err != nil {
			log.Fatalf("receiver run failed: %v", err)
		}
	case config.RoleTransmitter:
		if err := runTransmitter(e, cfg, log); err != nil {
			log.Fatalf("transmitter run failed: %v", err)
		}
	default:
		log.Fatalf("unknown role %q: want %q or %q", role, config.RoleReceiver, config.RoleTransmitter)
	}

	log.Info("run complete")
}

func runReceiver(e *linux.Engine, cfg *config.Config, log *logrus.Entry) error {
	if err := e.Advertise(true, advertisingIntervalMin, advertisingIntervalMax, advertisingChannelMap); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	conn, err := e.WaitConnected(connectTimeout)
	if err != nil {
		return err
	}
	log.Infof("connected: handle=0x%04x peer=%02X", conn.ConnectionHandle, conn.PeerAddress)

	txOctets, txTime, _, _ := e.State().MaxDataLength()
	if _, err := e.SetDataLength(conn.ConnectionHandle, txOctets, txTime, dataLenTimeout); err != nil {
		log.Warnf("set data length: %v", err)
	}

	fp := throughput.NewFingerprint(cfg.BytesPerPacket)
	rec, err := throughput.NewRecorder(cfg.TestDirectory, "rx", cfg.BytesPerPacket, time.Now())
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	defer rec.Close()

	data := e.Data(conn.ConnectionHandle)
	buf := make([]byte, cfg.BytesPerPacket+64)
	start := time.Now()
	var received int64
	for received < int64(cfg.NumPackets) {
		n, err := data.Read(buf)
		if err != nil {
			log.Warnf("read: %v", err)
			break
		}
		n64, err := throughput.PacketNumber(buf[:n], fp)
		if err != nil {
			log.Warnf("packet number: %v", err)
			continue
		}
		received++
		if err := rec.Append(time.Since(start), received); err != nil {
			log.Warnf("append sample: %v", err)
		}
		if n64 != received-1 {
			log.Debugf("out of order: got %d want %d", n64, received-1)
		}
	}

	avg := throughput.AverageKbps(cfg.BytesPerPacket*8, received, 0, time.Since(start))
	if err := throughput.SaveAverage(cfg.TestDirectory, avg); err != nil {
		log.Warnf("save average: %v", err)
	}
	log.Infof("received %d/%d packets, average %.2f kbps", received, cfg.NumPackets, avg)

	_ = e.Advertise(false, 0, 0, 0)
	return nil
}

func runTransmitter(e *linux.Engine, cfg *config.Config, log *logrus.Entry) error {
	peerAddr, err := parseMAC(cfg.Identity.PeerAddress)
	if err != nil {
		return fmt.Errorf("peer_address: %w", err)
	}
	if err := e.Connect(peerAddr, cfg.Identity.PeerAddressType, cfg.ConnIntervalMin, cfg.ConnIntervalMax, cfg.SupervisionTimeout); err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	conn, err := e.WaitConnected(connectTimeout)
	if err != nil {
		return err
	}
	log.Infof("connected: handle=0x%04x peer=%02X", conn.ConnectionHandle, conn.PeerAddress)

	txOctets, txTime, _, _ := e.State().MaxDataLength()
	if _, err := e.SetDataLength(conn.ConnectionHandle, txOctets, txTime, dataLenTimeout); err != nil {
		log.Warnf("set data length: %v", err)
	}

	if phy, ok := phyCode(cfg.PHY); ok {
		if _, err := e.SetPHY(conn.ConnectionHandle, phy, phyTimeout); err != nil {
			log.Warnf("set phy: %v", err)
		}
	}

	if cfg.UseEncryption {
		ltk, err := parseLTK(cfg.Identity.LongTermKey)
		if err != nil {
			return fmt.Errorf("ltk: %w", err)
		}
		if _, err := e.EnableEncryption(conn.ConnectionHandle, ltk, encryptionTimeout); err != nil {
			return fmt.Errorf("enable encryption: %w", err)
		}
	}

	rec, err := throughput.NewRecorder(cfg.TestDirectory, "tx", cfg.BytesPerPacket, time.Now())
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	defer rec.Close()

	data := e.Data(conn.ConnectionHandle)
	start := time.Now()
	var last uint32
	for i := 0; i < cfg.NumPackets; i++ {
		var payload []byte
		payload, last = throughput.GenData(cfg.BytesPerPacket, last)
		if _, err := data.Write(payload); err != nil {
			return fmt.Errorf("write packet %d: %w", i, err)
		}
		if err := rec.Append(time.Since(start), int64(i+1)); err != nil {
			log.Warnf("append sample: %v", err)
		}
	}
	log.Infof("sent %d packets", cfg.NumPackets)

	if err := data.Close(); err != nil {
		log.Warnf("disconnect: %v", err)
	}
	if _, err := e.WaitDisconnected(disconnectTimeout); err != nil {
		log.Warnf("wait disconnected: %v", err)
	}
	return nil
}

func phyCode(name string) (uint8, bool) {
	switch strings.ToLower(name) {
	case "1m":
		return 0x01, true
	case "2m":
		return 0x02, true
	case "coded":
		return 0x03, true
	default:
		return 0, false
	}
}

func parseMAC(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("want 6 colon-separated octets, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("octet %d: %w", i, err)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}

func parseLTK(s string) ([16]byte, error) {
	var ltk [16]byte
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 32 {
		return ltk, fmt.Errorf("want 32 hex characters, got %d", len(s))
	}
	for i := 0; i < 16; i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return ltk, fmt.Errorf("byte %d: %w", i, err)
		}
		ltk[i] = byte(v)
	}
	return ltk, nil
}

func newLogger(testDir, role string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	if testDir != "" {
		if err := os.MkdirAll(testDir, 0o755); err == nil {
			if f, err := os.OpenFile(testDir+"/log_"+role+".log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
				logger.SetOutput(f)
			}
		}
	}
	return logger.WithField("role", role)
}
