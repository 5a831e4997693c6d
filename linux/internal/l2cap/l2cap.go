// Package l2cap fragments and reassembles ACL data for the engine's single
// data connection, and gates transmission on the controller's LE buffer
// credits (spec.md §4.7, §9).
package l2cap

import (
	"io"
	"sync"

	"github.com/nimble-tools/aclthroughput/linux/internal/cmd"
	"github.com/nimble-tools/aclthroughput/linux/internal/event"
	"github.com/nimble-tools/aclthroughput/linux/internal/hci"
)

type aclData struct {
	handle uint16
	flags  uint8
	dlen   uint16
	b      []byte
}

func (h *aclData) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return hci.NewError(hci.KindMalformedFrame, "acl header short", nil)
	}
	handle := uint16(b[0]) | (uint16(b[1]&0x0f) << 8)
	flags := b[1] >> 4
	dlen := uint16(b[2]) | (uint16(b[3]) << 8)
	if len(b) != 4+int(dlen) {
		return hci.NewError(hci.KindMalformedFrame, "acl length mismatch", nil)
	}
	*h = aclData{handle: handle, flags: flags, dlen: dlen, b: b[4:]}
	return nil
}

// L2CAP owns the credit semaphore for ACL transmission and demultiplexes
// inbound ACL fragments to the one active Conn (spec.md §4.5 names a single
// connection per run; there is no accept loop, unlike a GATT server).
type L2CAP struct {
	dev     io.Writer
	cmd     *cmd.Cmd
	bufCnt  chan struct{}
	bufSize int

	mu   sync.Mutex
	conn *Conn
}

// NewL2CAP sizes the credit semaphore from bufCnt, the
// HC_Total_Num_LE_ACL_Data_Packets the controller reported to
// LE-Read-Buffer-Size; bufSize is its HC_LE_ACL_Data_Packet_Length.
func NewL2CAP(c *cmd.Cmd, d io.Writer, bufCnt, bufSize int) *L2CAP {
	return &L2CAP{
		cmd:     c,
		dev:     d,
		bufCnt:  make(chan struct{}, bufCnt),
		bufSize: bufSize,
	}
}

// Open binds the connection handle assigned by LE-Enhanced-Connection-Complete
// to a Conn that can read and write L2CAP payloads over it.
func (l *L2CAP) Open(handle uint16) *Conn {
	c := newConn(l, handle)
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
	return c
}

// HandleNumberOfCompletedPkts drains one credit per completed packet,
// unblocking writers waiting on the semaphore (spec.md §4.7).
func (l *L2CAP) HandleNumberOfCompletedPkts(b []byte) error {
	ep := &event.NumberOfCompletedPktsEP{}
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	for _, r := range ep.Packets {
		for i := 0; i < int(r.NumOfCompletedPkts); i++ {
			<-l.bufCnt
		}
	}
	return nil
}

// HandleDisconnectionComplete tears down the connection's read side.
func (l *L2CAP) HandleDisconnectionComplete(b []byte) error {
	ep := &event.DisconnectionCompleteEP{}
	if err := ep.Unmarshal(b); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.conn.handle != ep.ConnectionHandle {
		return nil
	}
	close(l.conn.aclc)
	l.conn = nil
	return nil
}

// HandleL2CAP routes one ACL fragment to the open connection, if its handle
// matches; fragments for an unknown handle are dropped.
func (l *L2CAP) HandleL2CAP(b []byte) error {
	a := &aclData{}
	if err := a.Unmarshal(b); err != nil {
		return err
	}
	l.mu.Lock()
	c := l.conn
	l.mu.Unlock()
	if c == nil || c.handle != a.handle {
		return nil
	}
	c.aclc <- a
	return nil
}

// Conn is the engine's one L2CAP data stream (spec.md §4.7).
type Conn struct {
	l2c    *L2CAP
	handle uint16
	aclc   chan *aclData
}

func newConn(l *L2CAP, h uint16) *Conn {
	return &Conn{l2c: l, handle: h, aclc: make(chan *aclData)}
}

// write prepends the 4-byte L2CAP header (length, channel id) and fragments
// the result across ACL packets no larger than the controller's LE ACL data
// packet length (bufSize), taking a credit from the semaphore before each
// fragment and blocking while none is free.
func (c *Conn) write(cid int, b []byte) (int, error) {
	flag := uint8(0)
	tlen := len(b)

	w := append([]byte{
		0, 0, // handle
		0, 0, // dlen
		uint8(tlen), uint8(tlen >> 8), // L2CAP header: length
		uint8(cid), uint8(cid >> 8), // L2CAP header: channel id
	}, b...)

	n := 4 + tlen
	for n > 0 {
		dlen := n
		if dlen > c.l2c.bufSize {
			dlen = c.l2c.bufSize
		}
		w[0] = uint8(c.handle)
		w[1] = uint8(c.handle>>8) | flag
		w[2] = uint8(dlen)
		w[3] = uint8(dlen >> 8)

		c.l2c.bufCnt <- struct{}{}

		frame := make([]byte, 1+4+dlen)
		frame[0] = byte(hci.TypACLDataPkt)
		copy(frame[1:], w[:4+dlen])
		if _, err := c.l2c.dev.Write(frame); err != nil {
			return len(b) - n, err
		}
		w = w[dlen:]
		flag = 0x10
		n -= dlen
	}
	return len(b), nil
}

// Read reassembles one L2CAP SDU from its ACL fragments.
func (c *Conn) Read(b []byte) (int, error) {
	a, ok := <-c.aclc
	if !ok {
		return 0, io.EOF
	}
	tlen := int(uint16(a.b[0]) | uint16(a.b[1])<<8)
	if tlen > len(b) {
		return 0, io.ErrShortBuffer
	}
	d := a.b[4:]
	copy(b, d)
	n := len(d)
	for n != tlen {
		if a, ok = <-c.aclc; !ok || (a.flags&0x1) == 0 {
			return n, io.ErrUnexpectedEOF
		}
		copy(b[n:], a.b)
		n += len(a.b)
	}
	return n, nil
}

// Write sends b as one L2CAP SDU on the engine's data channel (spec.md §6).
func (c *Conn) Write(b []byte) (int, error) {
	return c.write(hci.L2CAPChannelData, b)
}

// Close disconnects the link.
func (c *Conn) Close() error {
	_, err := c.l2c.cmd.Send(disconnectCmd{ConnectionHandle: c.handle, Reason: 0x13})
	return err
}

// disconnectCmd is the Disconnect command (OGF Link Control, OCF 0x0006).
// Kept local: spec.md §6 otherwise limits the command set to the LE
// Controller/Info Param/Host Control groups, and Disconnect is only ever
// issued from here, on teardown.
type disconnectCmd struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c disconnectCmd) Opcode() hci.Opcode { return hci.Opcode(0x01<<10 | 0x0006) }
func (c disconnectCmd) Len() int           { return 3 }
func (c disconnectCmd) Marshal(b []byte) {
	b[0], b[1] = byte(c.ConnectionHandle), byte(c.ConnectionHandle>>8)
	b[2] = c.Reason
}
