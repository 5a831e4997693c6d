// Package state holds the mutex-guarded facts the router goroutine learns
// about the local controller and the active connection, so the
// orchestrator goroutine can read them after the relevant latch fires
// (spec.md §4.5, §9).
package state

import "sync"

// Controller records what the init sequence and connection events have
// told us about the local controller and its one active link.
type Controller struct {
	mu sync.RWMutex

	address         [6]byte
	addressIsStatic bool

	leBufferLen   uint16
	leBufferCount uint8

	suggestedMaxTxOctets uint16
	suggestedMaxTxTime   uint16
	maxTxOctets          uint16
	maxTxTime            uint16
	maxRxOctets          uint16
	maxRxTime            uint16

	supportedFeatures uint64

	connectionHandle uint16
	peerAddress      [6]byte
	currentTxPHY     uint8
	currentRxPHY     uint8
}

func New() *Controller { return &Controller{} }

func (c *Controller) SetAddress(addr [6]byte, static bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = addr
	c.addressIsStatic = static
}

func (c *Controller) Address() ([6]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address, c.addressIsStatic
}

func (c *Controller) SetLEBufferSize(length uint16, count uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leBufferLen, c.leBufferCount = length, count
}

func (c *Controller) LEBufferSize() (uint16, uint8) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leBufferLen, c.leBufferCount
}

func (c *Controller) SetSuggestedDefaultDataLength(octets, timeVal uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suggestedMaxTxOctets, c.suggestedMaxTxTime = octets, timeVal
}

func (c *Controller) SetMaxDataLength(txOctets, txTime, rxOctets, rxTime uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxTxOctets, c.maxTxTime = txOctets, txTime
	c.maxRxOctets, c.maxRxTime = rxOctets, rxTime
}

func (c *Controller) MaxDataLength() (txOctets, txTime, rxOctets, rxTime uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxTxOctets, c.maxTxTime, c.maxRxOctets, c.maxRxTime
}

func (c *Controller) SetSupportedFeatures(f uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supportedFeatures = f
}

func (c *Controller) SupportedFeatures() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportedFeatures
}

// SupportsFeature reports whether every bit of mask is set in the LE
// supported features bitmap (spec.md §4.6's PHY-selection gate).
func (c *Controller) SupportsFeature(mask uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportedFeatures&mask == mask
}

func (c *Controller) SetConnection(handle uint16, peer [6]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionHandle = handle
	c.peerAddress = peer
}

func (c *Controller) Connection() (handle uint16, peer [6]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionHandle, c.peerAddress
}

func (c *Controller) ClearConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionHandle = 0
	c.peerAddress = [6]byte{}
}

func (c *Controller) SetPHY(tx, rx uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTxPHY, c.currentRxPHY = tx, rx
}

func (c *Controller) PHY() (tx, rx uint8) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTxPHY, c.currentRxPHY
}
