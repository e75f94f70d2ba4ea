// Package emergency periodically reads the wire driver's last-observed CoE
// emergency object, filters to CoE-capable slaves, and deduplicates by
// (errorCode, errorRegister) per slave before dispatching an event.
package emergency

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
)

// DefaultPeriodMs is the default poll period.
const DefaultPeriodMs = 10

type lastSeen struct {
	errorCode     uint16
	errorRegister uint8
	known         bool
}

// Channel tracks, per CoE-capable slave, the last emitted emergency event.
type Channel struct {
	driver ethercat.Driver
	logger *slog.Logger
	coe    map[uint16]int // configured address -> slave index, CoE-capable only

	mu       sync.Mutex
	seen     map[int]lastSeen
	last     *ethercat.EmergencyEvent
	callback func(ethercat.EmergencyEvent)
}

// New builds a Channel over the CoE-capable slaves of nd.
func New(driver ethercat.Driver, nd *netdesc.NetworkDescription, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		driver: driver,
		logger: logger.With("component", "emergency"),
		coe:    make(map[uint16]int),
		seen:   make(map[int]lastSeen),
	}
	for i, s := range nd.Slaves {
		if s.Invalid || !s.Mailbox.SupportsCoE {
			continue
		}
		c.coe[s.ConfiguredAddress] = i
	}
	return c
}

// OnEmergency registers the callback invoked for every deduplicated event.
func (c *Channel) OnEmergency(cb func(ethercat.EmergencyEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// Last returns the most recent emergency event dispatched, if any.
func (c *Channel) Last() (ethercat.EmergencyEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return ethercat.EmergencyEvent{}, false
	}
	return *c.last, true
}

// PollOnce reads the driver's last-global-emergency slot once and, if it
// names a CoE-capable slave whose (errorCode, errorRegister) differs from
// the last emitted event for that slave, dispatches a new event. Non-CoE
// slaves and repeats are silently dropped.
func (c *Channel) PollOnce(ctx context.Context) {
	slaveAddr, errorCode, errorRegister, ok, err := c.driver.ReadLastEmergency(ctx)
	if err != nil {
		c.logger.Warn("last emergency read failed", "err", err)
		return
	}
	if !ok {
		return
	}

	slaveIdx, isCoE := c.coe[slaveAddr]
	if !isCoE {
		return
	}

	c.mu.Lock()
	prev, have := c.seen[slaveIdx]
	if have && prev.known && prev.errorCode == errorCode && prev.errorRegister == errorRegister {
		c.mu.Unlock()
		return
	}
	c.seen[slaveIdx] = lastSeen{errorCode: errorCode, errorRegister: errorRegister, known: true}
	ev := ethercat.EmergencyEvent{SlaveIdx: slaveIdx, ErrorCode: errorCode, ErrorRegister: errorRegister}
	c.last = &ev
	cb := c.callback
	c.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
}
