// Package virtual provides an in-memory ethercat.Driver used by the
// package tests: it needs no socket and no real bus. Each simulated slave
// is a register file, an SII image, an object dictionary, and a mailbox
// queue, all guarded by one mutex.
package virtual

import (
	"context"
	"sync"

	"github.com/samsamfire/goethercat"
)

type odKey struct {
	index    uint16
	subIndex uint8
}

type mailboxMsg struct {
	data []byte
}

// slaveState is one simulated ESC's register file, SII EEPROM image, CoE
// object dictionary, and mailbox queues.
type slaveState struct {
	registers map[uint16][]byte
	sii       []byte
	od        map[odKey][]byte

	mailboxOut []mailboxMsg // slave -> master, drained by CheckMailbox
}

// Driver is an in-memory loopback implementing ethercat.Driver.
type Driver struct {
	mu     sync.Mutex
	slaves map[uint16]*slaveState
	order  []uint16 // configured addresses in topology order, for broadcast WKC

	pdi []byte // the last LRW payload, echoed back as a trivial loopback

	emergencies []emergencyMsg
	closed      bool
}

type emergencyMsg struct {
	slaveAddr     uint16
	errorCode     uint16
	errorRegister uint8
}

// New builds an empty Driver. Call AddSlave for each simulated slave before
// using it with pkg/discovery or pkg/master.
func New() *Driver {
	return &Driver{slaves: make(map[uint16]*slaveState)}
}

// AddSlave registers a simulated slave at configuredAddress with the given
// SII EEPROM image (word-addressable, little-endian, as the real wire
// exposes it).
func (d *Driver) AddSlave(configuredAddress uint16, sii []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slaves[configuredAddress] = &slaveState{
		registers: make(map[uint16][]byte),
		sii:       sii,
		od:        make(map[odKey][]byte),
	}
	d.order = append(d.order, configuredAddress)
}

// SetRegister seeds a register's initial value, read back by ExchangeFrame
// for FPRD/APRD and written by FPWR.
func (d *Driver) SetRegister(slaveAddr uint16, addr uint16, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.registers[addr] = buf
}

// SetODEntry seeds a CoE object dictionary entry's value, read back by
// SDOUpload and written by SDODownload.
func (d *Driver) SetODEntry(slaveAddr uint16, index uint16, subIndex uint8, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.od[odKey{index, subIndex}] = buf
}

// PushMailbox queues an outgoing (slave -> master) mailbox message, made
// visible to CheckMailbox as "new data" exactly once.
func (d *Driver) PushMailbox(slaveAddr uint16, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mailboxOut = append(s.mailboxOut, mailboxMsg{data: buf})
}

// PushEmergency queues an emergency object to be surfaced by the next
// ReadLastEmergency call.
func (d *Driver) PushEmergency(slaveAddr uint16, errorCode uint16, errorRegister uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emergencies = append(d.emergencies, emergencyMsg{slaveAddr, errorCode, errorRegister})
}

// ExchangeFrame implements ethercat.Driver. BRD/BWR are broadcasts
// returning the simulated slave count as WKC; FPRD/FPWR/APRD address
// one slave's register file; LRD/LWR/LRW are a trivial PDI loopback
// (overwriting payload with whatever was last written, to exercise the
// cyclic exchange engine without simulating per-slave PDO placement).
func (d *Driver) ExchangeFrame(ctx context.Context, command ethercat.DatagramCommand, slaveAddr uint16, registerAddr uint16, payload []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, ethercat.ErrDriverFatal
	}

	switch command {
	case ethercat.CmdBRD, ethercat.CmdBWR:
		return len(d.order), nil

	case ethercat.CmdFPRD, ethercat.CmdAPRD:
		s, ok := d.slaves[slaveAddr]
		if !ok {
			return ethercat.ExchangePDUTimeout, nil
		}
		buf, ok := s.registers[registerAddr]
		if !ok {
			buf = make([]byte, len(payload))
		}
		copy(payload, buf)
		return 1, nil

	case ethercat.CmdFPWR:
		s, ok := d.slaves[slaveAddr]
		if !ok {
			return ethercat.ExchangePDUTimeout, nil
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.registers[registerAddr] = buf
		return 1, nil

	case ethercat.CmdLRD, ethercat.CmdLWR, ethercat.CmdLRW:
		if d.pdi == nil || len(d.pdi) != len(payload) {
			d.pdi = make([]byte, len(payload))
		}
		copy(d.pdi, payload)
		copy(payload, d.pdi)
		return len(d.order), nil

	default:
		return -1, ethercat.ErrDriverFatal
	}
}

// ReadSII implements ethercat.Driver.
func (d *Driver) ReadSII(ctx context.Context, slaveAddr uint16, wordAddr uint16, wordCount int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return nil, ethercat.ErrSlaveUnreachable
	}
	start := int(wordAddr) * 2
	end := start + wordCount*2
	if start > len(s.sii) {
		return make([]byte, wordCount*2), nil
	}
	if end > len(s.sii) {
		end = len(s.sii)
	}
	out := make([]byte, wordCount*2)
	copy(out, s.sii[start:end])
	return out, nil
}

// CheckMailbox implements ethercat.Driver: returns 1 and the queued
// message (flipping the toggle) if mail is pending, 0 otherwise.
func (d *Driver) CheckMailbox(ctx context.Context, slaveAddr uint16, toggleHint uint8, buf []byte) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return 0, ethercat.MailboxRetriesExhausted, ethercat.ErrSlaveUnreachable
	}
	if len(s.mailboxOut) == 0 {
		return 0, ethercat.MailboxUnchanged, nil
	}
	msg := s.mailboxOut[0]
	s.mailboxOut = s.mailboxOut[1:]
	n := copy(buf, msg.data)
	return n, ethercat.MailboxNewData, nil
}

// SendMailbox implements ethercat.Driver as a no-op sink: nothing in this
// simulator consumes master->slave mailbox traffic.
func (d *Driver) SendMailbox(ctx context.Context, slaveAddr uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.slaves[slaveAddr]; !ok {
		return ethercat.ErrSlaveUnreachable
	}
	return nil
}

// SDOUpload implements ethercat.Driver.
func (d *Driver) SDOUpload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return nil, ethercat.ErrSlaveUnreachable
	}
	buf, ok := s.od[odKey{index, subIndex}]
	if !ok {
		return nil, ethercat.ErrTimeout
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// SDODownload implements ethercat.Driver.
func (d *Driver) SDODownload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slaves[slaveAddr]
	if !ok {
		return ethercat.ErrSlaveUnreachable
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.od[odKey{index, subIndex}] = buf
	return nil
}

// ReadLastEmergency implements ethercat.Driver, draining the oldest queued
// emergency (FIFO, so PollOnce observes them in push order).
func (d *Driver) ReadLastEmergency(ctx context.Context) (uint16, uint16, uint8, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.emergencies) == 0 {
		return 0, 0, 0, false, nil
	}
	e := d.emergencies[0]
	d.emergencies = d.emergencies[1:]
	return e.slaveAddr, e.errorCode, e.errorRegister, true, nil
}

// Close implements ethercat.Driver, idempotently.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
