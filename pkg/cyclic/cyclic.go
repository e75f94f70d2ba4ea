// Package cyclic drives the process-data exchange: one RunCycle performs
// the full Tx/Rx of a single logical read/write frame covering all PDI
// bytes, riding through a bounded number of transient driver failures
// before escalating.
package cyclic

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/mapping"
)

// missedCyclesFatal is the ride-through budget: the 6th consecutive
// transient failure (5 missed cycles already counted) is escalated to a
// fatal error.
const missedCyclesFatal = 5

// Exchange owns the PDI byte buffer and drives one logical frame per
// RunCycle call against an ethercat.Driver.
type Exchange struct {
	driver ethercat.Driver
	table  *mapping.Table
	logger *slog.Logger

	mu           sync.Mutex
	pdi          []byte
	missedCycles int
}

// New allocates the PDI buffer, outputSize+inputSize bytes, for the given
// mapping table.
func New(driver ethercat.Driver, table *mapping.Table, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		driver: driver,
		table:  table,
		logger: logger.With("component", "cyclic"),
		pdi:    make([]byte, table.PDISize()),
	}
}

// PDI returns the contiguous [Outputs | Inputs] byte buffer for bulk or
// advanced callers. Only the bus thread may mutate it outside of
// ReadSlaveByte/WriteSlaveByte.
func (e *Exchange) PDI() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pdi
}

// ReadSlaveByte/WriteSlaveByte access raw PDI bytes, bypassing the
// mapping table entirely.
func (e *Exchange) ReadSlaveByte(offset int) (byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset < 0 || offset >= len(e.pdi) {
		return 0, ethercat.ErrInvalidArgument
	}
	return e.pdi[offset], nil
}

func (e *Exchange) WriteSlaveByte(offset int, value byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset < 0 || offset >= len(e.pdi) {
		return ethercat.ErrInvalidArgument
	}
	e.pdi[offset] = value
	return nil
}

// MissedCycles returns the current ride-through counter: 0 after any
// successful cycle, never more than 5.
func (e *Exchange) MissedCycles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.missedCycles
}

// RunCycle performs one pre-transmit serialize, one logical LRW exchange,
// and (on success) one post-receive deserialize. It returns the raw WKC on
// success; ride-through absorbs up to missedCyclesFatal consecutive
// transient failures before escalating.
func (e *Exchange) RunCycle(ctx context.Context) (wkc int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.preTransmit()

	wkc, exchErr := e.driver.ExchangeFrame(ctx, ethercat.CmdLRW, 0, 0, e.pdi)

	switch {
	case wkc >= 0 && exchErr == nil:
		e.missedCycles = 0
		e.postReceive()
		return wkc, nil

	case wkc == ethercat.ExchangePDUTimeout:
		if e.missedCycles >= missedCyclesFatal {
			return wkc, ethercat.ErrCommsLost
		}
		e.missedCycles++
		return wkc, nil

	case wkc == ethercat.ExchangeWKCMismatch:
		if e.missedCycles >= missedCyclesFatal {
			return wkc, ethercat.ErrPdoIntegrity
		}
		e.missedCycles++
		return wkc, nil

	default:
		// Any other negative code is fatal immediately.
		if exchErr != nil {
			return wkc, exchErr
		}
		return wkc, ethercat.ErrDriverFatal
	}
}

// preTransmit walks the output mappings and serializes any mapping whose
// pending value differs from its last committed value, using read-modify-
// write for single-bit types.
func (e *Exchange) preTransmit() {
	for _, m := range e.table.Outputs() {
		value, changed := m.PendingIfChanged()
		if !changed {
			continue
		}
		if m.BitOffset != nil {
			b, ok := value.(bool)
			if !ok {
				continue
			}
			mapping.WriteBit(e.pdi, m.PDIByteOffset, *m.BitOffset, b)
		} else {
			encoded, err := mapping.Encode(m.DataType, value)
			if err != nil {
				e.logger.Warn("output serialize failed", "variable", m.Name, "err", err)
				continue
			}
			copy(e.pdi[m.PDIByteOffset:], encoded)
		}
		m.Commit(value)
	}
}

// postReceive walks the input mappings and deserializes each one from the
// PDI inputs half, only called after a successful exchange.
func (e *Exchange) postReceive() {
	for _, m := range e.table.Inputs() {
		if m.BitOffset != nil {
			v := mapping.ReadBit(e.pdi, m.PDIByteOffset, *m.BitOffset)
			m.Commit(v)
			continue
		}
		need := (m.DataType.BitSize() + 7) / 8
		if m.PDIByteOffset+need > len(e.pdi) {
			e.logger.Warn("input deserialize out of range", "variable", m.Name)
			continue
		}
		value, err := mapping.Decode(m.DataType, e.pdi[m.PDIByteOffset:m.PDIByteOffset+need])
		if err != nil {
			e.logger.Warn("input deserialize failed", "variable", m.Name, "err", err)
			continue
		}
		m.Commit(value)
	}
}
