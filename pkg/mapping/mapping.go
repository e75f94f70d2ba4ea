// Package mapping computes the Process Data Image (PDI) layout and matches
// named variables to their owning slave by strict bit-range containment.
package mapping

import (
	"fmt"
	"sync/atomic"

	"github.com/samsamfire/goethercat/pkg/netdesc"
)

// valueBox wraps a mapping's Go-typed value so atomic.Value always sees
// the same concrete type across Store calls, regardless of the variable's
// declared data type.
type valueBox struct{ v any }

// Mapping is a named variable bound to a bit range inside the PDI buffer,
// plus its mutable value cells. The scalar fields below are fixed at Build
// time; pending/committed are the only fields mutated afterwards, and are
// safe for concurrent access between the bus thread and user goroutines.
type Mapping struct {
	Name             string
	PDIByteOffset    int
	BitOffset        *int // non-nil only for BOOL
	DataType         netdesc.DataType
	IsInput          bool
	BitSize          int
	OwningSlaveIndex int

	pending   atomic.Value // valueBox: output value most recently Write()n by the user
	committed atomic.Value // valueBox: output value last serialized, or input value last deserialized
}

// Write sets the value an output mapping should serialize on the next
// cycle. It is a no-op (but harmless) on an input mapping.
func (m *Mapping) Write(value any) {
	m.pending.Store(valueBox{value})
}

// Read returns an output mapping's last-serialized value, or an input
// mapping's last-deserialized value. Returns nil if neither has happened
// yet.
func (m *Mapping) Read() any {
	if b, ok := m.committed.Load().(valueBox); ok {
		return b.v
	}
	return nil
}

// PendingIfChanged returns the user-written pending value and true if it
// differs from the last committed value. Bus-thread only (called from
// pkg/cyclic's pre-transmit walk).
func (m *Mapping) PendingIfChanged() (value any, changed bool) {
	pb, ok := m.pending.Load().(valueBox)
	if !ok {
		return nil, false
	}
	cb, _ := m.committed.Load().(valueBox)
	if ok && cb.v == pb.v {
		return pb.v, false
	}
	return pb.v, true
}

// Commit records value as the last value actually serialized (outputs) or
// deserialized (inputs). Bus-thread only.
func (m *Mapping) Commit(value any) {
	m.committed.Store(valueBox{value})
}

// Table is the mapping engine's output: the PDI size, and the variable
// mapping partitioned into two flat ordered sequences (inputs/outputs) for
// branch-free iteration by the cyclic exchange engine.
type Table struct {
	OutputSize int
	InputSize  int

	outputs []*Mapping
	inputs  []*Mapping
	byName  map[string]*Mapping
}

// Outputs returns the output-half mappings in a fixed, ordered sequence.
func (t *Table) Outputs() []*Mapping { return t.outputs }

// Inputs returns the input-half mappings in a fixed, ordered sequence.
func (t *Table) Inputs() []*Mapping { return t.inputs }

// Lookup returns the mapping for a named variable, or false if the name is
// unknown (the caller should return ethercat.ErrInvalidArgument).
func (t *Table) Lookup(name string) (*Mapping, bool) {
	m, ok := t.byName[name]
	return m, ok
}

// PDISize is the total PDI buffer length, outputs plus inputs.
func (t *Table) PDISize() int { return t.OutputSize + t.InputSize }

// Build computes the PDI layout and the variable mapping table for a
// Network Description. A slave whose process-data entries mix legacy
// pdoByteOffset-relative addressing with standard process-image
// bitOffset-relative addressing is refused outright
// (ethercat.ErrMixedAddressingMode, raised by nd.Validate) rather than
// guessed at.
//
// Unmapped variables (no slave's half-range contains their bit offset) are
// silently dropped; this is not an error.
func Build(nd *netdesc.NetworkDescription) (*Table, error) {
	if err := nd.Validate(); err != nil {
		return nil, err
	}

	t := &Table{byName: make(map[string]*Mapping, len(nd.ProcessImage))}

	for _, s := range nd.Slaves {
		if s.ProcessData == nil {
			continue
		}
		outEnd := s.ProcessData.OutputByteOffset + byteLen(s.ProcessData.OutputBitLength)
		inEnd := s.ProcessData.InputByteOffset + byteLen(s.ProcessData.InputBitLength)
		if outEnd > t.OutputSize {
			t.OutputSize = outEnd
		}
		if inEnd > t.InputSize {
			t.InputSize = inEnd
		}
	}

	for _, v := range nd.ProcessImage {
		owner, ok := findOwner(nd, v)
		if !ok {
			continue // dropped, not an error
		}
		if _, dup := t.byName[v.Name]; dup {
			return nil, fmt.Errorf("mapping: duplicate variable name %q", v.Name)
		}

		m := &Mapping{
			Name:             v.Name,
			DataType:         v.DataType,
			IsInput:          v.IsInput,
			BitSize:          v.BitSize,
			OwningSlaveIndex: owner,
		}
		if v.IsInput {
			m.PDIByteOffset = t.OutputSize + v.BitOffset/8
		} else {
			m.PDIByteOffset = v.BitOffset / 8
		}
		if v.DataType == netdesc.BOOL {
			bit := v.BitOffset % 8
			m.BitOffset = &bit
		}

		t.byName[v.Name] = m
		if v.IsInput {
			t.inputs = append(t.inputs, m)
		} else {
			t.outputs = append(t.outputs, m)
		}
	}

	return t, nil
}

// findOwner selects the slave whose half-range strictly contains the
// variable's global bit offset: startBit = slave.outputByteOffset*8 (or
// inputByteOffset*8), half-open containment, array order, first match
// wins.
func findOwner(nd *netdesc.NetworkDescription, v netdesc.Variable) (int, bool) {
	for i, s := range nd.Slaves {
		if s.ProcessData == nil {
			continue
		}
		var startBit, length int
		if v.IsInput {
			startBit = s.ProcessData.InputByteOffset * 8
			length = s.ProcessData.InputBitLength
		} else {
			startBit = s.ProcessData.OutputByteOffset * 8
			length = s.ProcessData.OutputBitLength
		}
		if v.BitOffset >= startBit && v.BitOffset < startBit+length {
			return i, true
		}
	}
	return 0, false
}

func byteLen(bitLength int) int {
	return (bitLength + 7) / 8
}
