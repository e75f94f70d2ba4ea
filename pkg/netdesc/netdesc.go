// Package netdesc holds the Network Description data model: the
// authoritative, immutable-after-construction configuration of one
// EtherCAT bus, plus the Slave Descriptor, Init Command, and named-variable
// types the rest of the stack is built around.
//
// The core never reads a Network Description from a file — ENI ingestion
// happens outside this module — but the struct tags here define the
// JSON/YAML schema an external loader (or cmd/ethercat-inspect) can
// unmarshal into.
package netdesc

import (
	"fmt"

	"github.com/samsamfire/goethercat"
)

// DataType identifies one of the scalar kinds the mapping engine can
// encode/decode, plus the single-bit boolean.
type DataType uint8

const (
	BOOL DataType = iota
	INT8
	UINT8
	INT16
	UINT16
	INT32
	UINT32
	INT64
	UINT64
	FLOAT32
	FLOAT64
)

func (t DataType) String() string {
	switch t {
	case BOOL:
		return "BOOL"
	case INT8:
		return "INT8"
	case UINT8:
		return "UINT8"
	case INT16:
		return "INT16"
	case UINT16:
		return "UINT16"
	case INT32:
		return "INT32"
	case UINT32:
		return "UINT32"
	case INT64:
		return "INT64"
	case UINT64:
		return "UINT64"
	case FLOAT32:
		return "FLOAT32"
	case FLOAT64:
		return "FLOAT64"
	default:
		return "UNKNOWN"
	}
}

// BitSize returns the wire/PDI bit width of one value of this type.
func (t DataType) BitSize() int {
	switch t {
	case BOOL:
		return 1
	case INT8, UINT8:
		return 8
	case INT16, UINT16:
		return 16
	case INT32, UINT32, FLOAT32:
		return 32
	case INT64, UINT64, FLOAT64:
		return 64
	default:
		return 0
	}
}

// MasterConfig is the Network Description's `master` block.
type MasterConfig struct {
	CyclePeriodUs            uint32  `json:"cyclePeriodUs" yaml:"cyclePeriodUs"`
	SMWatchdogTimeoutMs      *uint32 `json:"smWatchdogTimeoutMs,omitempty" yaml:"smWatchdogTimeoutMs,omitempty"`
	PDUTimeoutMs             uint32  `json:"pduTimeoutMs" yaml:"pduTimeoutMs"`
	StateTransitionTimeoutMs uint32  `json:"stateTransitionTimeoutMs" yaml:"stateTransitionTimeoutMs"`
	MailboxTimeoutMs         uint32  `json:"mailboxTimeoutMs" yaml:"mailboxTimeoutMs"`
	EEPROMTimeoutMs          uint32  `json:"eepromTimeoutMs" yaml:"eepromTimeoutMs"`
	PDURetryCount            int     `json:"pduRetryCount" yaml:"pduRetryCount"`
	DCSupport                bool    `json:"dcSupport" yaml:"dcSupport"`
}

// PDOEntry is one named bit-range inside a slave's own process-data
// section, as discovered from CoE PDO mapping or SII PDO categories.
//
// Exactly one of PDOByteOffset (legacy, ENI-literal byte offset into the
// slave's own PDO frame) or PDIByteOffset (standard, computed during PDI
// slot allocation) may be set for any entry belonging to a given slave.
// Mixing both addressing styles for the same slave is refused rather than
// silently picking one.
type PDOEntry struct {
	Name          string   `json:"name" yaml:"name"`
	Index         uint16   `json:"index" yaml:"index"`
	SubIndex      uint8    `json:"subIndex" yaml:"subIndex"`
	BitLength     uint8    `json:"bitLength" yaml:"bitLength"`
	DataType      DataType `json:"dataType" yaml:"dataType"`
	PDOByteOffset *int     `json:"pdoByteOffset,omitempty" yaml:"pdoByteOffset,omitempty"`
	PDIByteOffset *int     `json:"pdiByteOffset,omitempty" yaml:"pdiByteOffset,omitempty"`
}

// ProcessData is a slave's `{inputByteOffset, inputBitLength,
// outputByteOffset, outputBitLength, entries[]}` block. Offsets are
// absolute PDI byte offsets within their half, assigned by discovery's PDI
// slot allocation or carried verbatim from an external Network
// Description.
type ProcessData struct {
	InputByteOffset   int        `json:"inputByteOffset" yaml:"inputByteOffset"`
	InputBitLength    int        `json:"inputBitLength" yaml:"inputBitLength"`
	OutputByteOffset  int        `json:"outputByteOffset" yaml:"outputByteOffset"`
	OutputBitLength   int        `json:"outputBitLength" yaml:"outputBitLength"`
	Entries           []PDOEntry `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// MailboxConfig carries the mailbox-protocol flags and polling parameters
// for one slave.
type MailboxConfig struct {
	StatusRegisterAddress uint16 `json:"mailboxStatusRegisterAddress" yaml:"mailboxStatusRegisterAddress"`
	PollPeriodMs          int    `json:"pollPeriodMs" yaml:"pollPeriodMs"`
	SupportsCoE           bool   `json:"supportsCoE" yaml:"supportsCoE"`
	SupportsEoE           bool   `json:"supportsEoE" yaml:"supportsEoE"`
	SupportsFoE           bool   `json:"supportsFoE" yaml:"supportsFoE"`
}

// InitCommandKind tags the variant carried by an InitCommand.
type InitCommandKind uint8

const (
	InitRegisterWrite InitCommandKind = iota
	InitCoESDODownload
	InitSoEWrite
)

// InitCommand is one ordered step of a slave's bring-up script, tagged with
// the ESM transitions it applies to.
//
// The payload is carried as []byte rather than a fixed-width uint32, so
// segmented SDO downloads larger than four bytes pass through untruncated.
type InitCommand struct {
	Kind InitCommandKind `json:"kind" yaml:"kind"`

	// RegisterWrite fields.
	RegisterAddr uint16 `json:"registerAddr,omitempty" yaml:"registerAddr,omitempty"`

	// CoE SDO download fields.
	Index    uint16 `json:"index,omitempty" yaml:"index,omitempty"`
	SubIndex uint8  `json:"subIndex,omitempty" yaml:"subIndex,omitempty"`

	// SoE write fields.
	OpCode  uint8  `json:"opCode,omitempty" yaml:"opCode,omitempty"`
	DriveNo uint8  `json:"driveNo,omitempty" yaml:"driveNo,omitempty"`
	IDN     uint16 `json:"idn,omitempty" yaml:"idn,omitempty"`

	Data []byte `json:"data,omitempty" yaml:"data,omitempty"`

	Transitions []ethercat.TransitionCode `json:"transitions" yaml:"transitions"`
	Retries     int                       `json:"retries,omitempty" yaml:"retries,omitempty"`
	ExpectedWKC *int                      `json:"expectedWkc,omitempty" yaml:"expectedWkc,omitempty"`

	// Validate, when non-nil, runs after the command's write succeeds; a
	// false return counts as a failed attempt eligible for the same retry
	// budget. Not representable in the external schema, so callers building
	// a description programmatically set it directly.
	Validate func() bool `json:"-" yaml:"-"`
}

// AppliesTo reports whether this command should run for the given
// transition step.
func (c InitCommand) AppliesTo(step ethercat.TransitionCode) bool {
	for _, t := range c.Transitions {
		if t == step {
			return true
		}
	}
	return false
}

// SlaveDescriptor is one entry of the Network Description's ordered
// `slaves` sequence. Its position in that sequence is the stable slave
// index used everywhere else in the stack.
type SlaveDescriptor struct {
	VendorID       uint32 `json:"vendorId" yaml:"vendorId"`
	ProductCode    uint32 `json:"productCode" yaml:"productCode"`
	RevisionNumber uint32 `json:"revisionNumber" yaml:"revisionNumber"`
	SerialNumber   uint32 `json:"serialNumber" yaml:"serialNumber"`

	ConfiguredAddress     uint16 `json:"configuredAddress" yaml:"configuredAddress"`
	AutoIncrementAddress  int16  `json:"autoIncrementAddress" yaml:"autoIncrementAddress"`

	ProcessData *ProcessData  `json:"processData,omitempty" yaml:"processData,omitempty"`
	Mailbox     MailboxConfig `json:"mailbox" yaml:"mailbox"`

	InitCommands []InitCommand `json:"initCommands,omitempty" yaml:"initCommands,omitempty"`

	// ManualConfigRequired is set by discovery when neither CoE
	// PDO-assignment upload nor SII PDO categories could be read; the
	// slave is excluded from the cyclic frame.
	ManualConfigRequired bool `json:"-" yaml:"-"`

	// Invalid is set by discovery when the slave's SII could not be read
	// at all; the slave survives in the partial list with its identity
	// fields zeroed.
	Invalid       bool   `json:"-" yaml:"-"`
	InvalidReason string `json:"-" yaml:"-"`
}

// Variable is one entry of the Network Description's optional top-level
// `processImage` list: a named bit-range the caller wants mapped to a PDI
// offset, expressed relative to its half (outputs or inputs).
type Variable struct {
	Name      string   `json:"name" yaml:"name"`
	DataType  DataType `json:"dataType" yaml:"dataType"`
	BitSize   int      `json:"bitSize" yaml:"bitSize"`
	BitOffset int      `json:"bitOffset" yaml:"bitOffset"`
	IsInput   bool     `json:"isInput" yaml:"isInput"`
}

// NetworkDescription is the authoritative configuration of one bus. It is
// immutable after construction; Slave Descriptors are mutated only during
// discovery, before the description is handed to the ESM orchestrator or
// mapping engine.
type NetworkDescription struct {
	Master       MasterConfig      `json:"master" yaml:"master"`
	Slaves       []SlaveDescriptor `json:"slaves" yaml:"slaves"`
	ProcessImage []Variable        `json:"processImage,omitempty" yaml:"processImage,omitempty"`
}

// Validate performs structural sanity checks on the description: slave
// ordering is fixed by construction, so this checks non-negative offsets,
// duplicate configured addresses, and addressing-mode consistency. PDI
// sizing is a property of the mapping engine's output, not of the raw
// description, so it is not checked here.
func (nd *NetworkDescription) Validate() error {
	seen := make(map[uint16]int, len(nd.Slaves))
	for i, s := range nd.Slaves {
		if prev, ok := seen[s.ConfiguredAddress]; ok {
			return fmt.Errorf("netdesc: slave %d and %d share configured address 0x%04x", prev, i, s.ConfiguredAddress)
		}
		seen[s.ConfiguredAddress] = i

		if s.ProcessData == nil {
			continue
		}
		pd := s.ProcessData
		if pd.InputByteOffset < 0 || pd.OutputByteOffset < 0 {
			return fmt.Errorf("netdesc: slave %d has a negative process-data byte offset", i)
		}
		if pd.InputBitLength < 0 || pd.OutputBitLength < 0 {
			return fmt.Errorf("netdesc: slave %d has a negative process-data bit length", i)
		}
		legacy, standard := false, false
		for _, e := range pd.Entries {
			if e.PDOByteOffset != nil {
				legacy = true
			}
			if e.PDIByteOffset != nil {
				standard = true
			}
			if e.PDOByteOffset != nil && e.PDIByteOffset != nil {
				return fmt.Errorf("netdesc: slave %d entry %q sets both pdoByteOffset and pdiByteOffset: %w", i, e.Name, ethercat.ErrMixedAddressingMode)
			}
		}
		if legacy && standard {
			return fmt.Errorf("netdesc: slave %d mixes legacy and process-image addressed entries: %w", i, ethercat.ErrMixedAddressingMode)
		}
	}
	return nil
}
