package ethercat

import "context"

// Driver is the collaborator contract a wire implementation must satisfy.
// The root package never touches a socket; everything above this interface
// (pkg/register, pkg/cyclic, pkg/mailbox, pkg/emergency) is wire-agnostic and
// testable against pkg/wire/virtual.
//
// Return-code conventions are part of the contract, not an implementation
// detail:
//
//   - ExchangeFrame: a non-negative return is the datagram's working
//     counter. -2 means the datagram timed out waiting for a response
//     (ErrTimeout). -4 means the datagram came back but its working
//     counter did not match the expected value (ErrWKCMismatch). Any other
//     negative value is a fatal driver failure (ErrDriverFatal) — the
//     caller does not retry.
//   - CheckMailbox: 1 means new mailbox data is available (and the toggle
//     bit should flip), 0 means the mailbox is unchanged, -2 means the
//     resilient read exhausted its retries (a transient, reportable
//     condition, not fatal), any other negative value is a transient
//     mailbox error distinct from exhaustion.
type Driver interface {
	// ExchangeFrame sends a single EtherCAT datagram addressed by command
	// and slaveAddr, with payload as the datagram's data area, and blocks
	// until a response or timeout. The response payload (if any) is
	// written back into payload in place. See return-code convention above.
	ExchangeFrame(ctx context.Context, command DatagramCommand, slaveAddr uint16, registerAddr uint16, payload []byte) (wkc int, err error)

	// ReadSII reads wordCount words starting at wordAddr from the slave's
	// SII EEPROM, addressed by its configured station address.
	ReadSII(ctx context.Context, slaveAddr uint16, wordAddr uint16, wordCount int) ([]byte, error)

	// CheckMailbox polls a slave's mailbox-out SyncManager for pending
	// data and, if present, reads it into buf. See return-code convention
	// above. toggleHint carries the last known toggle bit (0, 1, or 2 for
	// unknown) so drivers that track toggle state in hardware can detect
	// duplicates.
	CheckMailbox(ctx context.Context, slaveAddr uint16, toggleHint uint8, buf []byte) (n int, rc int, err error)

	// SendMailbox writes a mailbox message to a slave's mailbox-in
	// SyncManager.
	SendMailbox(ctx context.Context, slaveAddr uint16, data []byte) error

	// SDOUpload performs a CoE SDO expedited or segmented upload of the
	// given index/subindex from a slave.
	SDOUpload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8) ([]byte, error)

	// SDODownload performs a CoE SDO expedited or segmented download of
	// data to the given index/subindex on a slave.
	SDODownload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8, data []byte) error

	// ReadLastEmergency returns the single most recent CoE emergency object
	// observed on the bus, addressed by the originating slave's configured
	// station address. ok is false when no emergency has been observed
	// since the driver was opened (or since the last one read, depending
	// on the driver's own buffering — the emergency channel only acts on
	// ok==true and its own per-slave dedup history).
	ReadLastEmergency(ctx context.Context) (slaveAddr uint16, errorCode uint16, errorRegister uint8, ok bool, err error)

	// Close releases any underlying resources (sockets, file descriptors).
	Close() error
}

// DatagramCommand identifies an EtherCAT datagram command. Only the subset
// the register/cyclic layers actually issue is named here.
type DatagramCommand uint8

const (
	CmdBRD DatagramCommand = iota + 1 // Broadcast Read
	CmdBWR                            // Broadcast Write
	CmdAPRD                           // Auto-increment Physical Read
	CmdFPRD                           // Configured-address Physical Read
	CmdFPWR                           // Configured-address Physical Write
	CmdLRD                            // Logical Read
	CmdLWR                            // Logical Write
	CmdLRW                            // Logical Read/Write
)

func (c DatagramCommand) String() string {
	switch c {
	case CmdBRD:
		return "BRD"
	case CmdBWR:
		return "BWR"
	case CmdAPRD:
		return "APRD"
	case CmdFPRD:
		return "FPRD"
	case CmdFPWR:
		return "FPWR"
	case CmdLRD:
		return "LRD"
	case CmdLWR:
		return "LWR"
	case CmdLRW:
		return "LRW"
	default:
		return "UNKNOWN"
	}
}

// Mailbox check return codes, part of the Driver.CheckMailbox contract.
const (
	MailboxNewData          = 1
	MailboxUnchanged        = 0
	MailboxRetriesExhausted = -2
)

// Exchange return codes, part of the Driver.ExchangeFrame contract.
const (
	ExchangePDUTimeout  = -2
	ExchangeWKCMismatch = -4
)
