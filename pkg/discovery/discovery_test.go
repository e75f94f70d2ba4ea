package discovery

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/register"
	"github.com/samsamfire/goethercat/pkg/wire/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSII produces a minimal SII EEPROM image with identity fields and a
// single General category (tag 10) advertising CoE support, terminated
// correctly.
func buildSII(vendorID, productCode, revision, serial uint32) []byte {
	buf := make([]byte, 0x90)
	binary.LittleEndian.PutUint32(buf[0x10:], vendorID)
	binary.LittleEndian.PutUint32(buf[0x14:], productCode)
	binary.LittleEndian.PutUint32(buf[0x18:], revision)
	binary.LittleEndian.PutUint32(buf[0x1C:], serial)

	// Category chain starts at word 0x0040 (byte 0x80).
	binary.LittleEndian.PutUint16(buf[0x80:], siiCatGeneral)
	binary.LittleEndian.PutUint16(buf[0x82:], 4) // 4 words = 8 bytes of data
	buf[0x80+4+7] = 0x04                          // byte offset 7, bit2 = CoE support

	// Terminator.
	binary.LittleEndian.PutUint16(buf[0x80+4+8:], siiCatEnd)
	return buf
}

func putPDOAssign(driver *virtual.Driver, slaveAddr uint16, assignIndex uint16, pdoIndex uint16, entryIndex uint16, entrySub uint8, bitLen uint8) {
	driver.SetODEntry(slaveAddr, assignIndex, 0, []byte{1})
	pdoBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(pdoBuf, pdoIndex)
	driver.SetODEntry(slaveAddr, assignIndex, 1, pdoBuf)

	driver.SetODEntry(slaveAddr, pdoIndex, 0, []byte{1})
	packed := uint32(entryIndex)<<16 | uint32(entrySub)<<8 | uint32(bitLen)
	packedBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(packedBuf, packed)
	driver.SetODEntry(slaveAddr, pdoIndex, 1, packedBuf)
}

func putEmptyAssign(driver *virtual.Driver, slaveAddr uint16, assignIndex uint16) {
	driver.SetODEntry(slaveAddr, assignIndex, 0, []byte{0})
}

// A two-slave chain: an output-only slave and an input-only slave, both
// CoE-capable. Discovery must return two valid descriptors with
// monotonically non-decreasing PDI byte offsets, and a CoE-capable slave's
// mailbox config must carry the Class B recommended status register and
// poll period.
func TestDiscoverTwoSlaveChain(t *testing.T) {
	driver := virtual.New()

	driver.AddSlave(0x1000, buildSII(0x00000011, 0x00000022, 1, 1))
	putPDOAssign(driver, 0x1000, coeRxPDOAssign, 0x1600, 0x7000, 0x01, 8)
	putEmptyAssign(driver, 0x1000, coeTxPDOAssign)

	driver.AddSlave(0x1001, buildSII(0x00000011, 0x00000033, 1, 2))
	putEmptyAssign(driver, 0x1001, coeRxPDOAssign)
	putPDOAssign(driver, 0x1001, coeTxPDOAssign, 0x1A00, 0x6000, 0x01, 16)

	client := register.New(driver, 1, nil)
	nd, err := Discover(context.Background(), client, nil)
	require.NoError(t, err)
	require.Len(t, nd.Slaves, 2)

	for i, s := range nd.Slaves {
		assert.False(t, s.Invalid, "slave %d", i)
		assert.False(t, s.ManualConfigRequired, "slave %d", i)
		require.NotNil(t, s.ProcessData, "slave %d", i)
		assert.True(t, s.Mailbox.SupportsCoE, "slave %d", i)
		assert.Equal(t, ethercat.RegMailboxStatus, s.Mailbox.StatusRegisterAddress, "slave %d", i)
		assert.Equal(t, 20, s.Mailbox.PollPeriodMs, "slave %d", i)
	}

	assert.LessOrEqual(t, nd.Slaves[0].ProcessData.OutputByteOffset, nd.Slaves[1].ProcessData.OutputByteOffset)
	assert.LessOrEqual(t, nd.Slaves[0].ProcessData.InputByteOffset, nd.Slaves[1].ProcessData.InputByteOffset)

	assert.Equal(t, 0, nd.Slaves[0].ProcessData.OutputByteOffset)
	assert.Equal(t, 8, nd.Slaves[0].ProcessData.OutputBitLength)
	assert.Equal(t, 0, nd.Slaves[1].ProcessData.InputByteOffset)
	assert.Equal(t, 16, nd.Slaves[1].ProcessData.InputBitLength)
}

func TestDiscoverZeroLengthSIIFlagsManualConfig(t *testing.T) {
	driver := virtual.New()
	driver.AddSlave(0x1000, nil) // zero-length SII: identity reads succeed as all-zero, not an error

	client := register.New(driver, 0, nil)
	nd, err := Discover(context.Background(), client, nil)
	require.NoError(t, err)
	require.Len(t, nd.Slaves, 1)
	// A zero-length SII still yields zeroed identity fields rather than a
	// read error from this in-memory driver (it zero-pads short reads), so
	// the slave is not flagged Invalid; it lacks a CoE/SII PDO source and
	// so is flagged ManualConfigRequired instead.
	assert.False(t, nd.Slaves[0].Invalid)
	assert.True(t, nd.Slaves[0].ManualConfigRequired)
}

func TestBackoffCapsAndJitters(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(attempt)
		assert.Greater(t, d.Nanoseconds(), int64(0))
		assert.LessOrEqual(t, d, 600*time.Millisecond) // generous margin over the 500ms cap plus jitter
	}
}
