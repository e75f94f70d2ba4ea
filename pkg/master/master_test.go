package master

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/wire/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneSlaveND() *netdesc.NetworkDescription {
	return &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{
				ConfiguredAddress: 1001,
				ProcessData:       &netdesc.ProcessData{OutputByteOffset: 0, OutputBitLength: 8},
				Mailbox:           netdesc.MailboxConfig{SupportsCoE: true, StatusRegisterAddress: ethercat.RegMailboxStatus, PollPeriodMs: 20},
			},
		},
		ProcessImage: []netdesc.Variable{
			{Name: "Out", DataType: netdesc.UINT8, BitSize: 8, BitOffset: 0, IsInput: false},
		},
	}
}

// mirrorALStatus simulates real ESC firmware reflecting an AL-control write
// into AL-status, which this in-memory driver does not do on its own.
func mirrorALStatus(driver *virtual.Driver, slaveAddr uint16, state ethercat.State) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(state))
	driver.SetRegister(slaveAddr, ethercat.RegALStatus, buf)
}

func newInitializedMaster(t *testing.T) (*Master, *virtual.Driver) {
	t.Helper()
	driver := virtual.New()
	driver.AddSlave(1001, make([]byte, 0x20))
	m := New(driver)
	require.NoError(t, m.Initialize(context.Background(), oneSlaveND()))
	return m, driver
}

func TestInitializeStartsInStateInit(t *testing.T) {
	m, _ := newInitializedMaster(t)
	assert.Equal(t, ethercat.StateInit, m.CurrentState())
}

func TestRunCycleAfterInitialize(t *testing.T) {
	m, _ := newInitializedMaster(t)
	wkc, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, wkc)
}

func TestRequestStatePublishesStateChangeEvent(t *testing.T) {
	m, driver := newInitializedMaster(t)
	mirrorALStatus(driver, 1001, ethercat.StatePreOp)

	var seen []ethercat.State
	cancel := m.Subscribe(ethercat.EventStateChange, func(ev ethercat.Event) {
		seen = append(seen, ev.StateChange.To)
	})
	defer cancel()

	require.NoError(t, m.RequestState(context.Background(), ethercat.StatePreOp))
	assert.Equal(t, ethercat.StatePreOp, m.CurrentState())
	assert.Equal(t, []ethercat.State{ethercat.StatePreOp}, seen)
}

func TestLookupReturnsProcessImageMapping(t *testing.T) {
	m, _ := newInitializedMaster(t)
	mp, ok := m.Lookup("Out")
	require.True(t, ok)
	assert.Equal(t, 0, mp.PDIByteOffset)
}

func TestReadWritePdoByte(t *testing.T) {
	m, _ := newInitializedMaster(t)
	require.NoError(t, m.WritePdoByte(0, 0, 7))
	b, err := m.ReadPdoByte(0, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(7), b)
}

func TestReadWritePdoByteRejectsBadSlaveOrOffset(t *testing.T) {
	m, _ := newInitializedMaster(t)

	_, err := m.ReadPdoByte(1, 0)
	assert.ErrorIs(t, err, ethercat.ErrInvalidArgument, "slave index out of range")

	err = m.WritePdoByte(-1, 0, 1)
	assert.ErrorIs(t, err, ethercat.ErrInvalidArgument)

	// The one configured slave carries a single output byte and no inputs.
	_, err = m.ReadPdoByte(0, 1)
	assert.ErrorIs(t, err, ethercat.ErrInvalidArgument, "offset past the slave's window")
}

func TestSDOReadWriteRoundTrip(t *testing.T) {
	m, _ := newInitializedMaster(t)
	ctx := context.Background()
	require.NoError(t, m.SDOWrite(ctx, 1001, 0x6000, 1, []byte{9}))
	buf, err := m.SDORead(ctx, 1001, 0x6000, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, buf)
}

func TestGetLastEmergencyInitiallyAbsent(t *testing.T) {
	m, _ := newInitializedMaster(t)
	_, ok := m.GetLastEmergency()
	assert.False(t, ok)
}

func TestCloseIsIdempotentAndStopsOperations(t *testing.T) {
	m, _ := newInitializedMaster(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "second Close must be a no-op, not an error")

	ctx := context.Background()
	_, err := m.RunCycle(ctx)
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	err = m.RequestState(ctx, ethercat.StatePreOp)
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	_, err = m.ReadPdoByte(0, 0)
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	err = m.WritePdoByte(0, 0, 1)
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	_, err = m.SDORead(ctx, 1001, 0x6000, 1)
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	err = m.SDOWrite(ctx, 1001, 0x6000, 1, []byte{1})
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	_, err = m.ReadEEPROM(ctx, 1001, 0x0008, 2)
	assert.ErrorIs(t, err, ethercat.ErrClosed)

	err = m.VerifyTopology(ctx)
	assert.ErrorIs(t, err, ethercat.ErrClosed)
}
