package cyclic

import (
	"context"
	"testing"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/mapping"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDriver returns a pre-programmed sequence of WKC values (always
// with a nil error) from ExchangeFrame, repeating the last entry once
// exhausted. Every other
// Driver method is a stub; cyclic.Exchange never calls them.
type scriptedDriver struct {
	script []int
	calls  int
}

func (d *scriptedDriver) ExchangeFrame(ctx context.Context, command ethercat.DatagramCommand, slaveAddr uint16, registerAddr uint16, payload []byte) (int, error) {
	idx := d.calls
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	d.calls++
	return d.script[idx], nil
}

func (d *scriptedDriver) ReadSII(ctx context.Context, slaveAddr uint16, wordAddr uint16, wordCount int) ([]byte, error) {
	return nil, nil
}
func (d *scriptedDriver) CheckMailbox(ctx context.Context, slaveAddr uint16, toggleHint uint8, buf []byte) (int, int, error) {
	return 0, 0, nil
}
func (d *scriptedDriver) SendMailbox(ctx context.Context, slaveAddr uint16, data []byte) error {
	return nil
}
func (d *scriptedDriver) SDOUpload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8) ([]byte, error) {
	return nil, nil
}
func (d *scriptedDriver) SDODownload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8, data []byte) error {
	return nil
}
func (d *scriptedDriver) ReadLastEmergency(ctx context.Context) (uint16, uint16, uint8, bool, error) {
	return 0, 0, 0, false, nil
}
func (d *scriptedDriver) Close() error { return nil }

func emptyTable() *mapping.Table {
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{ConfiguredAddress: 1, ProcessData: &netdesc.ProcessData{OutputByteOffset: 0, OutputBitLength: 8}},
		},
	}
	table, err := mapping.Build(nd)
	if err != nil {
		panic(err)
	}
	return table
}

// Ride-through: four -2 calls return -2 without raising, the fifth
// returns 1 and resets the counter; a subsequent run of six -2s raises
// CommsLost on the sixth call only.
func TestRunCycleRideThrough(t *testing.T) {
	script := []int{-2, -2, -2, -2, 1, -2, -2, -2, -2, -2, -2}
	driver := &scriptedDriver{script: script}
	exch := New(driver, emptyTable(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		wkc, err := exch.RunCycle(ctx)
		assert.NoError(t, err)
		assert.Equal(t, -2, wkc)
	}
	assert.Equal(t, 4, exch.MissedCycles())

	wkc, err := exch.RunCycle(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, wkc)
	assert.Equal(t, 0, exch.MissedCycles())

	for i := 0; i < 5; i++ {
		_, err := exch.RunCycle(ctx)
		assert.NoError(t, err)
	}
	_, err = exch.RunCycle(ctx)
	assert.ErrorIs(t, err, ethercat.ErrCommsLost)
}

func TestRunCycleWKCMismatchEscalatesToIntegrityLoss(t *testing.T) {
	script := make([]int, 6)
	for i := range script {
		script[i] = ethercat.ExchangeWKCMismatch
	}
	driver := &scriptedDriver{script: script}
	exch := New(driver, emptyTable(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := exch.RunCycle(ctx)
		assert.NoError(t, err)
	}
	_, err := exch.RunCycle(ctx)
	assert.ErrorIs(t, err, ethercat.ErrPdoIntegrity)
}

func TestPreTransmitAndPostReceive(t *testing.T) {
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{ConfiguredAddress: 1, ProcessData: &netdesc.ProcessData{OutputByteOffset: 0, OutputBitLength: 8}},
			{ConfiguredAddress: 2, ProcessData: &netdesc.ProcessData{InputByteOffset: 0, InputBitLength: 16}},
		},
		ProcessImage: []netdesc.Variable{
			{Name: "Out", DataType: netdesc.UINT8, BitSize: 8, BitOffset: 0, IsInput: false},
			{Name: "In", DataType: netdesc.UINT16, BitSize: 16, BitOffset: 0, IsInput: true},
		},
	}
	table, err := mapping.Build(nd)
	require.NoError(t, err)

	driver := &scriptedDriver{script: []int{1}}
	exch := New(driver, table, nil)

	out, ok := table.Lookup("Out")
	require.True(t, ok)
	out.Write(uint8(42))

	wkc, err := exch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, wkc)

	b, err := exch.ReadSlaveByte(0)
	require.NoError(t, err)
	assert.Equal(t, byte(42), b)

	// The stub leaves the inputs half zeroed; post-receive decodes it.
	in, ok := table.Lookup("In")
	require.True(t, ok)
	assert.Equal(t, uint16(0), in.Read())
}

func TestReadWriteSlaveByteBoundsChecked(t *testing.T) {
	exch := New(&scriptedDriver{script: []int{1}}, emptyTable(), nil)
	_, err := exch.ReadSlaveByte(100)
	assert.ErrorIs(t, err, ethercat.ErrInvalidArgument)
	assert.ErrorIs(t, exch.WriteSlaveByte(100, 1), ethercat.ErrInvalidArgument)
}
