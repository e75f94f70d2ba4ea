package emergency

import (
	"context"
	"testing"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/wire/virtual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ndWithOneCoESlave() *netdesc.NetworkDescription {
	return &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{ConfiguredAddress: 1001, Mailbox: netdesc.MailboxConfig{SupportsCoE: true}},
			{ConfiguredAddress: 1002, Mailbox: netdesc.MailboxConfig{SupportsCoE: false}},
		},
	}
}

func TestPollOnceDispatchesNewEmergency(t *testing.T) {
	driver := virtual.New()
	driver.AddSlave(1001, nil)
	driver.PushEmergency(1001, 0x2310, 0x01)

	c := New(driver, ndWithOneCoESlave(), nil)
	var got []ethercat.EmergencyEvent
	c.OnEmergency(func(ev ethercat.EmergencyEvent) { got = append(got, ev) })

	c.PollOnce(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].SlaveIdx)
	assert.Equal(t, uint16(0x2310), got[0].ErrorCode)

	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, uint16(0x2310), last.ErrorCode)
}

func TestPollOnceDedupsRepeatedEmergency(t *testing.T) {
	driver := virtual.New()
	driver.AddSlave(1001, nil)
	driver.PushEmergency(1001, 0x2310, 0x01)
	driver.PushEmergency(1001, 0x2310, 0x01) // identical, must be deduped
	driver.PushEmergency(1001, 0x5000, 0x10) // distinct, must fire

	c := New(driver, ndWithOneCoESlave(), nil)
	var got []ethercat.EmergencyEvent
	c.OnEmergency(func(ev ethercat.EmergencyEvent) { got = append(got, ev) })

	c.PollOnce(context.Background())
	c.PollOnce(context.Background())
	c.PollOnce(context.Background())

	require.Len(t, got, 2)
	assert.Equal(t, uint16(0x2310), got[0].ErrorCode)
	assert.Equal(t, uint16(0x5000), got[1].ErrorCode)
}

func TestPollOnceIgnoresNonCoESlave(t *testing.T) {
	driver := virtual.New()
	driver.AddSlave(1002, nil)
	driver.PushEmergency(1002, 0x1234, 0x02)

	c := New(driver, ndWithOneCoESlave(), nil)
	var got []ethercat.EmergencyEvent
	c.OnEmergency(func(ev ethercat.EmergencyEvent) { got = append(got, ev) })

	c.PollOnce(context.Background())
	assert.Empty(t, got)
	_, ok := c.Last()
	assert.False(t, ok)
}

func TestPollOnceNoEmergencyIsNoOp(t *testing.T) {
	driver := virtual.New()
	driver.AddSlave(1001, nil)

	c := New(driver, ndWithOneCoESlave(), nil)
	c.PollOnce(context.Background())
	_, ok := c.Last()
	assert.False(t, ok)
}

func TestDescribeKnownAndUnknownCodes(t *testing.T) {
	assert.NotEqual(t, "", Describe(0x2300))
	assert.NotEmpty(t, Describe(0xFFFF))
}
