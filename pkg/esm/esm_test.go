package esm

import (
	"context"
	"sync"
	"testing"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/register"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver is a minimal ethercat.Driver that auto-mirrors AL-control
// writes into AL-status (standing in for real ESC firmware) so
// writeALControlAndPoll's poll loop converges immediately, and can be
// configured to always fail writes to one register address.
type stubDriver struct {
	mu           sync.Mutex
	registers    map[uint16]map[uint16][]byte
	failRegister uint16
	sii          map[uint16][]byte
	sdoCalls     []sdoCall
}

type sdoCall struct {
	slaveAddr uint16
	index     uint16
	subIndex  uint8
	data      []byte
}

func newStubDriver() *stubDriver {
	return &stubDriver{registers: make(map[uint16]map[uint16][]byte), sii: make(map[uint16][]byte)}
}

func (d *stubDriver) regMap(slaveAddr uint16) map[uint16][]byte {
	m, ok := d.registers[slaveAddr]
	if !ok {
		m = make(map[uint16][]byte)
		d.registers[slaveAddr] = m
	}
	return m
}

func (d *stubDriver) ExchangeFrame(ctx context.Context, command ethercat.DatagramCommand, slaveAddr uint16, registerAddr uint16, payload []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch command {
	case ethercat.CmdFPWR:
		if d.failRegister != 0 && registerAddr == d.failRegister {
			return ethercat.ExchangePDUTimeout, nil
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		m := d.regMap(slaveAddr)
		m[registerAddr] = buf
		if registerAddr == ethercat.RegALControl {
			m[ethercat.RegALStatus] = buf
		}
		return 1, nil
	case ethercat.CmdFPRD:
		m := d.regMap(slaveAddr)
		buf, ok := m[registerAddr]
		if !ok {
			buf = make([]byte, len(payload))
		}
		copy(payload, buf)
		return 1, nil
	default:
		return len(d.registers), nil
	}
}

func (d *stubDriver) ReadSII(ctx context.Context, slaveAddr uint16, wordAddr uint16, wordCount int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.sii[slaveAddr]
	if !ok {
		return make([]byte, wordCount*2), nil
	}
	start := int(wordAddr) * 2
	end := start + wordCount*2
	if end > len(buf) {
		end = len(buf)
	}
	out := make([]byte, wordCount*2)
	if start < len(buf) {
		copy(out, buf[start:end])
	}
	return out, nil
}

func (d *stubDriver) CheckMailbox(ctx context.Context, slaveAddr uint16, toggleHint uint8, buf []byte) (int, int, error) {
	return 0, ethercat.MailboxUnchanged, nil
}
func (d *stubDriver) SendMailbox(ctx context.Context, slaveAddr uint16, data []byte) error { return nil }

func (d *stubDriver) SDOUpload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8) ([]byte, error) {
	return nil, nil
}

func (d *stubDriver) SDODownload(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sdoCalls = append(d.sdoCalls, sdoCall{slaveAddr, index, subIndex, append([]byte(nil), data...)})
	return nil
}

func (d *stubDriver) ReadLastEmergency(ctx context.Context) (uint16, uint16, uint8, bool, error) {
	return 0, 0, 0, false, nil
}
func (d *stubDriver) Close() error { return nil }

func withZeroPoll(o *Orchestrator) *Orchestrator {
	o.poll = PollConfig{Interval: 0}
	return o
}

func TestRequestStateWalksFullPath(t *testing.T) {
	driver := newStubDriver()
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{{ConfiguredAddress: 1001}},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	require.NoError(t, o.RequestState(context.Background(), ethercat.StateOp))
	assert.Equal(t, ethercat.StateOp, o.Current())
}

func TestRequestStateFiresCallbackPerHop(t *testing.T) {
	driver := newStubDriver()
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{{ConfiguredAddress: 1001}},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	var seen []ethercat.State
	cancel := o.OnStateChange(func(ev ethercat.Event) {
		seen = append(seen, ev.StateChange.To)
	})

	require.NoError(t, o.RequestState(context.Background(), ethercat.StateSafeOp))
	assert.Equal(t, []ethercat.State{ethercat.StatePreOp, ethercat.StateSafeOp}, seen)

	cancel()
	require.NoError(t, o.RequestState(context.Background(), ethercat.StateOp))
	assert.Equal(t, []ethercat.State{ethercat.StatePreOp, ethercat.StateSafeOp}, seen, "no further callbacks after cancel")
}

func TestRequestStateRunsTaggedInitCommands(t *testing.T) {
	driver := newStubDriver()
	customReg := uint16(0x0900)
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{
				ConfiguredAddress: 1001,
				InitCommands: []netdesc.InitCommand{
					{Kind: netdesc.InitRegisterWrite, Transitions: []ethercat.TransitionCode{ethercat.TransIP}, RegisterAddr: customReg, Data: []byte{0x42}},
					{Kind: netdesc.InitCoESDODownload, Transitions: []ethercat.TransitionCode{ethercat.TransPS}, Index: 0x6000, SubIndex: 1, Data: []byte{0x01}},
				},
			},
		},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	require.NoError(t, o.RequestState(context.Background(), ethercat.StateSafeOp))

	assert.Equal(t, []byte{0x42}, driver.registers[1001][customReg])
	require.Len(t, driver.sdoCalls, 1)
	assert.Equal(t, uint16(0x6000), driver.sdoCalls[0].index)
}

func TestInitCommandValidationPredicateRetries(t *testing.T) {
	driver := newStubDriver()
	attempts := 0
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{
				ConfiguredAddress: 1001,
				InitCommands: []netdesc.InitCommand{
					{
						Kind:         netdesc.InitRegisterWrite,
						Transitions:  []ethercat.TransitionCode{ethercat.TransIP},
						RegisterAddr: 0x0900,
						Data:         []byte{0x01},
						Retries:      2,
						Validate: func() bool {
							attempts++
							return attempts >= 2 // reject the first attempt only
						},
					},
				},
			},
		},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	require.NoError(t, o.RequestState(context.Background(), ethercat.StatePreOp))
	assert.Equal(t, 2, attempts)
}

func TestInitCommandExpectedWKCMismatchFailsTransition(t *testing.T) {
	driver := newStubDriver()
	expect := 2 // stub always answers a unicast FPWR with WKC 1
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{
			{
				ConfiguredAddress: 1001,
				InitCommands: []netdesc.InitCommand{
					{
						Kind:         netdesc.InitRegisterWrite,
						Transitions:  []ethercat.TransitionCode{ethercat.TransIP},
						RegisterAddr: 0x0900,
						Data:         []byte{0x01},
						ExpectedWKC:  &expect,
					},
				},
			},
		},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	err := o.RequestState(context.Background(), ethercat.StatePreOp)
	require.Error(t, err)
	assert.ErrorIs(t, err, ethercat.ErrStateTransitionFailed)
	assert.Equal(t, ethercat.StateInit, o.Current())
}

// An SM-watchdog write rejected by a slave warns but does not fail the
// PreOp->SafeOp transition.
func TestSMWatchdogRejectionDoesNotFailTransition(t *testing.T) {
	driver := newStubDriver()
	driver.failRegister = ethercat.RegSMWatchdog
	timeoutMs := uint32(100)
	nd := &netdesc.NetworkDescription{
		Master: netdesc.MasterConfig{SMWatchdogTimeoutMs: &timeoutMs},
		Slaves: []netdesc.SlaveDescriptor{{ConfiguredAddress: 1001}},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	err := o.RequestState(context.Background(), ethercat.StateSafeOp)
	assert.NoError(t, err)
	assert.Equal(t, ethercat.StateSafeOp, o.Current())
}

func TestRequestStateNoLegalPathToSameState(t *testing.T) {
	driver := newStubDriver()
	nd := &netdesc.NetworkDescription{Slaves: []netdesc.SlaveDescriptor{{ConfiguredAddress: 1001}}}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	err := o.RequestState(context.Background(), ethercat.StateInit)
	assert.Error(t, err)
}

func TestVerifyTopologyMismatch(t *testing.T) {
	driver := newStubDriver()
	sii := make([]byte, 0x20)
	sii[0x10] = 0xFF // vendorId (word 0x0008, byte offset 0x10) reads back as 0xff != expected
	driver.sii[1001] = sii
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{{ConfiguredAddress: 1001, VendorID: 0x00000002}},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	err := o.VerifyTopology(context.Background())
	require.Error(t, err)
	var mismatch *ethercat.TopologyMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.SlaveIdx)
}

func TestVerifyTopologyMatches(t *testing.T) {
	driver := newStubDriver()
	sii := make([]byte, 0x20)
	sii[0x10] = 0x01
	driver.sii[1001] = sii
	nd := &netdesc.NetworkDescription{
		Slaves: []netdesc.SlaveDescriptor{{ConfiguredAddress: 1001, VendorID: 0x00000001}},
	}
	reg := register.New(driver, 0, nil)
	o := withZeroPoll(New(reg, nd, nil))

	assert.NoError(t, o.VerifyTopology(context.Background()))
}
