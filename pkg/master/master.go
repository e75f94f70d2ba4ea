// Package master ties the stack together: a Master owns the Network
// Description, the PDI buffer, the mapping table, the ESM state, and the
// mailbox/emergency background activities, and is the single entry point
// applications are expected to use.
package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/cyclic"
	"github.com/samsamfire/goethercat/pkg/discovery"
	"github.com/samsamfire/goethercat/pkg/emergency"
	"github.com/samsamfire/goethercat/pkg/esm"
	"github.com/samsamfire/goethercat/pkg/mailbox"
	"github.com/samsamfire/goethercat/pkg/mapping"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/register"
)

// Option configures a Master at construction time.
type Option func(*Master)

// Logger wires a caller-supplied structured logger. The default is
// slog.Default().
func Logger(logger *slog.Logger) Option {
	return func(m *Master) { m.logger = logger }
}

// Master is the single owner of the ethercat.Driver and the PDI buffer.
// A sync.Mutex serializes wire access between RunCycle, the mailbox-poll
// goroutine, the emergency-poll goroutine, and Close's driver release.
type Master struct {
	driver ethercat.Driver
	logger *slog.Logger

	reg   *register.Client
	nd    *netdesc.NetworkDescription
	table *mapping.Table
	exch  *cyclic.Exchange
	sm    *esm.Orchestrator
	mbox  *mailbox.Poller
	emcy  *emergency.Channel

	wireMu sync.Mutex // serializes driver access across RunCycle, the poll goroutines, and Close

	closed atomic.Bool
	wg     sync.WaitGroup
	stopCh chan struct{}

	subMu   sync.Mutex
	subNext uint64
	subs    map[uint64]subscription
}

type subscription struct {
	kind ethercat.EventKind
	fn   func(ethercat.Event)
}

// New constructs a Master over driver, performing no I/O yet; Initialize
// does the bring-up.
func New(driver ethercat.Driver, opts ...Option) *Master {
	m := &Master{
		driver: driver,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		subs:   make(map[uint64]subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "master")
	return m
}

// Subscribe registers fn for every event of the given kind, returning a
// cancel closure.
func (m *Master) Subscribe(kind ethercat.EventKind, fn func(ethercat.Event)) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.subNext
	m.subNext++
	m.subs[id] = subscription{kind: kind, fn: fn}
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Master) publish(ev ethercat.Event) {
	m.subMu.Lock()
	var fns []func(ethercat.Event)
	for _, s := range m.subs {
		if s.kind == ev.Kind {
			fns = append(fns, s.fn)
		}
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Initialize runs discovery (if nd is nil, a fresh Network Description is
// produced; otherwise the caller-supplied one is used as-is, e.g. when
// discovery was already performed or the ENI was parsed externally),
// builds the mapping table, allocates the PDI, and starts the mailbox and
// emergency background loops.
func (m *Master) Initialize(ctx context.Context, nd *netdesc.NetworkDescription) error {
	m.reg = register.New(m.driver, pduRetryCount(nd), m.logger)

	if nd == nil {
		discovered, err := discovery.Discover(ctx, m.reg, m.logger)
		if err != nil {
			return fmt.Errorf("master: initialize: discovery: %w", err)
		}
		nd = discovered
	}
	if err := nd.Validate(); err != nil {
		return fmt.Errorf("master: initialize: %w", err)
	}
	m.nd = nd

	table, err := mapping.Build(nd)
	if err != nil {
		return fmt.Errorf("master: initialize: %w", err)
	}
	m.table = table
	m.exch = cyclic.New(m.driver, table, m.logger)
	m.sm = esm.New(m.reg, nd, m.logger)

	m.sm.OnStateChange(func(ev ethercat.Event) { m.publish(ev) })

	m.mbox = mailbox.New(m.driver, nd, m.logger)
	m.mbox.OnError(func(ev ethercat.MailboxErrorEvent) {
		m.publish(ethercat.Event{Kind: ethercat.EventMailboxError, MailboxError: &ev})
	})

	m.emcy = emergency.New(m.driver, nd, m.logger)
	m.emcy.OnEmergency(func(ev ethercat.EmergencyEvent) {
		m.publish(ethercat.Event{Kind: ethercat.EventEmergency, Emergency: &ev})
	})

	m.startBackgroundLoops()
	return nil
}

func pduRetryCount(nd *netdesc.NetworkDescription) int {
	if nd == nil {
		return 3
	}
	return nd.Master.PDURetryCount
}

func (m *Master) startBackgroundLoops() {
	m.wg.Add(2)
	go m.mailboxLoop()
	go m.emergencyLoop()
}

func (m *Master) mailboxLoop() {
	defer m.wg.Done()
	period := m.mbox.MinPollPeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	buf := make([]byte, 256)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.closed.Load() {
				return
			}
			m.wireMu.Lock()
			m.mbox.PollOnce(context.Background(), buf)
			m.wireMu.Unlock()
		}
	}
}

func (m *Master) emergencyLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(emergency.DefaultPeriodMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.closed.Load() {
				return
			}
			m.wireMu.Lock()
			m.emcy.PollOnce(context.Background())
			m.wireMu.Unlock()
		}
	}
}

// VerifyTopology reads back every slave's identity and compares it against
// the Network Description.
func (m *Master) VerifyTopology(ctx context.Context) error {
	if m.closed.Load() {
		return ethercat.ErrClosed
	}
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.sm.VerifyTopology(ctx)
}

// RequestState drives the ESM to target, publishing a stateChange event on
// success.
func (m *Master) RequestState(ctx context.Context, target ethercat.State) error {
	if m.closed.Load() {
		return ethercat.ErrClosed
	}
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.sm.RequestState(ctx, target)
}

// CurrentState returns the master-wide AL state: the greatest state
// reached by all slaves.
func (m *Master) CurrentState() ethercat.State {
	return m.sm.Current()
}

// RunCycle performs one cyclic exchange. Pacing is the caller's job.
func (m *Master) RunCycle(ctx context.Context) (wkc int, err error) {
	if m.closed.Load() {
		return 0, ethercat.ErrClosed
	}
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.exch.RunCycle(ctx)
}

// ReadPdoByte/WritePdoByte access one slave's raw process-data bytes,
// bypassing the mapping table. offset addresses the slave's own window,
// outputs first then inputs, mirroring the PDI's [Outputs | Inputs] shape.
// An out-of-range slave index or offset yields ErrInvalidArgument.
func (m *Master) ReadPdoByte(slave int, offset int) (byte, error) {
	if m.closed.Load() {
		return 0, ethercat.ErrClosed
	}
	pdiOffset, err := m.slavePDIOffset(slave, offset)
	if err != nil {
		return 0, err
	}
	return m.exch.ReadSlaveByte(pdiOffset)
}

func (m *Master) WritePdoByte(slave int, offset int, value byte) error {
	if m.closed.Load() {
		return ethercat.ErrClosed
	}
	pdiOffset, err := m.slavePDIOffset(slave, offset)
	if err != nil {
		return err
	}
	return m.exch.WriteSlaveByte(pdiOffset, value)
}

// slavePDIOffset translates a per-slave byte offset into a global PDI
// offset: bytes [0, outLen) land in the slave's output range, bytes
// [outLen, outLen+inLen) in its input range.
func (m *Master) slavePDIOffset(slave int, offset int) (int, error) {
	if slave < 0 || slave >= len(m.nd.Slaves) {
		return 0, fmt.Errorf("%w: slave index %d out of range [0, %d)", ethercat.ErrInvalidArgument, slave, len(m.nd.Slaves))
	}
	pd := m.nd.Slaves[slave].ProcessData
	if pd == nil {
		return 0, fmt.Errorf("%w: slave %d has no process data", ethercat.ErrInvalidArgument, slave)
	}
	outLen := (pd.OutputBitLength + 7) / 8
	inLen := (pd.InputBitLength + 7) / 8
	switch {
	case offset >= 0 && offset < outLen:
		return pd.OutputByteOffset + offset, nil
	case offset >= outLen && offset < outLen+inLen:
		return m.table.OutputSize + pd.InputByteOffset + (offset - outLen), nil
	default:
		return 0, fmt.Errorf("%w: offset %d outside slave %d process data (%d output, %d input bytes)",
			ethercat.ErrInvalidArgument, offset, slave, outLen, inLen)
	}
}

// Lookup returns the named variable's mapping, for callers that prefer the
// named-variable surface over raw PDI offsets.
func (m *Master) Lookup(name string) (*mapping.Mapping, bool) {
	return m.table.Lookup(name)
}

// SDORead/SDOWrite expose CoE SDO access directly through the driver.
func (m *Master) SDORead(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8) ([]byte, error) {
	if m.closed.Load() {
		return nil, ethercat.ErrClosed
	}
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.driver.SDOUpload(ctx, slaveAddr, index, subIndex)
}

func (m *Master) SDOWrite(ctx context.Context, slaveAddr uint16, index uint16, subIndex uint8, data []byte) error {
	if m.closed.Load() {
		return ethercat.ErrClosed
	}
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.driver.SDODownload(ctx, slaveAddr, index, subIndex, data)
}

// ReadEEPROM reads wordCount words from a slave's SII EEPROM.
func (m *Master) ReadEEPROM(ctx context.Context, slaveAddr uint16, wordAddr uint16, wordCount int) ([]byte, error) {
	if m.closed.Load() {
		return nil, ethercat.ErrClosed
	}
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.reg.ReadSII(ctx, slaveAddr, wordAddr, wordCount)
}

// GetLastEmergency returns the most recent deduplicated emergency event,
// if any.
func (m *Master) GetLastEmergency() (ethercat.EmergencyEvent, bool) {
	return m.emcy.Last()
}

// Close stops the background loops and releases the driver. It is
// idempotent: a second call performs no I/O. Taking wireMu after the loops
// drain makes Close wait out any wire call already past its closed check
// before the driver goes away.
func (m *Master) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()
	m.wireMu.Lock()
	defer m.wireMu.Unlock()
	return m.driver.Close()
}
