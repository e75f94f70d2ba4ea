// Package mailbox polls every CoE-capable slave's mailbox-out SyncManager:
// a per-slave toggle bit tracks whether new mail arrived, and
// new-mail/empty/error outcomes from the driver's resilient check are
// fanned out as callbacks.
package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
)

// ToggleUnknown is the sentinel "unknown" toggle state, part of the
// internal protocol with the driver's CheckMailbox primitive. The first
// poll of a slave always passes this value as the toggle hint.
const ToggleUnknown uint8 = 2

// NewMailCallback is invoked when a slave's toggle flips (new mail
// available).
type NewMailCallback func(slaveIndex int)

// ErrorCallback is invoked for any poll outcome that is neither "new mail"
// nor "unchanged": retries exhausted, or a transient error.
type ErrorCallback func(ethercat.MailboxErrorEvent)

type entry struct {
	slaveIndex int
	slaveAddr  uint16
	statusReg  uint16
	pollPeriod time.Duration
	toggle     uint8
}

// Poller runs the periodic per-slave mailbox check.
type Poller struct {
	driver  ethercat.Driver
	logger  *slog.Logger
	entries []*entry

	mu        sync.Mutex
	onNewMail NewMailCallback
	onError   ErrorCallback
}

// New builds a Poller for every CoE-capable slave in nd, each with its own
// toggle state initialized to ToggleUnknown.
func New(driver ethercat.Driver, nd *netdesc.NetworkDescription, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{driver: driver, logger: logger.With("component", "mailbox")}
	for i, s := range nd.Slaves {
		if s.Invalid || !s.Mailbox.SupportsCoE {
			continue
		}
		period := s.Mailbox.PollPeriodMs
		if period <= 0 || period > 20 {
			period = 20 // clamp to the 20ms Class B poll rate
		}
		p.entries = append(p.entries, &entry{
			slaveIndex: i,
			slaveAddr:  s.ConfiguredAddress,
			statusReg:  s.Mailbox.StatusRegisterAddress,
			pollPeriod: time.Duration(period) * time.Millisecond,
			toggle:     ToggleUnknown,
		})
	}
	return p
}

// OnNewMail/OnError register the event callbacks.
func (p *Poller) OnNewMail(cb NewMailCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNewMail = cb
}

func (p *Poller) OnError(cb ErrorCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = cb
}

// PollOnce checks every monitored slave's mailbox once. It does no locking
// of its own: callers serialize it with cyclic.Exchange.RunCycle
// (pkg/master runs it from its poll goroutine under the same wire mutex
// that RunCycle holds).
func (p *Poller) PollOnce(ctx context.Context, buf []byte) {
	for _, e := range p.entries {
		n, rc, err := p.driver.CheckMailbox(ctx, e.slaveAddr, e.toggle, buf)
		_ = n
		switch {
		case rc == 1:
			if e.toggle == ToggleUnknown {
				e.toggle = 0
			} else {
				e.toggle = 1 - e.toggle
			}
			p.notifyNewMail(e.slaveIndex)

		case rc == 0:
			// Empty; toggle unchanged.

		case rc == ethercat.MailboxRetriesExhausted:
			p.notifyError(ethercat.MailboxErrorEvent{SlaveIdx: e.slaveIndex, RetriesExhausted: true, Err: err})

		default:
			p.notifyError(ethercat.MailboxErrorEvent{SlaveIdx: e.slaveIndex, RetriesExhausted: false, Err: err})
		}
	}
}

func (p *Poller) notifyNewMail(slaveIndex int) {
	p.mu.Lock()
	cb := p.onNewMail
	p.mu.Unlock()
	if cb != nil {
		cb(slaveIndex)
	}
}

func (p *Poller) notifyError(ev ethercat.MailboxErrorEvent) {
	p.mu.Lock()
	cb := p.onError
	p.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// MinPollPeriod returns the shortest configured poll period across all
// monitored slaves, used by pkg/master to schedule the poll loop.
func (p *Poller) MinPollPeriod() time.Duration {
	min := 20 * time.Millisecond
	for _, e := range p.entries {
		if e.pollPeriod < min {
			min = e.pollPeriod
		}
	}
	return min
}
