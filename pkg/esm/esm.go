// Package esm walks the EtherCAT State Machine one legal step at a time,
// executing each step's tagged init commands, gating PreOp→SafeOp on the
// SM-watchdog write, writing AL-control, and polling AL-status until it
// matches or the transition timeout elapses.
package esm

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/netdesc"
	"github.com/samsamfire/goethercat/pkg/register"
)

// PollConfig sets the delay between AL-status reads while waiting for a
// transition to complete, letting tests substitute a near-zero wait.
type PollConfig struct {
	Interval time.Duration
}

var defaultPoll = PollConfig{Interval: 2 * time.Millisecond}

// Orchestrator drives a Network Description's slaves through the ESM.
type Orchestrator struct {
	reg    *register.Client
	nd     *netdesc.NetworkDescription
	logger *slog.Logger
	poll   PollConfig

	mu             sync.Mutex
	current        ethercat.State
	callbackNextID uint64
	callbacks      map[uint64]func(ethercat.Event)
}

// New creates an Orchestrator starting in ethercat.StateInit.
func New(reg *register.Client, nd *netdesc.NetworkDescription, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reg:       reg,
		nd:        nd,
		logger:    logger.With("component", "esm"),
		poll:      defaultPoll,
		current:   ethercat.StateInit,
		callbacks: make(map[uint64]func(ethercat.Event)),
	}
}

// Current returns the master-wide AL state: the greatest state reached by
// all slaves.
func (o *Orchestrator) Current() ethercat.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// OnStateChange registers a callback fired after every successful
// transition step, returning a cancel closure.
func (o *Orchestrator) OnStateChange(cb func(ethercat.Event)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.callbackNextID
	o.callbackNextID++
	o.callbacks[id] = cb
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.callbacks, id)
	}
}

func (o *Orchestrator) fire(ev ethercat.Event) {
	o.mu.Lock()
	cbs := make([]func(ethercat.Event), 0, len(o.callbacks))
	for _, cb := range o.callbacks {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// RequestState drives every step of ethercat.StepPath(current, target) in
// order: init commands, watchdog gate, AL-control write, AL-status poll,
// state-change event. It stops and returns a
// *ethercat.StateTransitionError at the first failing hop.
func (o *Orchestrator) RequestState(ctx context.Context, target ethercat.State) error {
	from := o.Current()
	path := ethercat.StepPath(from, target)
	if path == nil {
		return &ethercat.StateTransitionError{From: from, To: target, SlaveIdx: -1, Cause: fmt.Errorf("no legal path")}
	}

	cur := from
	for _, next := range path {
		step := ethercat.TransitionCodeFor(cur, next)
		if err := o.runStep(ctx, cur, next, step); err != nil {
			return err
		}
		cur = next
		o.mu.Lock()
		o.current = cur
		o.mu.Unlock()
		o.fire(ethercat.Event{
			Kind: ethercat.EventStateChange,
			StateChange: &ethercat.StateChangeEvent{
				SlaveIdx: -1,
				From:     from,
				To:       cur,
			},
		})
		from = cur
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, from, to ethercat.State, step ethercat.TransitionCode) error {
	if err := o.runInitCommands(ctx, step); err != nil {
		return &ethercat.StateTransitionError{From: from, To: to, SlaveIdx: -1, Cause: err}
	}

	if step == ethercat.TransPS {
		o.gateWatchdog(ctx)
	}

	if err := o.writeALControlAndPoll(ctx, to); err != nil {
		return err
	}
	return nil
}

// runInitCommands executes, in descriptor order, every init command of
// every slave tagged for this transition step.
func (o *Orchestrator) runInitCommands(ctx context.Context, step ethercat.TransitionCode) error {
	for slaveIdx, slave := range o.nd.Slaves {
		for _, cmd := range slave.InitCommands {
			if !cmd.AppliesTo(step) {
				continue
			}
			if err := o.execInitCommand(ctx, slave.ConfiguredAddress, cmd); err != nil {
				return fmt.Errorf("slave %d init command %v: %w", slaveIdx, cmd.Kind, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) execInitCommand(ctx context.Context, slaveAddr uint16, cmd netdesc.InitCommand) error {
	expectWKC := 1
	if cmd.ExpectedWKC != nil {
		expectWKC = *cmd.ExpectedWKC
	}

	var lastErr error
	attempts := cmd.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		var err error
		switch cmd.Kind {
		case netdesc.InitRegisterWrite:
			err = o.reg.WriteRegisterExpect(ctx, slaveAddr, cmd.RegisterAddr, cmd.Data, expectWKC)
		case netdesc.InitCoESDODownload:
			err = o.reg.Driver().SDODownload(ctx, slaveAddr, cmd.Index, cmd.SubIndex, cmd.Data)
		case netdesc.InitSoEWrite:
			// SoE write is modeled as a CoE-style download against a
			// synthetic index built from opcode/driveNo/IDN, since SoE
			// (Sercos over EtherCAT) is otherwise outside this module's
			// CoE-centric wire access layer.
			err = o.reg.Driver().SDODownload(ctx, slaveAddr, cmd.IDN, cmd.DriveNo, cmd.Data)
		}
		if err == nil && cmd.Validate != nil && !cmd.Validate() {
			err = fmt.Errorf("esm: init command validation predicate rejected the result")
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// gateWatchdog writes the SM watchdog register (0x0420) for every slave
// before a PreOp→SafeOp transition. A slave rejecting the write is warned
// about, never fails the transition.
func (o *Orchestrator) gateWatchdog(ctx context.Context) {
	if o.nd.Master.SMWatchdogTimeoutMs == nil {
		return
	}
	value := uint16(*o.nd.Master.SMWatchdogTimeoutMs * 10) // default watchdog divider
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)

	for i, slave := range o.nd.Slaves {
		if slave.Invalid {
			continue
		}
		if err := o.reg.WriteRegister(ctx, slave.ConfiguredAddress, ethercat.RegSMWatchdog, buf); err != nil {
			o.logger.Warn("SM watchdog write rejected, continuing", "slave", i, "err", err)
		}
	}
}

// writeALControlAndPoll issues the AL-control write for the target state
// and polls AL-status until it matches or the state-transition timeout
// elapses.
func (o *Orchestrator) writeALControlAndPoll(ctx context.Context, target ethercat.State) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(target))

	for i, slave := range o.nd.Slaves {
		if slave.Invalid {
			continue
		}
		if err := o.reg.WriteRegister(ctx, slave.ConfiguredAddress, ethercat.RegALControl, buf); err != nil {
			return &ethercat.StateTransitionError{From: o.Current(), To: target, SlaveIdx: i, Cause: err}
		}
	}

	deadline := time.Now().Add(time.Duration(o.nd.Master.StateTransitionTimeoutMs) * time.Millisecond)
	if o.nd.Master.StateTransitionTimeoutMs == 0 {
		deadline = time.Now().Add(2 * time.Second)
	}

	for {
		allMatch := true
		for i, slave := range o.nd.Slaves {
			if slave.Invalid {
				continue
			}
			status, err := o.reg.ReadRegister16(ctx, slave.ConfiguredAddress, ethercat.RegALStatus)
			if err != nil {
				return &ethercat.StateTransitionError{From: o.Current(), To: target, SlaveIdx: i, Cause: err}
			}
			if ethercat.State(status) != target {
				allMatch = false
				if time.Now().After(deadline) {
					code, _ := o.reg.ReadRegister16(ctx, slave.ConfiguredAddress, ethercat.RegALStatusCode)
					return &ethercat.StateTransitionError{From: o.Current(), To: target, SlaveIdx: i, ALStatus: code, Cause: ethercat.ErrStateTransitionFailed}
				}
			}
		}
		if allMatch {
			return nil
		}
		time.Sleep(o.poll.Interval)
	}
}

// VerifyTopology reads every slave's actual identity back from its SII, in
// slave order, returning a *ethercat.TopologyMismatchError naming the
// first offending index on any mismatch.
func (o *Orchestrator) VerifyTopology(ctx context.Context) error {
	for i, slave := range o.nd.Slaves {
		if slave.Invalid {
			continue
		}
		// serialNumber is not compared: it may legitimately be 0 on
		// unprogrammed hardware, so it cannot distinguish slaves.
		fields := []struct {
			name     string
			expected uint32
			wordAddr uint16
		}{
			{"vendorId", slave.VendorID, 0x0008},
			{"productCode", slave.ProductCode, 0x000A},
			{"revisionNumber", slave.RevisionNumber, 0x000C},
		}
		for _, f := range fields {
			buf, err := o.reg.ReadSII(ctx, slave.ConfiguredAddress, f.wordAddr, 2)
			if err != nil {
				return fmt.Errorf("esm: topology verification: slave %d: %w", i, err)
			}
			actual := binary.LittleEndian.Uint32(buf)
			if actual != f.expected {
				return &ethercat.TopologyMismatchError{SlaveIdx: i, Field: f.name, Expected: f.expected, Actual: actual}
			}
		}
	}
	return nil
}
