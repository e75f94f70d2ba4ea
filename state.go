package ethercat

// State is an EtherCAT State Machine (ESM) state. Values match the AL
// status register's low byte encoding.
type State uint8

const (
	StateInit    State = 0x01
	StatePreOp   State = 0x02
	StateSafeOp  State = 0x04
	StateOp      State = 0x08
	StateUnknown State = 0x00
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StatePreOp:
		return "PreOp"
	case StateSafeOp:
		return "SafeOp"
	case StateOp:
		return "Op"
	default:
		return "Unknown"
	}
}

// TransitionCode is the two-letter ESM transition identifier used in init
// command tagging: the first letter is the departing state, the second the
// arriving state.
type TransitionCode string

const (
	TransIP TransitionCode = "IP" // Init -> PreOp
	TransPS TransitionCode = "PS" // PreOp -> SafeOp
	TransSO TransitionCode = "SO" // SafeOp -> Op
	TransOS TransitionCode = "OS" // Op -> SafeOp
	TransSP TransitionCode = "SP" // SafeOp -> PreOp
	TransPI TransitionCode = "PI" // PreOp -> Init
	TransOI TransitionCode = "OI" // Op -> Init (implicit, via SafeOp and PreOp)
	TransSI TransitionCode = "SI" // SafeOp -> Init (implicit, via PreOp)
	TransOP TransitionCode = "OP" // Op -> PreOp (implicit, via SafeOp)
)

// orderedStates lists every reachable ESM state in ascending order, used by
// pkg/esm to compute the path between two states (the ESM only allows
// single-step transitions; multi-step requests walk this list one hop at a
// time, descending to drop down and ascending to climb up).
var orderedStates = []State{StateInit, StatePreOp, StateSafeOp, StateOp}

// StepPath returns the ordered sequence of single-step transitions needed
// to move from 'from' to 'to', inclusive of the destination, exclusive of
// the origin. For example StepPath(Init, Op) returns
// [PreOp, SafeOp, Op].
func StepPath(from, to State) []State {
	fromIdx, toIdx := indexOf(from), indexOf(to)
	if fromIdx < 0 || toIdx < 0 {
		return nil
	}
	var path []State
	if fromIdx < toIdx {
		for i := fromIdx + 1; i <= toIdx; i++ {
			path = append(path, orderedStates[i])
		}
	} else if fromIdx > toIdx {
		for i := fromIdx - 1; i >= toIdx; i-- {
			path = append(path, orderedStates[i])
		}
	}
	return path
}

func indexOf(s State) int {
	for i, st := range orderedStates {
		if st == s {
			return i
		}
	}
	return -1
}

// TransitionCodeFor returns the two-letter tag for a single-step transition
// from 'from' to 'to'. Returns "" for non-adjacent or identity pairs.
func TransitionCodeFor(from, to State) TransitionCode {
	switch {
	case from == StateInit && to == StatePreOp:
		return TransIP
	case from == StatePreOp && to == StateSafeOp:
		return TransPS
	case from == StateSafeOp && to == StateOp:
		return TransSO
	case from == StateOp && to == StateSafeOp:
		return TransOS
	case from == StateSafeOp && to == StatePreOp:
		return TransSP
	case from == StatePreOp && to == StateInit:
		return TransPI
	default:
		return ""
	}
}

// Register addresses used by the ESM orchestrator and cyclic exchange,
// per the EtherCAT register map (ETG.1000).
const (
	RegALControl     uint16 = 0x0120
	RegALStatus      uint16 = 0x0130
	RegALStatusCode  uint16 = 0x0134
	RegWatchdogDiv   uint16 = 0x0400
	RegPDIWatchdog   uint16 = 0x0410
	RegSMWatchdog    uint16 = 0x0420
	RegWatchdogStatus uint16 = 0x0440
	RegSIIIdentStart uint16 = 0x0010 // SII register window, identity fields
	RegSIIIdentEnd   uint16 = 0x0017
	RegMailboxStatus uint16 = 0x080D
)
