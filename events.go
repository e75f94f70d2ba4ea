package ethercat

// EventKind tags the payload carried by Event, letting pkg/master expose a
// single typed Subscribe sink instead of three bespoke callback registries.
type EventKind uint8

const (
	EventStateChange EventKind = iota
	EventEmergency
	EventMailboxError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "StateChange"
	case EventEmergency:
		return "Emergency"
	case EventMailboxError:
		return "MailboxError"
	default:
		return "Unknown"
	}
}

// Event is the tagged union delivered to Master.Subscribe callbacks. Exactly
// one of StateChange, Emergency, or MailboxError is populated, matching Kind.
type Event struct {
	Kind         EventKind
	StateChange  *StateChangeEvent
	Emergency    *EmergencyEvent
	MailboxError *MailboxErrorEvent
}

// StateChangeEvent reports an ESM state transition, either master-wide or
// attributable to a single slave's AL-status read-back.
type StateChangeEvent struct {
	SlaveIdx int // -1 if master-wide
	From, To State
	ALStatusCode uint16
}

// EmergencyEvent reports a deduplicated CoE emergency object received from
// a slave.
type EmergencyEvent struct {
	SlaveIdx     int
	ErrorCode    uint16
	ErrorRegister uint8
	Data         [5]byte
}

// MailboxErrorEvent reports a mailbox resilience outcome that is neither
// "new data" nor "unchanged": either retries were exhausted or a transient
// error distinct from exhaustion was observed.
type MailboxErrorEvent struct {
	SlaveIdx        int
	RetriesExhausted bool
	Err             error
}
