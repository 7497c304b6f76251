// Package event implements the typed event taxonomy the driver shell
// surfaces to application code, backed by a sync.Pool so that steady-state
// heartbeat traffic does not allocate a new event on every tick.
package event

import "sync"

// Kind tags which fields of an Event are populated, mirroring the original
// engine's NetEventType enumeration.
type Kind int

const (
	ConnectSuccess Kind = iota
	ConnectFailed
	ConnectionCreated
	ConnectionTerminated
	HeartbeatReceived
	DataReceivedRequest
	DataReceivedResponse
	DataReceivedAction
	DataReceivedReplication
)

func (k Kind) String() string {
	switch k {
	case ConnectSuccess:
		return "ConnectSuccess"
	case ConnectFailed:
		return "ConnectFailed"
	case ConnectionCreated:
		return "ConnectionCreated"
	case ConnectionTerminated:
		return "ConnectionTerminated"
	case HeartbeatReceived:
		return "HeartbeatReceived"
	case DataReceivedRequest:
		return "DataReceivedRequest"
	case DataReceivedResponse:
		return "DataReceivedResponse"
	case DataReceivedAction:
		return "DataReceivedAction"
	case DataReceivedReplication:
		return "DataReceivedReplication"
	default:
		return "Unknown"
	}
}

// FailureReason explains a ConnectFailed or ConnectionTerminated event.
type FailureReason uint32

const (
	ReasonUnknown FailureReason = iota
	ReasonTimedOut
	ReasonServerFull
	ReasonClosed
	ReasonRejected
)

// Event is a single occurrence surfaced from the dispatch core up to the
// driver shell. Only the fields relevant to Kind are meaningful; the rest
// are left at their zero value and ignored.
type Event struct {
	Kind Kind

	Reason       FailureReason // ConnectFailed, ConnectionTerminated
	ConnectionID uint32        // ConnectionCreated, ConnectionTerminated, HeartbeatReceived (sender)
	Nonce        [32]byte      // HeartbeatReceived
	Data         []byte        // DataReceived*
}

func (e *Event) reset() {
	e.Kind = 0
	e.Reason = 0
	e.ConnectionID = 0
	e.Nonce = [32]byte{}
	e.Data = e.Data[:0]
}

// Pool hands out *Event values backed by sync.Pool, avoiding an allocation
// per heartbeat tick or data frame on the receive path.
type Pool struct {
	sp sync.Pool
}

// NewPool constructs an empty event pool.
func NewPool() *Pool {
	return &Pool{sp: sync.Pool{New: func() any { return &Event{} }}}
}

// Acquire returns a zeroed event tagged with kind.
func (p *Pool) Acquire(kind Kind) *Event {
	ev := p.sp.Get().(*Event)
	ev.reset()
	ev.Kind = kind
	return ev
}

// Release returns an event to the pool. Callers must not retain the event
// or its Data slice after calling Release.
func (p *Pool) Release(ev *Event) {
	if ev == nil {
		return
	}
	p.sp.Put(ev)
}
