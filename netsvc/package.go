package netsvc

import "fmt"

// Action identifies what kind of event a Package carries.
type Action int

const (
	// ActionConnect marks a freshly established outbound or inbound
	// channel, delivered to Consumer.OnConnect.
	ActionConnect Action = iota
	// ActionDisconnect marks a channel teardown, delivered to
	// Consumer.OnDisconnect.
	ActionDisconnect
	// ActionRead marks inbound application bytes, delivered to
	// Consumer.OnRead.
	ActionRead
	// ActionWrite marks the completion (successful, rejected, or errored)
	// of an enqueued write, delivered to Consumer.OnWrite.
	ActionWrite
	// ActionStreaming marks an enqueued write whose payload comes from a
	// StreamSource rather than a fixed byte slice.
	ActionStreaming
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "CONNECT"
	case ActionDisconnect:
		return "DISCONNECT"
	case ActionRead:
		return "READ"
	case ActionWrite:
		return "WRITE"
	case ActionStreaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Status records the outcome of a Package after it has moved through the
// write pipeline. It is the one field besides Session that mutates after
// construction. READ and CONNECT packages are delivered with StatusNew.
type Status int

const (
	// StatusNew is the status of a Package immediately after creation,
	// before the pipeline has acted on it.
	StatusNew Status = iota
	// StatusOK marks a written Package (or a DISCONNECT) that the write
	// pipeline handled without error.
	StatusOK
	// StatusRejectedSessionLock marks a write that arrived while the
	// session held its exclusive streaming lock.
	StatusRejectedSessionLock
	// StatusIOError marks a Package whose underlying socket operation
	// failed.
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusOK:
		return "OK"
	case StatusRejectedSessionLock:
		return "REJECTED_SESSION_LOCK"
	case StatusIOError:
		return "IO_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Protocol identifies the transport a Consumer or Package belongs to.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// Package is the unit of event delivery between the net core and the
// application. It is immutable after construction except for Status and
// Session, which the pipeline fills in as the package moves through the
// system.
type Package struct {
	RemoteHost    string
	RemoteAddress string
	RemotePort    int
	LocalPort     int
	Payload       []byte
	Action        Action
	Status        Status
	Session       *Session

	// source is set only for ActionStreaming packages; see StreamSource.
	source StreamSource
}

// NewPackage builds a Package in StatusNew for the given action.
func NewPackage(action Action, payload []byte) *Package {
	return &Package{Action: action, Payload: payload, Status: StatusNew}
}

// StreamSource produces successive byte chunks written directly to a
// channel outside the normal enqueue/flush rhythm. See the Write Pipeline
// streaming hand-off (Service.WriteStream).
type StreamSource interface {
	// Init is called once, synchronously, with the session lock already
	// held, before Run is scheduled onto the service's general executor.
	Init(svc *Service, ch *channel, pkg *Package) error
	// Run performs the actual streaming writes at the source's own pace.
	// When Run returns, the service unlocks the session and emits a WRITE
	// event for pkg.
	Run()
}

// StreamingPackage builds a Package carrying source, with Action set to
// ActionStreaming.
func StreamingPackage(payload []byte, source StreamSource) *Package {
	p := NewPackage(ActionStreaming, payload)
	p.source = source
	return p
}
