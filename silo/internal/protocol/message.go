package protocol

import (
	"fmt"

	"github.com/jaym/goor/grain"
)

// Kind identifies a message exchanged between the master and its workers.
type Kind int32

const (
	KindUnknown Kind = iota
	WorkerReady
	MasterReady
	GetActivation
	CreateActivation
	Created
	Activated
	ActivationError
	Invoke
	InvokeResult
	InvokeError
	Deactivate
	Deactivated
	DeactivatedError
	StopSilo
	StopWorker
)

var kindNames = map[Kind]string{
	WorkerReady:      "WORKER_READY",
	MasterReady:      "MASTER_READY",
	GetActivation:    "GET_ACTIVATION",
	CreateActivation: "CREATE_ACTIVATION",
	Created:          "CREATED",
	Activated:        "ACTIVATED",
	ActivationError:  "ACTIVATION_ERROR",
	Invoke:           "INVOKE",
	InvokeResult:     "INVOKE_RESULT",
	InvokeError:      "INVOKE_ERROR",
	Deactivate:       "DEACTIVATE",
	Deactivated:      "DEACTIVATED",
	DeactivatedError: "DEACTIVATED_ERROR",
	StopSilo:         "STOP_SILO",
	StopWorker:       "STOP_WORKER",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", int32(k))
}

// Message is the single envelope used for every request and reply. Replies
// carry the CorrelationID of the request they answer.
type Message struct {
	Kind          Kind
	CorrelationID string
	Identity      grain.Identity
	Method        string
	Args          [][]byte
	Result        []byte
	Error         []byte
	OwnerPID      int
	FromPID       int
}

func (m *Message) Clone() *Message {
	c := *m
	if m.Args != nil {
		c.Args = make([][]byte, len(m.Args))
		for i, a := range m.Args {
			c.Args[i] = append([]byte(nil), a...)
		}
	}
	if m.Result != nil {
		c.Result = append([]byte(nil), m.Result...)
	}
	if m.Error != nil {
		c.Error = append([]byte(nil), m.Error...)
	}
	return &c
}

// Reply builds a response to m with the given kind.
func (m *Message) Reply(kind Kind) *Message {
	return &Message{
		Kind:          kind,
		CorrelationID: m.CorrelationID,
		Identity:      m.Identity,
		Method:        m.Method,
	}
}

// ReplyError builds a failure response to m carrying err.
func (m *Message) ReplyError(kind Kind, err error) *Message {
	r := m.Reply(kind)
	r.Error = EncodeError(err)
	return r
}

// Err decodes the error carried by m, if any.
func (m *Message) Err() error {
	return DecodeError(m.Error)
}

// HandlerFunc processes a message received from the process with the
// given pid.
type HandlerFunc func(from int, msg *Message)

// HandlerTable dispatches messages by kind.
type HandlerTable map[Kind]HandlerFunc

// Dispatch runs the handler registered for msg.Kind and reports whether
// one existed.
func (t HandlerTable) Dispatch(from int, msg *Message) bool {
	h, ok := t[msg.Kind]
	if !ok {
		return false
	}
	h(from, msg)
	return true
}
