package transport

import (
	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/silo/internal/protocol"
)

var ErrClosed = errors.New("connection closed")

type Handler func(msg *protocol.Message)

// CloseFunc is called once when the reader stops. err is nil when the
// connection was closed locally.
type CloseFunc func(err error)

// Conn is one end of the channel between the master and a worker.
type Conn interface {
	// PeerPID is the pid of the process on the other end.
	PeerPID() int
	Send(msg *protocol.Message) error
	// Listen starts delivering received messages to h on a single
	// goroutine, in the order they were sent.
	Listen(h Handler, onClose CloseFunc) error
	Close() error
}
