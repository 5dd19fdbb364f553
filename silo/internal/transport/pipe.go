package transport

import (
	"sync"

	gods "github.com/Workiva/go-datastructures/queue"
	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/silo/internal/protocol"
)

// NewPipe returns two connected in-memory ends. Messages sent on one end
// are delivered to the other. Sends never block.
func NewPipe(aPID int, bPID int) (Conn, Conn) {
	state := &pipeState{}
	aInbox := gods.New(32)
	bInbox := gods.New(32)
	a := &pipeConn{peerPID: bPID, state: state, inbox: aInbox, outbox: bInbox}
	b := &pipeConn{peerPID: aPID, state: state, inbox: bInbox, outbox: aInbox}
	a.peer = b
	b.peer = a
	return a, b
}

// pipeState is shared by both ends of a pipe.
type pipeState struct {
	lock   sync.Mutex
	closed bool
}

func (s *pipeState) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

type closeMarker struct{}

type pipeConn struct {
	peerPID int
	state   *pipeState
	inbox   *gods.Queue
	outbox  *gods.Queue
	peer    *pipeConn

	lock      sync.Mutex
	listening bool
	closedErr error
	onClose   CloseFunc
}

func (c *pipeConn) PeerPID() int {
	return c.peerPID
}

func (c *pipeConn) Send(msg *protocol.Message) error {
	c.state.lock.Lock()
	defer c.state.lock.Unlock()
	if c.state.closed {
		return errors.Mark(errors.Newf("sending %s to %d", msg.Kind, c.peerPID), ErrClosed)
	}
	if err := c.outbox.Put(msg.Clone()); err != nil {
		return errors.Mark(errors.Wrapf(err, "sending %s to %d", msg.Kind, c.peerPID), ErrClosed)
	}
	return nil
}

// Listen delivers messages until the close marker arrives. The inbox is
// disposed by the listening goroutine only, since Workiva queues may not be
// disposed while another goroutine is blocked in Get.
func (c *pipeConn) Listen(h Handler, onClose CloseFunc) error {
	c.lock.Lock()
	if c.listening {
		c.lock.Unlock()
		return errors.New("already listening")
	}
	c.listening = true
	c.onClose = onClose
	c.lock.Unlock()

	go func() {
		for {
			items, err := c.inbox.Get(1)
			if err != nil {
				c.finish()
				return
			}
			for _, it := range items {
				if _, ok := it.(closeMarker); ok {
					c.inbox.Dispose()
					c.finish()
					return
				}
				// messages still queued when the pipe closed are dropped
				if c.state.isClosed() {
					continue
				}
				h(it.(*protocol.Message))
			}
		}
	}()
	return nil
}

func (c *pipeConn) finish() {
	c.lock.Lock()
	onClose := c.onClose
	err := c.closedErr
	c.lock.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// Close shuts both directions. The peer observes it as a lost connection.
func (c *pipeConn) Close() error {
	c.state.lock.Lock()
	defer c.state.lock.Unlock()
	if c.state.closed {
		return nil
	}
	c.state.closed = true

	c.peer.lock.Lock()
	c.peer.closedErr = errors.Mark(errors.Newf("peer %d closed the connection", c.peer.peerPID), ErrClosed)
	c.peer.lock.Unlock()

	for _, inbox := range []*gods.Queue{c.inbox, c.outbox} {
		if err := inbox.Put(closeMarker{}); err != nil {
			return errors.Mark(err, ErrClosed)
		}
	}
	return nil
}
