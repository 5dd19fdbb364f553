package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jaym/goor/silo/internal/protocol"
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// StreamConn frames messages over a byte stream, such as the pipes shared
// between the master and a worker process. Each frame is a varint length
// followed by the encoded message.
type StreamConn struct {
	log     logr.Logger
	peerPID int
	r       io.ReadCloser
	w       io.WriteCloser

	writeLock sync.Mutex
	bw        *bufio.Writer

	lock      sync.Mutex
	listening bool
	closed    bool
	closeOnce sync.Once
}

func NewStreamConn(log logr.Logger, peerPID int, r io.ReadCloser, w io.WriteCloser) *StreamConn {
	return &StreamConn{
		log:     log,
		peerPID: peerPID,
		r:       r,
		w:       w,
		bw:      bufio.NewWriter(w),
	}
}

func (c *StreamConn) PeerPID() int {
	return c.peerPID
}

func (c *StreamConn) Send(msg *protocol.Message) error {
	data := protocol.Marshal(msg)
	frame := protowire.AppendVarint(make([]byte, 0, len(data)+binary.MaxVarintLen64), uint64(len(data)))
	frame = append(frame, data...)

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if _, err := c.bw.Write(frame); err != nil {
		return errors.Mark(errors.Wrapf(err, "sending %s to %d", msg.Kind, c.peerPID), ErrClosed)
	}
	if err := c.bw.Flush(); err != nil {
		return errors.Mark(errors.Wrapf(err, "sending %s to %d", msg.Kind, c.peerPID), ErrClosed)
	}
	return nil
}

func (c *StreamConn) Listen(h Handler, onClose CloseFunc) error {
	c.lock.Lock()
	if c.listening {
		c.lock.Unlock()
		return errors.New("already listening")
	}
	c.listening = true
	c.lock.Unlock()

	go func() {
		br := bufio.NewReader(c.r)
		for {
			msg, err := readFrame(br)
			if err != nil {
				c.lock.Lock()
				closed := c.closed
				c.lock.Unlock()
				if closed {
					err = nil
				} else if errors.Is(err, io.EOF) {
					err = errors.Mark(errors.Newf("peer %d closed the connection", c.peerPID), ErrClosed)
				}
				if onClose != nil {
					onClose(err)
				}
				return
			}
			h(msg)
		}
	}()
	return nil
}

func readFrame(br *bufio.Reader) (*protocol.Message, error) {
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, errors.WithDetailf(ErrFrameTooLarge, "frame of %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return protocol.Unmarshal(buf)
}

func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.closed = true
		c.lock.Unlock()
		err = errors.CombineErrors(c.w.Close(), c.r.Close())
	})
	return err
}
