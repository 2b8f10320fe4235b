package channel

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	perrors "github.com/conneroisu/isolate/internal/errors"
	"github.com/conneroisu/isolate/internal/protocol"
)

// realmConn is the host side of one realm connection.
type realmConn struct {
	id   string
	conn *websocket.Conn
	out  chan protocol.Message

	// lastSeq is only touched by the read loop.
	lastSeq uint64

	mu        sync.Mutex
	pending   map[uint64]chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newRealmConn(id string, conn *websocket.Conn) *realmConn {
	return &realmConn{
		id:      id,
		conn:    conn,
		out:     make(chan protocol.Message, outboundQueueSize),
		pending: make(map[uint64]chan protocol.Message),
		closed:  make(chan struct{}),
	}
}

func (rc *realmConn) register(id uint64) (chan protocol.Message, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	select {
	case <-rc.closed:
		return nil, false
	default:
	}
	ch := make(chan protocol.Message, 1)
	rc.pending[id] = ch
	return ch, true
}

func (rc *realmConn) unregister(id uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.pending, id)
}

func (rc *realmConn) resolve(msg protocol.Message) {
	rc.mu.Lock()
	ch, ok := rc.pending[msg.ID]
	delete(rc.pending, msg.ID)
	rc.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (rc *realmConn) send(ctx context.Context, msg protocol.Message) error {
	select {
	case rc.out <- msg:
		return nil
	case <-rc.closed:
		return rc.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *realmConn) close() {
	rc.closeOnce.Do(func() { close(rc.closed) })
}

func (rc *realmConn) closedErr() error {
	return perrors.NewTransportError(perrors.ErrCodeRealmClosed, "sandbox realm closed", nil).
		WithContext("realm", rc.id)
}
