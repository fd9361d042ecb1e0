package cluster

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// The first byte of every connection to the raft bind address names its
// protocol
const (
	connRaft    byte = 1
	connForward byte = 2
)

const handshakeTimeout = 5 * time.Second

// muxStream is the raft StreamLayer. Raft connections share the bind address
// with the commands followers forward to the leader.
type muxStream struct {
	ln      net.Listener
	raftCh  chan net.Conn
	forward func(net.Conn)

	closeCh   chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

var _ raft.StreamLayer = (*muxStream)(nil)

func newMuxStream(bindAddr string, forward func(net.Conn), logger zerolog.Logger) (*muxStream, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	m := &muxStream{
		ln:      ln,
		raftCh:  make(chan net.Conn, 16),
		forward: forward,
		closeCh: make(chan struct{}),
		logger:  logger,
	}
	go m.serve()
	return m, nil
}

func (m *muxStream) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn().Err(err).Msg("failed to accept connection")
			select {
			case <-m.closeCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		go m.route(conn)
	}
}

func (m *muxStream) route(conn net.Conn) {
	var kind [1]byte
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if _, err := io.ReadFull(conn, kind[:]); err != nil {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch kind[0] {
	case connRaft:
		select {
		case m.raftCh <- conn:
		case <-m.closeCh:
			conn.Close()
		}
	case connForward:
		m.forward(conn)
	default:
		m.logger.Warn().
			Uint8("kind", kind[0]).
			Str("remote", conn.RemoteAddr().String()).
			Msg("dropping connection of unknown kind")
		conn.Close()
	}
}

// Accept hands raft the next raft connection
func (m *muxStream) Accept() (net.Conn, error) {
	select {
	case conn := <-m.raftCh:
		return conn, nil
	case <-m.closeCh:
		return nil, net.ErrClosed
	}
}

func (m *muxStream) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		err = m.ln.Close()
	})
	return err
}

func (m *muxStream) Addr() net.Addr {
	return m.ln.Addr()
}

func (m *muxStream) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	return dialKind(string(address), connRaft, timeout)
}

func dialKind(addr string, kind byte, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{kind}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
