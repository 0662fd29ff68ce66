// Package ipc implements the framed local-socket transport between the
// orchestrator and its children. Framing is newline-delimited JSON: one
// Envelope per line, chosen over a length-prefix framing because
// encoding/json never emits a raw newline inside a compact-encoded value,
// making the terminator unambiguous.
package ipc

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/laynepenney/codi-sub005/internal/debuglog"
	"github.com/laynepenney/codi-sub005/internal/errs"
	"github.com/laynepenney/codi-sub005/internal/protocol"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 4 * 1024 * 1024
)

// Callbacks are invoked by the transport as frames arrive. Implementations
// must not block for long: OnMessage runs on the connection's own read
// goroutine, so a slow handler only delays that one child's further
// frames, never another child's.
type Callbacks struct {
	// OnMessage is called for every well-formed envelope on an identified
	// connection, starting with the handshake envelope itself.
	OnMessage func(childID string, env *protocol.Envelope)
	// OnDisconnect is called exactly once when the connection currently
	// bound to childID is lost, but NOT when it is closed because a newer
	// handshake replaced it (that is a routing change, not a disconnect).
	OnDisconnect func(childID string)
}

type conn struct {
	id     string
	c      net.Conn
	wMu    sync.Mutex
	w      *bufio.Writer
	closed bool
}

func (cn *conn) write(frame []byte) error {
	cn.wMu.Lock()
	defer cn.wMu.Unlock()
	if cn.closed {
		return fmt.Errorf("ipc: connection for %s is closed", cn.id)
	}
	_, err := cn.w.Write(frame)
	if err == nil {
		_, err = cn.w.Write([]byte{'\n'})
	}
	if err == nil {
		err = cn.w.Flush()
	}
	if err != nil {
		// One direct retry; a write that fails twice is dropped and the
		// disconnect path takes over.
		_, err = cn.c.Write(append(append([]byte{}, frame...), '\n'))
	}
	return err
}

func (cn *conn) close() {
	cn.wMu.Lock()
	cn.closed = true
	cn.wMu.Unlock()
	cn.c.Close()
}

// Server is the orchestrator-side listener: one server, many client
// connections, dispatched by handshake-declared childId rather than
// connection identity.
type Server struct {
	path     string
	listener net.Listener
	cb       Callbacks

	mu    sync.Mutex
	byID  map[string]*conn
	wg    sync.WaitGroup
	close chan struct{}
}

// Listen binds the IPC endpoint at path. The socket file is created with
// permissions restricted to the owning user. Fails with SocketBindFailed
// if the path is occupied by a live listener.
func Listen(path string, cb Callbacks) (*Server, error) {
	if err := probeStaleSocket(path); err != nil {
		return nil, errs.New(errs.SocketBindFailed, "", err)
	}
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.New(errs.SocketBindFailed, "", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, errs.New(errs.SocketBindFailed, "", err)
	}

	s := &Server{
		path:     path,
		listener: l,
		cb:       cb,
		byID:     make(map[string]*conn),
		close:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// probeStaleSocket refuses to bind over a socket path something is still
// actively listening on, while tolerating a stale file left by a crashed
// prior run (which Listen below simply unlinks and replaces).
func probeStaleSocket(path string) error {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil
	}
	c.Close()
	return fmt.Errorf("socket %s already has a live listener", path)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.close:
				return
			default:
				debuglog.LogKV("ipc", "accept error", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	if !scanner.Scan() {
		return
	}
	env, err := protocol.Decode(scanner.Bytes())
	if err != nil || env.Type != protocol.MsgHandshake {
		debuglog.LogKV("ipc", "first message not handshake, closing", "error", err)
		return
	}
	hs, err := protocol.DecodePayload[protocol.Handshake](env)
	if err != nil || hs.ChildID == "" {
		debuglog.LogKV("ipc", "malformed handshake, closing", "error", err)
		return
	}

	cn := &conn{id: hs.ChildID, c: netConn, w: bufio.NewWriter(netConn)}
	old := s.register(cn)
	if old != nil {
		// Second handshake for a live childId replaces the first. The old
		// connection's own read loop will exit on its next read and must
		// NOT fire OnDisconnect, since routing moved rather than being
		// lost.
		old.close()
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(hs.ChildID, env)
	}

	for scanner.Scan() {
		env, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			debuglog.LogKV("ipc", "protocol violation, closing", "child_id", hs.ChildID, "error", err)
			break
		}
		if env.Type == protocol.MsgHandshake {
			// Duplicate handshake on an already-identified connection is a
			// protocol violation, not a second identity.
			debuglog.LogKV("ipc", "duplicate handshake on live connection", "child_id", hs.ChildID)
			break
		}
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(hs.ChildID, env)
		}
	}

	s.unregisterIfCurrent(hs.ChildID, cn)
}

// register installs cn as the active connection for cn.id and returns the
// previous connection, if any.
func (s *Server) register(cn *conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.byID[cn.id]
	s.byID[cn.id] = cn
	return old
}

// unregisterIfCurrent removes cn as the registered connection for id, and
// fires OnDisconnect, only if cn is still the one installed — a stale
// connection's exit after being replaced must not evict its replacement or
// report a spurious disconnect.
func (s *Server) unregisterIfCurrent(id string, cn *conn) {
	s.mu.Lock()
	cur, ok := s.byID[id]
	isCurrent := ok && cur == cn
	if isCurrent {
		delete(s.byID, id)
	}
	s.mu.Unlock()

	if isCurrent && s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect(id)
	}
}

// SendTo writes a pre-encoded envelope to the connection currently bound
// to childID. Returns an error if no such connection exists.
func (s *Server) SendTo(childID string, frame []byte) error {
	s.mu.Lock()
	cn := s.byID[childID]
	s.mu.Unlock()
	if cn == nil {
		return fmt.Errorf("ipc: no active connection for %s", childID)
	}
	return cn.write(frame)
}

// Connected reports whether childID currently has a live connection.
func (s *Server) Connected(childID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[childID]
	return ok
}

// Close shuts down the listener, closes every live connection, and removes
// the socket file from disk.
func (s *Server) Close() error {
	close(s.close)
	err := s.listener.Close()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.byID))
	for _, cn := range s.byID {
		conns = append(conns, cn)
	}
	s.mu.Unlock()
	for _, cn := range conns {
		cn.close()
	}

	s.wg.Wait()
	os.Remove(s.path)
	return err
}
