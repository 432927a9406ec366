// Package session implements ClientSession, the per-WebSocket state
// machine and PTY relay: handshake, auth, input/output/resize
// handling, and teardown, with a size-1 channel handoff between the
// PTY reader and the WebSocket writer in place of a mutex/condvar pair.
package session

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xhd2015/ttyd-go/internal/config"
	"github.com/xhd2015/ttyd-go/internal/frame"
	"github.com/xhd2015/ttyd-go/internal/ptyproc"
	"github.com/xhd2015/ttyd-go/internal/registry"
	"github.com/xhd2015/ttyd-go/internal/ttylog"
)

// Transport is the subset of *websocket.Conn the session engine needs.
// Tests substitute a fake implementation to exercise the relay protocol
// without a real network socket.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// WSConn adapts *websocket.Conn to Transport.
type WSConn struct{ *websocket.Conn }

var _ Transport = WSConn{}

// Close codes.
const (
	CloseNormal          = websocket.CloseNormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseUnexpectedErr   = websocket.CloseInternalServerErr
)

// relayChunk is the single in-flight unit handed from the PTY reader
// goroutine to the WS writer goroutine. Exactly one of data, eof, err
// is meaningful.
type relayChunk struct {
	data []byte
	eof  bool
	err  error
}

// ClientSession is one WebSocket <-> one PTY.
type ClientSession struct {
	id           string
	PeerAddress  string
	PeerHostname string

	cfg  *config.ServerConfig
	conn Transport
	reg  *registry.Registry

	mu            sync.Mutex
	authenticated bool
	initialized   bool
	running       bool
	proc          *ptyproc.Process
	cols, rows    uint16

	chunkCh   chan relayChunk
	doneCh    chan struct{}
	closeOnce sync.Once

	// OnBackpressure, if set, is called every time the PTY reader hands
	// off a chunk, with how long it blocked waiting for the WS writer
	// to drain the previous one.
	OnBackpressure func(time.Duration)
}

// New builds a session bound to an admitted transport. id must be
// unique for the process lifetime; it doubles as the registry key.
func New(id string, cfg *config.ServerConfig, conn Transport, reg *registry.Registry, peerAddress, peerHostname string) *ClientSession {
	return &ClientSession{
		id:           id,
		PeerAddress:  peerAddress,
		PeerHostname: peerHostname,
		cfg:          cfg,
		conn:         conn,
		reg:          reg,
		chunkCh:      make(chan relayChunk, 1),
		doneCh:       make(chan struct{}),
	}
}

// ID implements registry.Session.
func (s *ClientSession) ID() string { return s.id }

// Run drives the session to completion: handshake, auth handoff, PTY
// relay, teardown. It blocks until the session is fully torn down.
func (s *ClientSession) Run() {
	// Bound the inbound fragment-reassembly buffer per message;
	// gorilla/websocket enforces this by closing the connection once
	// the limit is exceeded.
	s.conn.SetReadLimit(int64(s.cfg.MaxRxBytes))

	if err := s.sendHandshake(); err != nil {
		ttylog.Printf("session %s: handshake write failed: %v", s.id, err)
		s.teardown(CloseUnexpectedErr, "handshake failed")
		return
	}

	s.wsReadLoop()
}

// sendHandshake emits the fixed SET_WINDOW_TITLE, SET_RECONNECT,
// SET_PREFERENCES sequence before any OUTPUT can be produced, since PTY
// spawn (and therefore OUTPUT) only happens after a later successful
// JSON_DATA auth exchange.
func (s *ClientSession) sendHandshake() error {
	title := fmt.Sprintf("%s (%s)", s.cfg.Argv[0], s.PeerHostname)
	if err := s.writeFrame(frame.SetWindowTitle, []byte(title)); err != nil {
		return err
	}
	if err := s.writeFrame(frame.SetReconnect, []byte(strconv.Itoa(s.cfg.Reconnect))); err != nil {
		return err
	}
	if err := s.writeFrame(frame.SetPreferences, s.cfg.PrefsJSON); err != nil {
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *ClientSession) writeFrame(tag frame.ServerTag, payload []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, frame.Encode(tag, payload))
}

// wsReadLoop is the single reader of the transport; gorilla/websocket
// already reassembles WS-level continuation frames into one complete
// message per ReadMessage call, so there is no separate rx buffer to
// manage here beyond the SetReadLimit cap applied in Run.
func (s *ClientSession) wsReadLoop() {
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.teardown(CloseNormal, "client disconnected")
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		s.handleInbound(msg)
	}
}

func (s *ClientSession) handleInbound(msg []byte) {
	tag, payload, err := frame.Decode(msg)
	if err != nil {
		ttylog.Printf("session %s: malformed frame: %v", s.id, err)
		return
	}

	s.mu.Lock()
	authRequired := s.cfg.Credential != "" && !s.authenticated
	s.mu.Unlock()

	if authRequired && tag != frame.JSONData {
		// Any command other than JSON_DATA received before authentication
		// is dropped rather than acted on.
		ttylog.Printf("session %s: dropped command %q before authentication", s.id, rune(tag))
		return
	}

	switch tag {
	case frame.JSONData:
		s.handleAuth(payload)
	case frame.Input:
		s.handleInput(payload)
	case frame.ResizeTerminal:
		s.handleResize(payload)
	default:
		ttylog.Printf("session %s: unknown command tag %q, ignored", s.id, rune(tag))
	}
}

func (s *ClientSession) handleAuth(payload []byte) {
	s.mu.Lock()
	if s.proc != nil {
		// A second JSON_DATA after the child exists is ignored.
		s.mu.Unlock()
		return
	}
	if s.authenticated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.cfg.Credential != "" {
		var auth frame.AuthPayload
		if err := json.Unmarshal(payload, &auth); err != nil || auth.AuthToken != s.cfg.Credential {
			ttylog.Printf("session %s: authentication failed", s.id)
			s.teardown(ClosePolicyViolation, "authentication failed")
			return
		}
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()

	if err := s.spawn(); err != nil {
		ttylog.Printf("session %s: pty spawn failed: %v", s.id, err)
		s.teardown(CloseUnexpectedErr, "failed to start pty")
	}
}

func (s *ClientSession) spawn() error {
	proc, err := ptyproc.Spawn(s.cfg.Argv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.running = true
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	if cols > 0 && rows > 0 {
		if err := proc.SetWinsize(cols, rows); err != nil {
			ttylog.Printf("session %s: initial winsize failed: %v", s.id, err)
		}
	}

	go s.ptyReadLoop()
	go s.relayLoop()
	return nil
}

func (s *ClientSession) handleInput(payload []byte) {
	if s.cfg.Readonly {
		return
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Write(payload); err != nil {
		ttylog.Printf("session %s: pty write failed: %v", s.id, err)
		s.teardown(CloseUnexpectedErr, "pty write failed")
	}
}

func (s *ClientSession) handleResize(payload []byte) {
	var rp frame.ResizePayload
	if err := json.Unmarshal(payload, &rp); err != nil {
		ttylog.Printf("session %s: malformed resize JSON: %v", s.id, err)
		return
	}
	if rp.Columns <= 0 || rp.Rows <= 0 {
		return
	}

	s.mu.Lock()
	s.cols, s.rows = uint16(rp.Columns), uint16(rp.Rows)
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.SetWinsize(uint16(rp.Columns), uint16(rp.Rows)); err != nil {
		ttylog.Printf("session %s: ioctl winsize failed: %v", s.id, err)
	}
}

// ptyReadLoop is the sole producer onto chunkCh.
func (s *ClientSession) ptyReadLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.sendChunk(relayChunk{data: data}) {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				s.sendChunk(relayChunk{eof: true})
			} else {
				s.sendChunk(relayChunk{err: err})
			}
			return
		}
	}
}

// sendChunk blocks until the previous chunk has been drained by
// relayLoop or the session is torn down, giving exactly one chunk in
// flight at a time and natural backpressure against a slow client.
func (s *ClientSession) sendChunk(c relayChunk) bool {
	start := time.Now()
	select {
	case s.chunkCh <- c:
		if s.OnBackpressure != nil {
			s.OnBackpressure(time.Since(start))
		}
		return true
	case <-s.doneCh:
		return false
	}
}

// relayLoop is the sole consumer of chunkCh and the sole writer of
// OUTPUT frames.
func (s *ClientSession) relayLoop() {
	for {
		select {
		case c := <-s.chunkCh:
			switch {
			case c.err != nil:
				ttylog.Printf("session %s: pty read error: %v", s.id, c.err)
				s.teardown(CloseUnexpectedErr, "pty read error")
				return
			case c.eof:
				s.teardown(CloseNormal, "pty closed")
				return
			default:
				if err := s.writeFrame(frame.Output, c.data); err != nil {
					ttylog.Printf("session %s: ws write failed: %v", s.id, err)
					s.teardown(CloseUnexpectedErr, "ws write failed")
					return
				}
			}
		case <-s.doneCh:
			return
		}
	}
}

// teardown runs the ordered shutdown: stop the relay, reap the child,
// send a WS close frame, release the registry slot. It is safe to call
// from any goroutine and idempotent.
func (s *ClientSession) teardown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		proc := s.proc
		s.mu.Unlock()

		close(s.doneCh)

		if proc != nil {
			grace := time.Duration(s.cfg.GraceTimeoutSeconds) * time.Second
			state, err := ptyproc.Terminate(proc, s.cfg.SigCode, grace)
			if err != nil {
				ttylog.Printf("session %s: wait failed: %v", s.id, err)
			} else {
				ttylog.Printf("session %s: child pid=%d %s", s.id, proc.PID(), ptyproc.DescribeExit(state))
			}
			proc.Close()
		}

		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		s.conn.Close()

		s.reg.Remove(s)
	})
}
