package session

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xhd2015/ttyd-go/internal/config"
	"github.com/xhd2015/ttyd-go/internal/frame"
	"github.com/xhd2015/ttyd-go/internal/registry"
)

// fakeTransport is an in-memory Transport used to drive ClientSession
// without a real network socket: an inbound queue the test feeds, and
// an outbound queue the session writes to.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound chan []byte
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, errClosedTransport
	}
	return 2, msg, nil // 2 == websocket.BinaryMessage
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case f.outbound <- cp:
	default:
	}
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeTransport) SetReadLimit(limit int64) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeTransport) send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.inbound <- msg
}

func (f *fakeTransport) recv(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-f.outbound:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for outbound frame")
		return nil
	}
}

type stubErr struct{ s string }

func (e stubErr) Error() string { return e.s }

var errClosedTransport = stubErr{"fake transport closed"}

func newTestConfig(argv []string, credential string) *config.ServerConfig {
	cfg, err := config.Build(argv, credential, false, false, false, 0, 1, "SIGHUP", 10, []byte(`{"k":"v"}`), 1, 0)
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestHandshakeOrderBeforeAnyOutput(t *testing.T) {
	tr := newFakeTransport()
	cfg := newTestConfig([]string{"cat"}, "")
	reg := registry.New(false, 0, nil)
	s := New("s1", cfg, tr, reg, "127.0.0.1:1", "localhost")

	go s.Run()
	defer func() { tr.send(append([]byte{byte(frame.JSONData)}, "X"...)); tr.Close() }()

	title := tr.recv(t, time.Second)
	if frame.ServerTag(title[0]) != frame.SetWindowTitle {
		t.Fatalf("first frame tag = %q, want SetWindowTitle", title[0])
	}
	reconnect := tr.recv(t, time.Second)
	if frame.ServerTag(reconnect[0]) != frame.SetReconnect {
		t.Fatalf("second frame tag = %q, want SetReconnect", reconnect[0])
	}
	if string(reconnect[1:]) != "10" {
		t.Fatalf("reconnect payload = %q, want %q", reconnect[1:], "10")
	}
	prefs := tr.recv(t, time.Second)
	if frame.ServerTag(prefs[0]) != frame.SetPreferences {
		t.Fatalf("third frame tag = %q, want SetPreferences", prefs[0])
	}
	if string(prefs[1:]) != `{"k":"v"}` {
		t.Fatalf("prefs payload = %q", prefs[1:])
	}
}

func TestEchoScenario(t *testing.T) {
	tr := newFakeTransport()
	cfg := newTestConfig([]string{"cat"}, "")
	reg := registry.New(false, 0, nil)
	s := New("s1", cfg, tr, reg, "127.0.0.1:1", "localhost")

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	drainHandshake(t, tr)

	tr.send([]byte("{}"))
	tr.send(append([]byte{byte(frame.Input)}, "hello\n"...))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := tr.recv(t, 3*time.Second)
		// The PTY echoes the input and translates "\n" to "\r\n".
		if frame.ServerTag(msg[0]) == frame.Output && strings.Contains(string(msg[1:]), "hello\r\n") {
			tr.Close()
			<-done
			return
		}
	}
	t.Fatalf("never observed echoed OUTPUT frame")
}

func TestResizeAppliesWinsize(t *testing.T) {
	tr := newFakeTransport()
	cfg := newTestConfig([]string{"cat"}, "")
	reg := registry.New(false, 0, nil)
	s := New("s1", cfg, tr, reg, "127.0.0.1:1", "localhost")

	go s.Run()
	drainHandshake(t, tr)

	tr.send([]byte("{}"))
	time.Sleep(100 * time.Millisecond) // let auth spawn the child

	payload, _ := json.Marshal(frame.ResizePayload{Columns: 132, Rows: 40})
	tr.send(append([]byte{byte(frame.ResizeTerminal)}, payload...))
	time.Sleep(100 * time.Millisecond) // let the read loop handle the resize frame

	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()
	if cols != 132 || rows != 40 {
		t.Fatalf("stored window size = %dx%d, want 132x40", cols, rows)
	}
	tr.Close()
}

func TestAuthRequiredGoodToken(t *testing.T) {
	tr := newFakeTransport()
	cfg := newTestConfig([]string{"cat"}, "s3cret")
	reg := registry.New(false, 0, nil)
	s := New("s1", cfg, tr, reg, "127.0.0.1:1", "localhost")

	go s.Run()
	drainHandshake(t, tr)

	// An INPUT sent before auth must be dropped, not crash or spawn anything.
	tr.send(append([]byte{byte(frame.Input)}, "ignored\n"...))
	time.Sleep(50 * time.Millisecond)

	// The JSON_DATA tag is the object's own opening brace.
	payload, _ := json.Marshal(frame.AuthPayload{AuthToken: "s3cret"})
	tr.send(payload)

	tr.send(append([]byte{byte(frame.Input)}, "hi\n"...))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := tr.recv(t, 3*time.Second)
		if frame.ServerTag(msg[0]) == frame.Output && strings.Contains(string(msg[1:]), "hi\r\n") {
			tr.Close()
			return
		}
	}
	t.Fatalf("never observed echoed OUTPUT after good auth")
}

func TestAuthRequiredBadTokenClosesPolicyViolation(t *testing.T) {
	tr := newFakeTransport()
	cfg := newTestConfig([]string{"cat"}, "s3cret")
	reg := registry.New(false, 0, nil)
	s := New("s1", cfg, tr, reg, "127.0.0.1:1", "localhost")

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()
	drainHandshake(t, tr)

	payload, _ := json.Marshal(frame.AuthPayload{AuthToken: "wrong"})
	tr.send(payload)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not tear down after bad auth")
	}
	if reg.Count() != 0 {
		t.Fatalf("registry count = %d, want 0 after teardown", reg.Count())
	}
}

func TestBackpressureInstrumentationFires(t *testing.T) {
	tr := newFakeTransport()
	cfg := newTestConfig([]string{"cat"}, "")
	reg := registry.New(false, 0, nil)
	s := New("s1", cfg, tr, reg, "127.0.0.1:1", "localhost")

	var calls int32
	var mu sync.Mutex
	s.OnBackpressure = func(d time.Duration) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	go s.Run()
	drainHandshake(t, tr)
	tr.send([]byte("{}"))
	tr.send(append([]byte{byte(frame.Input)}, "ping\n"...))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := tr.recv(t, 3*time.Second)
		if frame.ServerTag(msg[0]) == frame.Output {
			break
		}
	}
	tr.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatalf("OnBackpressure was never invoked")
	}
}

func drainHandshake(t *testing.T, tr *fakeTransport) {
	t.Helper()
	for i := 0; i < 3; i++ {
		tr.recv(t, time.Second)
	}
}
