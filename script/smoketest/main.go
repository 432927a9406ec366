// Command smoketest builds the server binary and drives it through an
// end-to-end echo scenario over a real WebSocket connection.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xhd2015/xgo/support/cmd"
)

const binaryPath = "/tmp/ttyd-go-smoketest"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "smoketest failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("smoketest passed")
}

func run() error {
	fmt.Println("building server binary...")
	if err := cmd.Debug().Run("go", "build", "-o", binaryPath, "./cmd/ttyd-server"); err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	port, err := freePort()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := exec.CommandContext(ctx, binaryPath, "--port", fmt.Sprintf("%d", port), "--once", "--", "cat")
	srv.Stdout = os.Stdout
	srv.Stderr = os.Stderr
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Wait()
	defer cancel()

	addr := fmt.Sprintf("localhost:%d", port)
	if !waitForPort(addr, 5*time.Second) {
		return fmt.Errorf("server never opened %s", addr)
	}

	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Drain the three handshake frames (SET_WINDOW_TITLE, SET_RECONNECT,
	// SET_PREFERENCES) before sending auth + input.
	for i := 0; i < 3; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return fmt.Errorf("read handshake frame %d: %w", i, err)
		}
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("{}")); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte("0"), []byte("hello\n")...)); err != nil {
		return fmt.Errorf("send input: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		if len(msg) > 1 && msg[0] == '0' && bytes.Contains(msg[1:], []byte("hello")) {
			return nil
		}
	}
	return fmt.Errorf("never observed echoed OUTPUT frame containing %q", "hello")
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForPort(addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
