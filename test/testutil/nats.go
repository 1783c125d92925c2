// Package testutil hosts the JetStream harness shared by the state and stream
// integration tests.
package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// StartLocalNATSServer launches a throwaway nats-server with JetStream for one test.
// Params: test handle for lifecycle and failure reporting.
// Returns: client URL and idempotent stop callback.
//
// The test is skipped when the nats-server binary is not installed, keeping
// the integration suites opt-in on developer machines.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := freePort()
	if err != nil {
		tb.Fatalf("reserve port: %v", err)
	}

	storeDir := tb.TempDir()
	cmd := exec.Command("nats-server", "-js", "-p", strconv.Itoa(port), "-sd", storeDir)
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server binary not available, skipping integration test: %v", err)
	}

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	waitReady(tb, url, 8*time.Second)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if cmd.Process == nil {
				return
			}
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-done
			}
		})
	}
	return url, stop
}

// freePort reserves one local TCP port.
// Params: none.
// Returns: port number or listen error.
func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitReady polls the endpoint until it accepts client connections.
// Params: test handle, client URL, and overall timeout.
// Returns: none; the test fails when the deadline passes.
func waitReady(tb testing.TB, url string, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url)
		if err == nil {
			nc.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	tb.Fatalf("nats-server at %s did not become ready within %s", url, timeout)
}
