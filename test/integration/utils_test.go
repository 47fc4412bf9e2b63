package integration

import (
	"fmt"
	"net"
	"testing"
	"time"
)

// waitForServer blocks until something accepts TCP connections on the port,
// failing the test if the deadline passes. Keeps startup ordering explicit
// instead of sleeping for a guessed duration.
func waitForServer(t *testing.T, port int, timeout time.Duration) {
	t.Helper()

	addr := fmt.Sprintf("localhost:%d", port)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("server on port %d did not become ready within %v", port, timeout)
}
