package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestReady_SendsNotification(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram socket unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	h := New()
	h.Ready()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("notification = %q, want READY=1", got)
	}

	h.Stopping()
	n, err = conn.Read(buf)
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if got := string(buf[:n]); got != "STOPPING=1" {
		t.Errorf("notification = %q, want STOPPING=1", got)
	}
}

func TestReady_OutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	// Must not fail or block.
	New().Ready()
}
