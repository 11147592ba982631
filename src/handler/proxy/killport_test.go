package proxy

import (
	"net"
	"os"
	"testing"
)

func TestListeningPIDsFindsOwnListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	pids, err := ListeningPIDs(port)
	if err != nil {
		t.Fatalf("ListeningPIDs: %v", err)
	}

	found := false
	for _, pid := range pids {
		if pid == os.Getpid() {
			found = true
		}
	}
	if !found {
		t.Errorf("own pid %d not found among %v", os.Getpid(), pids)
	}
}

func TestListeningPIDsEmptyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	pids, err := ListeningPIDs(port)
	if err != nil {
		t.Fatalf("ListeningPIDs: %v", err)
	}
	if len(pids) != 0 {
		t.Errorf("expected no listeners on %d, got %v", port, pids)
	}
}

func TestKillPortNothingListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	killed, err := KillPort(port)
	if err != nil {
		t.Fatalf("KillPort: %v", err)
	}
	if len(killed) != 0 {
		t.Errorf("killed %v on an empty port", killed)
	}
}

func TestKillPortSkipsOwnProcess(t *testing.T) {
	// The daemon must never SIGKILL itself even when it is the listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	killed, err := KillPort(port)
	if err != nil {
		t.Fatalf("KillPort: %v", err)
	}
	for _, pid := range killed {
		if pid == os.Getpid() {
			t.Fatal("KillPort reported killing our own pid")
		}
	}
}
