package proxy

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

// tcpListenState is the st column value for LISTEN in /proc/net/tcp.
const tcpListenState = "0A"

// ListeningPIDs returns the PIDs of processes listening on a TCP port.
// It scans /proc/net/tcp{,6} for listening sockets and resolves their
// inodes through /proc/*/fd; when procfs is unavailable it falls back to
// lsof.
func ListeningPIDs(port int) ([]int, error) {
	inodes, procErr := listenInodes(port)
	if procErr != nil {
		return lsofPIDs(port)
	}
	if len(inodes) == 0 {
		return nil, nil
	}
	pids := pidsForInodes(inodes)
	if len(pids) == 0 {
		// Sockets owned by processes we cannot inspect; try lsof.
		if fallback, err := lsofPIDs(port); err == nil {
			return fallback, nil
		}
	}
	return pids, nil
}

// KillPort SIGKILLs every process listening on the port except the daemon
// itself and returns the PIDs it killed. An empty result means nothing
// else was listening.
func KillPort(port int) ([]int, error) {
	pids, err := ListeningPIDs(port)
	if err != nil {
		return nil, err
	}

	var killed []int
	for _, pid := range pids {
		if pid == os.Getpid() {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			logrus.Warnf("Kill pid %d on port %d failed: %v", pid, port, err)
			continue
		}
		killed = append(killed, pid)
	}
	if len(killed) > 0 {
		logrus.Infof("Killed %v listening on port %d", killed, port)
	}
	return killed, nil
}

// listenInodes collects the socket inodes listening on port from
// /proc/net/tcp and /proc/net/tcp6.
func listenInodes(port int) (map[string]struct{}, error) {
	inodes := make(map[string]struct{})
	var lastErr error
	found := false

	for _, table := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		data, err := os.ReadFile(table)
		if err != nil {
			lastErr = err
			continue
		}
		found = true

		lines := strings.Split(string(data), "\n")
		for _, line := range lines[1:] {
			fields := strings.Fields(line)
			if len(fields) < 10 {
				continue
			}
			if fields[3] != tcpListenState {
				continue
			}
			local := fields[1]
			colon := strings.LastIndexByte(local, ':')
			if colon < 0 {
				continue
			}
			p, err := strconv.ParseInt(local[colon+1:], 16, 32)
			if err != nil || int(p) != port {
				continue
			}
			inodes[fields[9]] = struct{}{}
		}
	}

	if !found {
		return nil, fmt.Errorf("read proc tcp tables: %w", lastErr)
	}
	return inodes, nil
}

// pidsForInodes walks /proc/*/fd resolving socket inodes to owning PIDs.
func pidsForInodes(inodes map[string]struct{}) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if !strings.HasPrefix(link, "socket:[") {
				continue
			}
			inode := strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]")
			if _, ok := inodes[inode]; ok {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids
}

// lsofPIDs shells out to lsof as a fallback for hosts without procfs.
func lsofPIDs(port int) ([]int, error) {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}

	var pids []int
	for _, line := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
