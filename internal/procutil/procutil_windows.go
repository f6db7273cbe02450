//go:build windows

package procutil

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

// Detach is a no-op on Windows; there are no POSIX process groups.
func Detach(cmd *exec.Cmd) {}

// Alive reports whether pid can still be opened.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

// LeadsGroup has no group to check on Windows.
func LeadsGroup(pid int) bool { return Alive(pid) }

// SignalGroup kills the process; Windows has no group signaling.
func SignalGroup(pid int, sig syscall.Signal) error {
	return signalGroup(pid, sig)
}

func signalGroup(pid int, _ syscall.Signal) error {
	return signalPID(pid, sigKill)
}

func signalPID(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return ErrGone
	}
	return p.Kill()
}

func groupExists(pid int) bool { return Alive(pid) }
