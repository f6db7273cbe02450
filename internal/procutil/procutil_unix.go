//go:build unix

package procutil

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// Detach puts the command in a new process group. No parent-death signal is
// set: a restart of the orchestrator must not take running previews down.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// LeadsGroup reports whether pid is the leader of its own process group, as
// every child started through Detach or on a pty is.
func LeadsGroup(pid int) bool {
	pgid, err := unix.Getpgid(pid)
	return err == nil && pgid == pid
}

// SignalGroup delivers sig to every member of the group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	return signalGroup(pid, sig)
}

func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid != pid {
		// Leader already reaped, or pid never led a group; the group id is
		// still the leader pid for anything started through Detach.
		pgid = pid
	}
	if err := unix.Kill(-pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrGone
		}
		return err
	}
	return nil
}

func signalPID(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrGone
		}
		return err
	}
	return nil
}

func groupExists(pid int) bool {
	err := unix.Kill(-pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
