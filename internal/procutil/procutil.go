// Package procutil starts children in their own process group and tears the
// group down again, so that dev servers and build steps they fork never
// outlive the session that launched them.
package procutil

import (
	"errors"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// ErrGone is returned when the target process or group no longer exists.
var ErrGone = errors.New("process not found")

// pollInterval is how often TerminateGroup re-checks the process table.
const pollInterval = 25 * time.Millisecond

// Descendants returns the PIDs of all processes below pid in the process
// tree, nearest first. The tree is read from the OS process table.
func Descendants(pid int) ([]int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	for _, p := range procs {
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}

	var out []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

// AnyAlive reports whether at least one of pids is still running.
func AnyAlive(pids []int) bool {
	for _, p := range pids {
		if Alive(p) {
			return true
		}
	}
	return false
}

// TerminateGroup stops the process group led by pid. It sends SIGTERM to the
// group, waits up to grace for the leader and every known descendant to go
// away, then SIGKILLs the group and any descendant that left it (setsid,
// daemonizing dev servers). exited, if non-nil, is closed by the caller's
// Wait goroutine when the leader has been reaped.
func TerminateGroup(pid int, grace time.Duration, exited <-chan struct{}) error {
	if pid <= 0 {
		return ErrGone
	}
	if exited == nil && !Alive(pid) && !groupExists(pid) {
		return ErrGone
	}

	// Snapshot the tree before signaling: once the leader dies its children
	// are reparented and can no longer be found through it.
	tree, _ := Descendants(pid)

	if err := signalGroup(pid, sigTerm); err != nil && !errors.Is(err, ErrGone) {
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if leaderGone(pid, exited) && !AnyAlive(tree) {
			break
		}
		time.Sleep(pollInterval)
	}

	_ = signalGroup(pid, sigKill)
	for _, c := range tree {
		if Alive(c) {
			_ = signalPID(c, sigKill)
		}
	}
	return nil
}

// KillGroup SIGKILLs whatever is left in the group led by pid. It returns
// ErrGone when the group is already empty.
func KillGroup(pid int) error {
	if pid <= 0 {
		return ErrGone
	}
	return signalGroup(pid, sigKill)
}

func leaderGone(pid int, exited <-chan struct{}) bool {
	if exited != nil {
		select {
		case <-exited:
			return true
		default:
			return false
		}
	}
	return !Alive(pid)
}
