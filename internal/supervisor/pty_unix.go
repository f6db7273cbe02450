//go:build unix

package supervisor

import (
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty/v2"

	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
)

// startPTY runs cmd on a pseudo terminal. pty.Start makes the child a session
// leader, which also makes it the leader of its own process group, so Setpgid
// must not be set here.
func (s *Supervisor) startPTY(cmd *exec.Cmd, p *Process) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 160})
	if err != nil {
		return err
	}
	p.pid = cmd.Process.Pid

	read := make(chan struct{})
	go func() {
		defer close(read)
		// Reading stops only at EOF or EIO once the terminal is closed, so an
		// overlong line never leaves the child blocked on a full pty.
		w := newLineWriter(p.output, logbuf.StreamStdout)
		_, _ = io.Copy(w, ptmx)
		w.Flush()
	}()

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		err := cmd.Wait()
		close(p.exited)
		// A descendant holding the terminal would keep the reader blocked.
		select {
		case <-read:
		case <-time.After(s.grace):
		}
		ptmx.Close()
		<-read
		s.reap(p, cmd, err)
	}()
	return nil
}
