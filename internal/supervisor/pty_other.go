//go:build !unix

package supervisor

import (
	"errors"
	"os/exec"
)

func (s *Supervisor) startPTY(*exec.Cmd, *Process) error {
	return errors.New("pty mode is not supported on this platform")
}
