package procutil

import (
	"os"
	"strconv"
)

// WorkingDir returns the current directory of pid from /proc.
func WorkingDir(pid int) (string, error) {
	return os.Readlink("/proc/" + strconv.Itoa(pid) + "/cwd")
}
