package procutil

import (
	"bytes"
	"os"
	"strconv"
)

// isZombie reads the state field of /proc/<pid>/stat. Zombies still answer
// kill(pid, 0) but are not running anything.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z' || data[i+2] == 'X'
}
