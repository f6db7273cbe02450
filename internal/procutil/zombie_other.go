//go:build unix && !linux

package procutil

func isZombie(int) bool { return false }
