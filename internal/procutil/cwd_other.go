//go:build !linux

package procutil

import "errors"

// WorkingDir is only available where /proc exposes it.
func WorkingDir(int) (string, error) { return "", errors.ErrUnsupported }
