//go:build !linux

package process

import "errors"

// waitExited is unsupported here; signals then race with reaping the way they do in os/exec.
func waitExited(pid int) error {
	return errors.New("waiting without reaping is not supported on this platform")
}
