//go:build linux

package process

import "golang.org/x/sys/unix"

// waitExited blocks until pid has exited without reaping it.
// Until the caller reaps it, the pid and its process group id stay reserved.
func waitExited(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return err
		}
	}
}
