//go:build !windows

package service

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the process in its own group, so the watchdog
// can reach the children the tool spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the process group (negative PID).
func killProcessGroup(pid int) {
	// the caller kills the process itself as a fallback
	_ = unix.Kill(-pid, unix.SIGKILL)
}
