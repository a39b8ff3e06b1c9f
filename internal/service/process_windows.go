//go:build windows

package service

import (
	"os/exec"
	"strconv"
)

func setProcessGroup(_ *exec.Cmd) {}

// killProcessGroup kills a process and all its children using taskkill.
// /F = force kill, /T = terminate child processes (tree kill).
func killProcessGroup(pid int) {
	// Best-effort; the caller kills the process itself as a fallback
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
