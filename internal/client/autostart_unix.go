//go:build !windows

package client

import (
	"os/exec"
	"syscall"
)

// detach puts the daemon in its own session so it is not killed with the
// CLI's process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
