//go:build unix

package acp

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so that the agent and
// the MCP servers it starts can be killed together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the whole process group led by pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
