//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// The module gets its own process group so that signals reach anything it
// spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// The group may already be gone while the leader is not reaped yet.
		return cmd.Process.Signal(sig)
	}
	return nil
}
