//go:build !unix

package gemforge

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) {
	// Best effort: CommandContext already kills the direct child.
}
