//go:build !unix

package sandbox

import "os/exec"

// configureProcessGroup relies on the default CommandContext kill on
// platforms without process groups.
func configureProcessGroup(cmd *exec.Cmd) {}
