package revision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Git runs the git CLI. Credentials and transport are left to git itself.
type Git struct {
	binary string
	env    []string
}

// NewGit returns a runner for binary, "git" when empty.
func NewGit(binary string) *Git {
	if binary == "" {
		binary = "git"
	}
	return &Git{
		binary: binary,
		// Never block on an interactive credential prompt.
		env: append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=true"),
	}
}

// Run executes git with args in dir and returns trimmed stdout. Stderr is
// included in the error.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	full := args
	if dir != "" {
		full = append([]string{"-C", dir}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary, full...)
	cmd.Env = g.env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
