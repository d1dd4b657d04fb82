package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/autopeer-io/lockagent/pkg/log"
)

// Commander runs a network manager command line tool.
type Commander interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Nmcli runs NetworkManager's nmcli.
type Nmcli struct {
	Binary string
}

func (n *Nmcli) Run(ctx context.Context, args ...string) (string, error) {
	bin := n.Binary
	if bin == "" {
		bin = "nmcli"
	}
	log.Debug("Executing command", "command", bin, "args", redact(args))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", bin, strings.Join(redact(args), " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// redact hides the value following a "password" argument.
func redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "password" {
			out[i+1] = "******"
		}
	}
	return out
}

// splitTerse splits one line of `nmcli -t` output. Colons inside values are
// escaped as `\:`.
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(fields, cur.String())
}

// terseRows runs an nmcli query in terse mode and returns its rows.
func terseRows(ctx context.Context, c Commander, args ...string) ([][]string, error) {
	out, err := c.Run(ctx, append([]string{"-t"}, args...)...)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		rows = append(rows, splitTerse(line))
	}
	return rows, nil
}
