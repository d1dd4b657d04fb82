package module

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// Validator decides whether untrusted content may become a ControlModule.
// It never runs the content itself.
type Validator interface {
	Validate(ctx context.Context, location string, content []byte) error
}

// Chain runs validators in order and stops at the first rejection.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, location string, content []byte) error {
	for _, v := range c {
		if v == nil {
			continue
		}
		if err := v.Validate(ctx, location, content); err != nil {
			return err
		}
	}
	return nil
}

// ContentValidator performs cheap byte-level checks.
type ContentValidator struct {
	// MaxBytes rejects larger content when positive.
	MaxBytes int64
}

var htmlPrefixes = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<head"),
	[]byte("<?xml"),
}

func (v ContentValidator) Validate(_ context.Context, location string, content []byte) error {
	reject := func(reason string) error {
		return &ValidationError{Location: location, Reason: reason}
	}

	if len(bytes.TrimSpace(content)) == 0 {
		return reject("content is empty")
	}
	if v.MaxBytes > 0 && int64(len(content)) > v.MaxBytes {
		return reject(fmt.Sprintf("content is %d bytes, limit is %d", len(content), v.MaxBytes))
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return reject("content contains NUL bytes")
	}
	if !utf8.Valid(content) {
		return reject("content is not valid UTF-8")
	}

	// Captive portals and proxies answer 200 with an HTML page.
	head := bytes.ToLower(bytes.TrimSpace(content))
	if len(head) > 64 {
		head = head[:64]
	}
	for _, p := range htmlPrefixes {
		if bytes.HasPrefix(head, p) {
			return reject("content is an HTML or XML document")
		}
	}
	return nil
}

// FilePlaceholder is replaced by the candidate path in CommandValidator.Command.
const FilePlaceholder = "{file}"

// CommandValidator writes the candidate to a temporary file and runs a
// checker on it. A non-zero exit rejects the candidate.
type CommandValidator struct {
	Command []string
	Timeout time.Duration

	// TempDir holds the candidate during the check. Defaults to os.TempDir().
	TempDir string
}

func (v CommandValidator) Validate(ctx context.Context, location string, content []byte) error {
	if len(v.Command) == 0 {
		return nil
	}

	f, err := os.CreateTemp(v.TempDir, "candidate-*.py")
	if err != nil {
		return fmt.Errorf("creating candidate file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing candidate file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing candidate file: %w", err)
	}

	args := make([]string, 0, len(v.Command)+1)
	substituted := false
	for _, a := range v.Command {
		if strings.Contains(a, FilePlaceholder) {
			a = strings.ReplaceAll(a, FilePlaceholder, path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return &ValidationError{Location: location, Reason: "syntax check timed out", Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ValidationError{Location: location, Reason: "syntax check failed: " + tail(out.String(), 512)}
		}
		return &ValidationError{Location: location, Reason: "syntax check could not run", Err: err}
	}
	return nil
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
