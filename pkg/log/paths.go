package log

import (
	"os"
	"path/filepath"
)

// FallbackDir is where file sinks land when their configured directory is not
// writable, relative to the working directory.
var FallbackDir = "logs"

// ResolveOutputPaths returns the sinks zap should open. File paths whose
// directory cannot be created or written are redirected to FallbackDir with
// the same base name, and dropped if that fails too. The result is never
// empty.
func ResolveOutputPaths(paths []string) []string {
	resolved := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))

	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		resolved = append(resolved, p)
	}

	for _, p := range paths {
		switch p {
		case "":
			continue
		case "stdout", "stderr":
			add(p)
			continue
		}

		if writable(p) {
			add(p)
			continue
		}

		alt := filepath.Join(FallbackDir, filepath.Base(p))
		if writable(alt) {
			add(alt)
		}
	}

	if len(resolved) == 0 {
		return []string{"stdout"}
	}
	return resolved
}

func writable(path string) bool {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
