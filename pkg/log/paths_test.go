package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOutputPaths(t *testing.T) {
	dir := t.TempDir()

	old := FallbackDir
	FallbackDir = filepath.Join(dir, "fallback")
	t.Cleanup(func() { FallbackDir = old })

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	good := filepath.Join(dir, "ok", "agent.log")
	bad := filepath.Join(blocker, "sub", "agent.log")

	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"empty", nil, []string{"stdout"}},
		{"streams pass through", []string{"stdout", "stderr"}, []string{"stdout", "stderr"}},
		{"writable file kept", []string{"stdout", good}, []string{"stdout", good}},
		{"unwritable file falls back", []string{bad}, []string{filepath.Join(FallbackDir, "agent.log")}},
		{"duplicates collapse", []string{"stdout", "stdout", ""}, []string{"stdout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveOutputPaths(tt.input))
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	o := NewOptions()
	assert.Empty(t, o.Validate())

	o.Format = "xml"
	o.Level = "loud"
	assert.Len(t, o.Validate(), 2)
}
