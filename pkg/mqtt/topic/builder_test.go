package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	b := NewBuilder("/smartlock/v1/")

	assert.Equal(t, "smartlock/v1", b.Root())
	assert.Equal(t, "smartlock/v1/status/lock-01", b.Build("status", "lock-01"))
	assert.Equal(t, "smartlock/v1/command/lock-01", b.Build("/command/", "lock-01"))
}
