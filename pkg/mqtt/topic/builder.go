package topic

import (
	"fmt"
	"strings"
)

// Builder constructs topic strings of the form {root}/{segment}/{deviceID}.
type Builder struct {
	// root is the namespace shared by a fleet, e.g. "smartlock/v1".
	root string
}

// NewBuilder returns a Builder for root. Surrounding slashes are trimmed.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Root returns the namespace.
func (b *Builder) Root() string {
	return b.root
}

// Build returns {root}/{segment}/{id}.
func (b *Builder) Build(segment, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, strings.Trim(segment, "/"), id)
}
