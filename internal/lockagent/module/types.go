package module

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source tells where a control module came from.
type Source string

const (
	SourceRemote  Source = "remote"
	SourceCached  Source = "cached"
	SourceBundled Source = "bundled"
)

// Status is the validation outcome of a module.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

// ControlModule is a runnable control-logic file. Values are never mutated
// after they are handed out; a new module means a new value.
type ControlModule struct {
	Source Source `json:"source"`

	// Location is the remote URL it was fetched from, empty for the bundled one.
	Location string `json:"location,omitempty"`

	// Path is the local file that gets executed.
	Path string `json:"path"`

	// Digest is the hex SHA-256 of the content.
	Digest string `json:"digest"`

	Size      int64     `json:"size"`
	Status    Status    `json:"status"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

// ShortDigest is the digest prefix used in file names and logs.
func (m *ControlModule) ShortDigest() string {
	if len(m.Digest) < 12 {
		return m.Digest
	}
	return m.Digest[:12]
}

// SameContent reports whether m and o would run the same code from the same file.
func (m *ControlModule) SameContent(o *ControlModule) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Digest == o.Digest && m.Path == o.Path
}

// Digest returns the hex SHA-256 of content.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
