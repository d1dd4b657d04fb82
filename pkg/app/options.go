package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// NamedFlagSetOptions is implemented by the options of every binary.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section for --help.
	Flags() cliflag.NamedFlagSets

	// Complete fills derived fields after flags, file and environment are merged.
	Complete() error

	// Validate reports invalid options, usually as an aggregate.
	Validate() error
}
