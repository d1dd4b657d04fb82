package core

// Connectivity reports whether the device currently has a usable uplink. It
// is the driven port the supervisor consults before fetching remote modules.
type Connectivity interface {
	Online() bool
}

// AlwaysOnline is used when reachability monitoring is disabled.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// Refresher accepts requests for an immediate fetch and resolve cycle.
type Refresher interface {
	Trigger(reason string)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(reason string)

func (f RefresherFunc) Trigger(reason string) { f(reason) }
