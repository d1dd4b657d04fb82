package core

import "time"

// StatusEvent is published whenever a component changes state.
type StatusEvent struct {
	Component string    `json:"component"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// StatusListener receives StatusEvents. Implementations must not block.
type StatusListener interface {
	OnStatus(StatusEvent)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(StatusEvent)

func (f StatusListenerFunc) OnStatus(e StatusEvent) { f(e) }

// Listeners fans an event out to every listener.
type Listeners []StatusListener

func (ls Listeners) OnStatus(e StatusEvent) {
	for _, l := range ls {
		if l != nil {
			l.OnStatus(e)
		}
	}
}
