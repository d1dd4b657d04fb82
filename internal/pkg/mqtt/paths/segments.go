package paths

// Topic segments published by a lock agent. Fleet tooling subscribes to
// {root}/{segment}/+ so these values are part of the wire contract.
const (
	// Status carries the retained device snapshot.
	// Payload: supervision state, connectivity state, active module.
	// Pattern: {root}/status/{deviceID}
	Status = "status"

	// Online carries the retained presence flag; the broker publishes
	// {"online":false} as the last will.
	// Pattern: {root}/online/{deviceID}
	Online = "online"

	// Event carries one message per supervision or connectivity transition.
	// Pattern: {root}/event/{deviceID}
	Event = "event"

	// Command carries fleet requests to the device, for example
	// {"action":"refresh"}.
	// Pattern: {root}/command/{deviceID}
	Command = "command"
)
