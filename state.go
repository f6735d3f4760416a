package routeragent

// DeviceState is the lifecycle controller's cached knowledge of the device.
// It is owned by the Controller and mutated only inside Transition (or reset
// to StateUnknown when a flash or recovery invalidates prior knowledge).
type DeviceState int

const (
	// StateUnknown is the initial value. It is only ever a source state;
	// requesting it as a transition target is an error.
	StateUnknown DeviceState = iota
	// StatePoweredOff means the power relay was commanded off. Power-off is
	// best effort and never read back.
	StatePoweredOff
	// StateShellReady means a command/response round-trip through the
	// console succeeded within the last transition.
	StateShellReady
)

func (s DeviceState) String() string {
	switch s {
	case StatePoweredOff:
		return "off"
	case StateShellReady:
		return "shell"
	default:
		return "unknown"
	}
}
