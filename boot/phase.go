package boot

import "palpable/internal/check"

// Phase is the orchestrator lifecycle.
type Phase uint8

const (
	PhaseStopped Phase = iota
	PhaseStarting
	// PhaseProvisioning serves the portal while the device is unclaimed.
	PhaseProvisioning
	// PhaseHandedOff means the device agent has been started.
	PhaseHandedOff
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseProvisioning:
		return "provisioning"
	case PhaseHandedOff:
		return "handed_off"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Transition returns to when p -> to is legal and p otherwise.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseStopped:
		ok = to == PhaseStarting
	case PhaseStarting:
		ok = to == PhaseProvisioning || to == PhaseStopping
	case PhaseProvisioning:
		ok = to == PhaseHandedOff || to == PhaseStopping
	case PhaseHandedOff:
		ok = to == PhaseStopping
	case PhaseStopping:
		ok = to == PhaseStopped
	}
	check.Assertf(ok, "boot phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}
