package registry

import "dio/internal/model"

// legalTransitions lists the edges UpdateState and Mutate accept.
// REMOVED is reachable only through Remove.
var legalTransitions = map[model.LifecycleState][]model.LifecycleState{
	model.StateRegistering: {model.StateHealthy, model.StateUnreachable, model.StateDraining},
	model.StateHealthy:     {model.StateDegraded, model.StateUnreachable, model.StateDraining},
	model.StateDegraded:    {model.StateHealthy, model.StateUnreachable, model.StateDraining},
	model.StateUnreachable: {model.StateDegraded, model.StateDraining},
	model.StateDraining:    {model.StateRemoved},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to model.LifecycleState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
