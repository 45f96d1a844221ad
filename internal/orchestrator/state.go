package orchestrator

import "docpipeline/pkg/models"

// transitions lists the allowed target states per source state.
var transitions = map[models.JobState][]models.JobState{
	models.StatePending:        {models.StateStarted, models.StateErrored},
	models.StateStarted:        {models.StateAwaitingResult, models.StateFailed, models.StateErrored},
	models.StateAwaitingResult: {models.StateSucceeded, models.StateErrored},
}

// CanTransition reports whether a record in from may move to to.
func CanTransition(from, to models.JobState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
