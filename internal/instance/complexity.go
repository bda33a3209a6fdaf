package instance

import "github.com/hopper-run/hopper/pkg/hopperapi"

// EstimateComplexity is a pure function on a task, used by scope behaviors
// to decide whether a project instance should delegate to orchestration
// (spec §4.3, verbatim). Starts at 1, clamped to 5.
func EstimateComplexity(task *hopperapi.Task) int {
	score := 1
	if len(task.Description) > 500 {
		score++
	}
	if len(task.Tags) > 3 {
		score++
	}
	if len(task.DependsOn) > 0 {
		score++
	}
	if task.Priority == hopperapi.PriorityHigh || task.Priority == hopperapi.PriorityUrgent {
		score++
	}
	if score > 5 {
		score = 5
	}
	return score
}
