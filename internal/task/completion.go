package task

import "time"

// Completion is published once a task reaches a terminal state.
type Completion struct {
	TaskID   string    `json:"task_id"`
	Kind     Kind      `json:"kind"`
	URL      string    `json:"url"`
	State    State     `json:"state"`
	Attempts int       `json:"attempts"`
	Result   Result    `json:"result"`
	Finished time.Time `json:"finished_at"`
}

// Attributes returns the message attributes subscribers filter on.
func (c Completion) Attributes() map[string]string {
	return map[string]string{
		"task_id": c.TaskID,
		"kind":    string(c.Kind),
		"state":   string(c.State),
	}
}
