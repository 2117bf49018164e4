package model

import "encoding/json"

// TaskStatus values as reported by the task service.
type TaskStatus string

const (
	TaskStatusIdle     TaskStatus = "idle"
	TaskStatusWorking  TaskStatus = "working"
	TaskStatusComplete TaskStatus = "complete"
)

// UpdateState values accepted by the task service's update_state operation.
type UpdateState string

const (
	UpdateStateIdle      UpdateState = "idle"
	UpdateStateWorking   UpdateState = "working"
	UpdateStateCompleted UpdateState = "completed"
	UpdateStateFailed    UpdateState = "failed"
)

// Task is the transient view of a remote task. It is never persisted
// locally. Fields absent in the remote JSON decode to their defaults;
// BlockedByTaskID stays nil when the field is missing or explicitly null.
type Task struct {
	ID                 string
	AssignedTo         string
	QueueName          string
	Status             TaskStatus
	Recipe             string
	CreatedAt          string
	Priority           int
	BlockedByTaskID    *int
	IsCurrentlyBlocked bool
	Metadata           map[string]any
}

// flexibleID accepts the service returning numeric or string task ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// taskWire is the tolerant decode shape for remote task JSON.
type taskWire struct {
	ID                 flexibleID     `json:"id"`
	TaskID             flexibleID     `json:"task_id"`
	AssignedTo         string         `json:"assigned_to"`
	Agent              string         `json:"agent"`
	QueueName          string         `json:"queue_name"`
	Status             string         `json:"status"`
	Recipe             string         `json:"recipe"`
	CreatedAt          string         `json:"created_at"`
	Priority           int            `json:"priority"`
	BlockedByTaskID    *int           `json:"blocked_by_task_id"`
	IsCurrentlyBlocked bool           `json:"is_currently_blocked"`
	Metadata           map[string]any `json:"metadata"`
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id := string(w.ID)
	if id == "" {
		id = string(w.TaskID)
	}
	assigned := w.AssignedTo
	if assigned == "" {
		assigned = w.Agent
	}
	status := w.Status
	if status == "" {
		status = string(TaskStatusIdle)
	}

	*t = Task{
		ID:                 id,
		AssignedTo:         assigned,
		QueueName:          w.QueueName,
		Status:             TaskStatus(status),
		Recipe:             w.Recipe,
		CreatedAt:          w.CreatedAt,
		Priority:           w.Priority,
		BlockedByTaskID:    w.BlockedByTaskID,
		IsCurrentlyBlocked: w.IsCurrentlyBlocked,
		Metadata:           w.Metadata,
	}
	return nil
}
