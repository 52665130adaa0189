package server

import (
	"renderq/internal/domain"
)

// Request payloads

type CreateWorkflowRequest struct {
	ID          *string                 `json:"id,omitempty"`
	Name        string                  `json:"name"`
	Description *string                 `json:"description,omitempty"`
	Inputs      map[string]domain.Input `json:"inputs,omitempty"`
	BaseCost    float64                 `json:"base_cost,omitempty"`
	BaseWeight  float64                 `json:"base_weight,omitempty"`
	SeedField   *string                 `json:"seed_field,omitempty"`
}

type SubmitTaskRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
	Repeat int            `json:"repeat,omitempty" minimum:"1"`
}

type RecordEventRequest struct {
	Status   string         `json:"status" enum:"queuing,pending,running,success,failed"`
	Detail   *string        `json:"detail,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	ClientID *string        `json:"client_id,omitempty"`
}

// Response payloads

type WorkflowResponse struct {
	domain.Workflow
	TaskCounts map[string]int `json:"task_counts,omitempty"`
}

type TaskResponse struct {
	domain.Task
	EffectiveStatus domain.Status      `json:"effective_status"`
	Events          []domain.TaskEvent `json:"events,omitempty"`
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type NotificationListResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

type StatusResponse struct {
	OK bool `json:"ok"`
}
