package domain

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueuing Status = "queuing"
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	// StatusParent marks an aggregation root for a batch. Parent tasks are
	// never dispatched; their effective status folds over their children.
	StatusParent Status = "parent"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueuing, StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusParent:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// FoldStatus derives a parent task's effective status from its children.
// Precedence: all success > any failed > any running > any pending > queuing.
func FoldStatus(children []Status) Status {
	if len(children) == 0 {
		return StatusQueuing
	}
	allSuccess := true
	var anyFailed, anyRunning, anyPending bool
	for _, s := range children {
		if s != StatusSuccess {
			allSuccess = false
		}
		switch s {
		case StatusFailed:
			anyFailed = true
		case StatusRunning:
			anyRunning = true
		case StatusPending:
			anyPending = true
		}
	}
	switch {
	case allSuccess:
		return StatusSuccess
	case anyFailed:
		return StatusFailed
	case anyRunning:
		return StatusRunning
	case anyPending:
		return StatusPending
	default:
		return StatusQueuing
	}
}

// InputType classifies a workflow input.
type InputType string

const (
	InputNumber InputType = "number"
	InputString InputType = "string"
	InputSeed   InputType = "seed"
	InputFile   InputType = "file"
)

// Input is one declared input of a workflow template.
type Input struct {
	Type        InputType `json:"type" enum:"number,string,seed,file"`
	Default     any       `json:"default,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	CostPerUnit float64   `json:"cost_per_unit,omitempty"`
	Required    bool      `json:"required,omitempty"`
}

// Workflow is a reusable job template. Tasks snapshot concrete input values at
// admission time; editing a workflow never changes an existing task.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Inputs      map[string]Input `json:"inputs"`
	BaseCost    float64          `json:"base_cost"`
	BaseWeight  float64          `json:"base_weight"`
	SeedField   string           `json:"seed_field,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

// Task is one unit of schedulable work. Weight and Cost are fixed at
// admission and never recomputed from current workflow state.
type Task struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      Status         `json:"status" enum:"queuing,pending,running,success,failed,parent"`
	RepeatCount int            `json:"repeat_count"`
	Weight      float64        `json:"weight"`
	Cost        float64        `json:"cost"`
	InputValues map[string]any `json:"input_values"`
	ParentID    *string        `json:"parent_id,omitempty"`
	ClientID    *string        `json:"client_id,omitempty"`
	TriggerID   string         `json:"trigger_id"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// TaskEvent is one immutable record of a status transition.
type TaskEvent struct {
	ID     int64  `json:"id"`
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
	Data   string `json:"data,omitempty"`
	TS     string `json:"ts" format:"date-time"`
}

// TriggerType identifies what caused a task to be created.
type TriggerType string

const (
	TriggerUser   TriggerType = "user"
	TriggerToken  TriggerType = "token"
	TriggerJob    TriggerType = "job"
	TriggerSystem TriggerType = "system"
)

// Trigger records who or what created a task. One trigger row per task,
// immutable after creation.
type Trigger struct {
	ID        string      `json:"id"`
	Type      TriggerType `json:"type" enum:"user,token,job,system"`
	RefID     string      `json:"ref_id,omitempty"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

// Notification is a per-user feed entry. At most one active notification
// exists per (user, target) pair.
type Notification struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Read        bool    `json:"read"`
	TargetType  string  `json:"target_type,omitempty"`
	TargetID    string  `json:"target_id,omitempty"`
	Value       int     `json:"value"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   *string `json:"updated_at,omitempty" format:"date-time"`
}

// UnlimitedBalance is the sentinel for accounts that are never charged.
// Any negative balance means unlimited.
const UnlimitedBalance = -1.0

// User is a submitter identity with a credit balance and scheduling offset.
type User struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Role         string  `json:"role" enum:"admin,editor,user"`
	Balance      float64 `json:"balance"`
	WeightOffset float64 `json:"weight_offset"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Unlimited reports whether the user is never charged.
func (u User) Unlimited() bool { return u.Balance < 0 }

// Token is an API credential that may carry its own balance. A token with an
// unlimited balance delegates cost accounting away from its owner.
type Token struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	KeyHash     string  `json:"key_hash"`
	Description string  `json:"description,omitempty"`
	Balance     float64 `json:"balance"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Unlimited reports whether the token is never charged.
func (t Token) Unlimited() bool { return t.Balance < 0 }
