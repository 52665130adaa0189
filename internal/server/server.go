package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"renderq/internal/cache"
	"renderq/internal/domain"
	"renderq/internal/engine"
	"renderq/internal/events"
	"renderq/internal/notify"
	"renderq/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Notify   *notify.Manager
	Cache    cache.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_balance"`
	Message string         `json:"message" example:"insufficient balance: need 32.00, have 10.00"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the renderq API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("renderq API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerNotifications(group, cfg.Notify)
	registerSubscribe(router, basePath, cfg.Cache)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var be engine.InsufficientBalanceError
	if errors.As(err, &be) {
		return newAPIError(http.StatusPaymentRequired, "insufficient_balance", err.Error(), map[string]any{"need": be.Need, "have": be.Have})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pe engine.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusInternalServerError, "persistence_error", "internal error", map[string]any{"op": pe.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "insufficient_balance"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{OK: true}}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		if !p.editor() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "editor role required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		w := domain.Workflow{
			ID:         uuid.New().String(),
			Name:       input.Body.Name,
			Inputs:     input.Body.Inputs,
			BaseCost:   input.Body.BaseCost,
			BaseWeight: input.Body.BaseWeight,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if input.Body.ID != nil && *input.Body.ID != "" {
			w.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			w.Description = *input.Body.Description
		}
		if input.Body.SeedField != nil {
			w.SeedField = *input.Body.SeedField
		}
		if w.Inputs == nil {
			w.Inputs = map[string]domain.Input{}
		}
		if err := e.Repo.InsertWorkflow(ctx, w); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: w}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkflows(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkflowResponse, 0, len(items))
		for _, w := range items {
			res = append(res, WorkflowResponse{Workflow: w})
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Show a workflow with task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: w, TaskCounts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workflow",
		Method:      http.MethodDelete,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Delete a workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		if !p.editor() {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "editor role required", nil)
		}
		if err := e.Repo.DeleteWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{OK: true}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/tasks",
		Summary:       "Submit an execution request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string            `path:"workflow_id"`
		Body       SubmitTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		t, admitErr := e.AdmitTask(ctx, engine.AdmitOptions{
			WorkflowID: input.WorkflowID,
			Inputs:     input.Body.Inputs,
			Repeat:     input.Body.Repeat,
			UserID:     p.UserID,
			TokenID:    p.TokenID,
		})
		if admitErr != nil {
			return nil, handleError(admitErr)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, EffectiveStatus: t.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow"`
		Status     string `query:"status"`
		Mine       bool   `query:"mine"`
		Roots      bool   `query:"roots"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		f := repo.TaskFilters{
			WorkflowID: input.WorkflowID,
			Status:     input.Status,
			RootsOnly:  input.Roots,
			Limit:      input.Limit,
		}
		if input.Mine {
			f.TriggerRefID = p.UserID
		}
		items, err2 := e.Repo.ListTasks(ctx, f)
		if err2 != nil {
			return nil, handleError(err2)
		}
		res := TaskListResponse{Tasks: make([]TaskResponse, 0, len(items))}
		for _, t := range items {
			eff, err2 := e.EffectiveStatus(ctx, t)
			if err2 != nil {
				return nil, handleError(err2)
			}
			res.Tasks = append(res.Tasks, TaskResponse{Task: t, EffectiveStatus: eff})
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Show a task with its event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		eff, err := e.EffectiveStatus(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.ListTaskEvents(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, EffectiveStatus: eff, Events: evts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete a task and, for batches, its children",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		t, getErr := e.Repo.GetTask(ctx, input.TaskID)
		if getErr != nil {
			return nil, handleError(getErr)
		}
		if !p.editor() {
			owner, ownErr := e.OwnerID(ctx, t)
			if ownErr != nil {
				return nil, handleError(ownErr)
			}
			if owner != p.UserID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "not the task owner", nil)
			}
		}
		if err := e.DeleteTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-task-event",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/events",
		Summary:       "Record a status transition reported by a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   RecordEventRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		opts := engine.TransitionOptions{
			TaskID:   input.TaskID,
			Status:   domain.Status(input.Body.Status),
			Data:     events.EventData(input.Body.Data),
			ClientID: input.Body.ClientID,
		}
		if input.Body.Detail != nil {
			opts.Detail = *input.Body.Detail
		}
		t, err := e.RecordTransition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, EffectiveStatus: t.Status}}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-queued-task",
		Method:      http.MethodGet,
		Path:        "/queue/next",
		Summary:     "Peek the queuing task with the lowest weight",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.NextQueued(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, EffectiveStatus: t.Status}}, nil
	})
}

func registerNotifications(api huma.API, m *notify.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List the caller's notification feed",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit"`
	}) (*struct {
		Body NotificationListResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		items, listErr := m.Repo.ListNotifications(ctx, repo.NotificationFilters{
			UserID:     p.UserID,
			UnreadOnly: input.Unread,
			Limit:      input.Limit,
		})
		if listErr != nil {
			return nil, handleError(listErr)
		}
		return &struct {
			Body NotificationListResponse `json:"body"`
		}{Body: NotificationListResponse{Notifications: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark one notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		if err := m.MarkRead(ctx, p.UserID, input.NotificationID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-all-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/read-all",
		Summary:     "Mark the whole feed read",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		if err := m.MarkAllRead(ctx, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-all-notifications",
		Method:      http.MethodDelete,
		Path:        "/notifications",
		Summary:     "Clear the caller's feed",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, err.(huma.StatusError)
		}
		if err := m.DeleteAll(ctx, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{OK: true}}, nil
	})
}
