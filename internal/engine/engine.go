package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"renderq/internal/cache"
	"renderq/internal/config"
	"renderq/internal/domain"
	"renderq/internal/events"
	"renderq/internal/repo"
)

// Engine admits workflow submissions into the task table and records status
// transitions reported by the worker pool. The task and task_event rows are
// the system of record; cache signals are a best-effort side channel.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Cache  cache.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, store cache.Store) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Cache:  store,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AdmitOptions are parameters for one execution request.
type AdmitOptions struct {
	WorkflowID string
	Inputs     map[string]any
	Repeat     int
	UserID     string
	TokenID    string
}

// AdmitTask validates a submission, charges the submitter and creates the
// task graph in one transaction. For repeat or batch submissions it returns
// the parent task; otherwise the single created task.
func (e Engine) AdmitTask(ctx context.Context, opts AdmitOptions) (domain.Task, error) {
	wf, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID)
	if err != nil {
		return domain.Task{}, err
	}
	user, err := e.Repo.GetUser(ctx, opts.UserID)
	if err != nil {
		return domain.Task{}, err
	}
	values, err := validateInputs(wf, opts.Inputs)
	if err != nil {
		return domain.Task{}, err
	}
	repeat := opts.Repeat
	if repeat < 1 {
		repeat = 1
	}
	batches := ExpandBatches(values)
	batch := len(batches)
	unitCost := UnitCost(wf, values)
	totalCost := unitCost * float64(repeat) * float64(batch)

	// Cost accounting may be delegated to an unlimited token; otherwise the
	// owning user pays.
	charge := !user.Unlimited()
	if opts.TokenID != "" {
		token, err := e.Repo.GetToken(ctx, opts.TokenID)
		if err != nil {
			return domain.Task{}, err
		}
		if token.UserID != user.ID {
			return domain.Task{}, ValidationError{Field: "token", Reason: "token does not belong to submitter"}
		}
		if token.Unlimited() {
			charge = false
		}
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	weight := Weight(now, wf.BaseWeight, user.WeightOffset)
	seed, haveSeed := seedBase(wf, values)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, persistErr("begin admission", err)
	}
	defer tx.Rollback()

	if charge {
		ok, err := e.Repo.DeductBalance(ctx, tx, user.ID, totalCost)
		if err != nil {
			return domain.Task{}, persistErr("deduct balance", err)
		}
		if !ok {
			return domain.Task{}, InsufficientBalanceError{Need: totalCost, Have: user.Balance}
		}
	}

	var root domain.Task
	if repeat == 1 && batch == 1 {
		root, err = e.createTask(ctx, tx, createTaskArgs{
			wf:     wf,
			opts:   opts,
			values: values,
			status: domain.StatusQueuing,
			weight: weight,
			cost:   unitCost,
			repeat: repeat,
			now:    nowStr,
		})
		if err != nil {
			return domain.Task{}, err
		}
	} else {
		root, err = e.createTask(ctx, tx, createTaskArgs{
			wf:     wf,
			opts:   opts,
			values: values,
			status: domain.StatusParent,
			weight: weight,
			cost:   totalCost,
			repeat: repeat,
			now:    nowStr,
		})
		if err != nil {
			return domain.Task{}, err
		}
		child := 0
		for i := 0; i < repeat; i++ {
			for b := 0; b < batch; b++ {
				childValues := copyValues(batches[b])
				if haveSeed {
					// Siblings never share a seed: downstream generation is
					// seed-sensitive.
					childValues[wf.SeedField] = seed + int64(child)
				}
				_, err := e.createTask(ctx, tx, createTaskArgs{
					wf:     wf,
					opts:   opts,
					values: childValues,
					status: domain.StatusQueuing,
					weight: weight + RepeatPenalty(i),
					cost:   unitCost,
					repeat: 1,
					parent: &root.ID,
					now:    nowStr,
				})
				if err != nil {
					return domain.Task{}, err
				}
				child++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, persistErr("commit admission", err)
	}

	e.signal(cache.CategoryWorkflowRunning, wf.ID, map[string]any{"task_id": root.ID, "status": root.Status})
	e.signal(cache.CategoryWorkflowActivity, wf.ID, map[string]any{"task_id": root.ID})
	e.signal(cache.CategoryUserHistory, user.ID, map[string]any{"task_id": root.ID})
	return root, nil
}

type createTaskArgs struct {
	wf     domain.Workflow
	opts   AdmitOptions
	values map[string]any
	status domain.Status
	weight float64
	cost   float64
	repeat int
	parent *string
	now    string
}

func (e Engine) createTask(ctx context.Context, tx *sql.Tx, a createTaskArgs) (domain.Task, error) {
	trigger := domain.Trigger{
		ID:        uuid.New().String(),
		Type:      domain.TriggerUser,
		RefID:     a.opts.UserID,
		CreatedAt: a.now,
	}
	if a.opts.TokenID != "" {
		trigger.Type = domain.TriggerToken
		trigger.RefID = a.opts.TokenID
	}
	if err := e.Repo.InsertTrigger(ctx, tx, trigger); err != nil {
		return domain.Task{}, persistErr("insert trigger", err)
	}
	t := domain.Task{
		ID:          uuid.New().String(),
		WorkflowID:  a.wf.ID,
		Status:      a.status,
		RepeatCount: a.repeat,
		Weight:      a.weight,
		Cost:        a.cost,
		InputValues: a.values,
		ParentID:    a.parent,
		TriggerID:   trigger.ID,
		CreatedAt:   a.now,
		UpdatedAt:   a.now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, persistErr("insert task", err)
	}
	if err := e.Events.Append(ctx, tx, t.ID, t.Status, "", nil); err != nil {
		return domain.Task{}, persistErr("append task event", err)
	}
	return t, nil
}

// validateInputs checks supplied values against the workflow's declared
// inputs. Unknown fields are dropped; missing optional fields fall back to
// declared defaults.
func validateInputs(wf domain.Workflow, supplied map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(wf.Inputs))
	for name, in := range wf.Inputs {
		v, ok := supplied[name]
		if !ok {
			if in.Default != nil {
				out[name] = in.Default
				continue
			}
			if in.Required {
				return nil, ValidationError{Field: name, Reason: "required"}
			}
			continue
		}
		switch in.Type {
		case domain.InputNumber, domain.InputSeed:
			if err := checkNumeric(name, v, in); err != nil {
				return nil, err
			}
		case domain.InputFile:
			if arr, isArr := v.([]any); isArr && len(arr) == 0 {
				return nil, ValidationError{Field: name, Reason: "empty collection"}
			}
		}
		out[name] = v
	}
	return out, nil
}

func checkNumeric(name string, v any, in domain.Input) error {
	check := func(n float64) error {
		if in.Min != nil && n < *in.Min {
			return ValidationError{Field: name, Reason: fmt.Sprintf("%v below minimum %v", n, *in.Min)}
		}
		if in.Max != nil && n > *in.Max {
			return ValidationError{Field: name, Reason: fmt.Sprintf("%v above maximum %v", n, *in.Max)}
		}
		return nil
	}
	if arr, isArr := v.([]any); isArr {
		if len(arr) == 0 {
			return ValidationError{Field: name, Reason: "empty collection"}
		}
		for _, alt := range arr {
			n, ok := scalarNumeric(alt)
			if !ok {
				return ValidationError{Field: name, Reason: "not a number"}
			}
			if err := check(n); err != nil {
				return err
			}
		}
		return nil
	}
	n, ok := scalarNumeric(v)
	if !ok {
		return ValidationError{Field: name, Reason: "not a number"}
	}
	return check(n)
}

func scalarNumeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// seedBase resolves the starting seed for a batch: the submitted value when
// given, otherwise a generated one.
func seedBase(wf domain.Workflow, values map[string]any) (int64, bool) {
	if wf.SeedField == "" {
		return 0, false
	}
	if v, ok := values[wf.SeedField]; ok {
		if n, ok := scalarNumeric(v); ok {
			return int64(n), true
		}
	}
	return rand.Int63n(1 << 31), true
}

// TransitionOptions describe one status change reported by the worker pool.
type TransitionOptions struct {
	TaskID   string
	Status   domain.Status
	Detail   string
	Data     events.EventData
	ClientID *string
}

// RecordTransition appends one task event and updates the task's status field
// in the same transaction. Duplicate events for an already-recorded state are
// appended as-is; the newest event of a status is how time-in-state is read.
func (e Engine) RecordTransition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	if !opts.Status.Valid() || opts.Status == domain.StatusParent {
		return domain.Task{}, ValidationError{Field: "status", Reason: fmt.Sprintf("invalid transition target %q", opts.Status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, persistErr("begin transition", err)
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.StatusParent {
		return domain.Task{}, ValidationError{Field: "task_id", Reason: "parent tasks are not dispatchable"}
	}
	if err := e.Events.Append(ctx, tx, t.ID, opts.Status, opts.Detail, opts.Data); err != nil {
		return domain.Task{}, persistErr("append task event", err)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, opts.Status, opts.ClientID, nowStr); err != nil {
		return domain.Task{}, persistErr("update task status", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, persistErr("commit transition", err)
	}
	t.Status = opts.Status
	t.UpdatedAt = nowStr
	if opts.ClientID != nil {
		t.ClientID = opts.ClientID
	}

	ownerID, err := e.OwnerID(ctx, t)
	if err != nil {
		log.Printf("engine: resolve task %s owner: %v", t.ID, err)
	}
	payload := map[string]any{
		"task_id":     t.ID,
		"workflow_id": t.WorkflowID,
		"status":      t.Status,
		"user_id":     ownerID,
	}
	if t.ParentID != nil {
		payload["parent_id"] = *t.ParentID
	}
	e.signal(cache.CategoryTaskStatus, t.ID, payload)
	e.signal(cache.CategoryWorkflowActivity, t.WorkflowID, map[string]any{"task_id": t.ID, "status": t.Status})
	return t, nil
}

// DeleteTask removes a task and, for parents, its whole batch: children
// first, then events, task and trigger rows.
func (e Engine) DeleteTask(ctx context.Context, id string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	// Resolve the owner while the trigger row still exists.
	ownerID, _ := e.OwnerID(ctx, t)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin delete", err)
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTaskTree(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return persistErr("delete task tree", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit delete", err)
	}
	e.signal(cache.CategoryWorkflowActivity, t.WorkflowID, map[string]any{"task_id": t.ID, "deleted": true})
	if ownerID != "" {
		e.signal(cache.CategoryUserHistory, ownerID, map[string]any{"task_id": t.ID, "deleted": true})
	}
	return nil
}

// EffectiveStatus returns the display status of a task. Parent tasks fold
// their children; everything else reports its own status field.
func (e Engine) EffectiveStatus(ctx context.Context, t domain.Task) (domain.Status, error) {
	if t.Status != domain.StatusParent {
		return t.Status, nil
	}
	statuses, err := e.Repo.ChildStatuses(ctx, t.ID)
	if err != nil {
		return t.Status, err
	}
	return domain.FoldStatus(statuses), nil
}

// OwnerID resolves the user who caused a task's creation via its trigger.
func (e Engine) OwnerID(ctx context.Context, t domain.Task) (string, error) {
	trigger, err := e.Repo.GetTrigger(ctx, t.TriggerID)
	if err != nil {
		return "", err
	}
	switch trigger.Type {
	case domain.TriggerUser:
		return trigger.RefID, nil
	case domain.TriggerToken:
		token, err := e.Repo.GetToken(ctx, trigger.RefID)
		if err != nil {
			return "", err
		}
		return token.UserID, nil
	}
	return "", nil
}

// signal publishes a best-effort cache notification. Failures are logged and
// never surfaced: the task rows are the system of record.
func (e Engine) signal(category, id string, v any) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.Set(context.Background(), category, id, v); err != nil {
		log.Printf("engine: %s signal for %s: %v", category, id, err)
	}
}
