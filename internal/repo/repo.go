package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"renderq/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- workflows ---

func (r Repo) InsertWorkflow(ctx context.Context, w domain.Workflow) error {
	inputs, err := json.Marshal(w.Inputs)
	if err != nil {
		return fmt.Errorf("marshal workflow inputs: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflows(id,name,description,inputs_json,base_cost,base_weight,seed_field,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, nullable(w.Description), string(inputs), w.BaseCost, w.BaseWeight, nullable(w.SeedField), w.CreatedAt)
	return err
}

func scanWorkflow(scan func(dest ...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	var desc, seed sql.NullString
	var inputs string
	err := scan(&w.ID, &w.Name, &desc, &inputs, &w.BaseCost, &w.BaseWeight, &seed, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if desc.Valid {
		w.Description = desc.String
	}
	if seed.Valid {
		w.SeedField = seed.String
	}
	if err := json.Unmarshal([]byte(inputs), &w.Inputs); err != nil {
		return w, fmt.Errorf("workflow %s inputs: %w", w.ID, err)
	}
	return w, nil
}

const workflowCols = `id,name,description,inputs_json,base_cost,base_weight,seed_field,created_at`

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowCols+` FROM workflows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- triggers ---

func (r Repo) InsertTrigger(ctx context.Context, tx *sql.Tx, t domain.Trigger) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO triggers(id,type,ref_id,created_at) VALUES (?,?,?,?)`,
		t.ID, string(t.Type), nullable(t.RefID), t.CreatedAt)
	return err
}

func (r Repo) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	var t domain.Trigger
	var ref sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,type,ref_id,created_at FROM triggers WHERE id=?`, id).
		Scan(&t.ID, &t.Type, &ref, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if ref.Valid {
		t.RefID = ref.String
	}
	return t, err
}

// --- tasks ---

const taskCols = `id,workflow_id,status,repeat_count,weight,cost,inputs_json,parent_id,client_id,trigger_id,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	inputs, err := json.Marshal(t.InputValues)
	if err != nil {
		return fmt.Errorf("marshal task inputs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkflowID, string(t.Status), t.RepeatCount, t.Weight, t.Cost, string(inputs),
		nullableStringPtr(t.ParentID), nullableStringPtr(t.ClientID), t.TriggerID, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var parentID, clientID sql.NullString
	var inputs string
	err := scan(&t.ID, &t.WorkflowID, &t.Status, &t.RepeatCount, &t.Weight, &t.Cost, &inputs,
		&parentID, &clientID, &t.TriggerID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if clientID.Valid {
		t.ClientID = &clientID.String
	}
	if err := json.Unmarshal([]byte(inputs), &t.InputValues); err != nil {
		return t, fmt.Errorf("task %s inputs: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	WorkflowID      string
	Status          string
	ParentID        string
	TriggerRefID    string
	RootsOnly       bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.RootsOnly {
		clauses = append(clauses, "parent_id IS NULL")
	}
	if f.TriggerRefID != "" {
		clauses = append(clauses, "trigger_id IN (SELECT id FROM triggers WHERE ref_id=?)")
		args = append(args, f.TriggerRefID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextQueued returns the queuing task with the lowest weight. The worker pool
// dequeues in ascending weight order.
func (r Repo) NextQueued(ctx context.Context) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE status=? ORDER BY weight ASC, created_at ASC, id ASC LIMIT 1`,
		string(domain.StatusQueuing))
	return scanTask(row.Scan)
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE parent_id=? ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ChildStatuses(ctx context.Context, parentID string) ([]domain.Status, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status FROM tasks WHERE parent_id=?`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		var s domain.Status
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateTaskStatus sets the mutable status field. The matching task event must
// already have been appended in the same transaction.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id string, status domain.Status, clientID *string, updatedAt string) error {
	var res sql.Result
	var err error
	if clientID != nil {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, client_id=?, updated_at=? WHERE id=?`,
			string(status), *clientID, updatedAt, id)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
			string(status), updatedAt, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTaskTree removes a task, its events and its trigger. Children are
// removed first so no orphaned rows remain.
func (r Repo) DeleteTaskTree(ctx context.Context, tx *sql.Tx, id string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_id=?`, id)
	if err != nil {
		return err
	}
	var children []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return err
		}
		children = append(children, cid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, cid := range children {
		if err := r.DeleteTaskTree(ctx, tx, cid); err != nil {
			return err
		}
	}
	var triggerID string
	err = tx.QueryRowContext(ctx, `SELECT trigger_id FROM tasks WHERE id=?`, id).Scan(&triggerID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM triggers WHERE id=?`, triggerID)
	return err
}

// --- task events ---

func (r Repo) ListTaskEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,status,detail,data,ts FROM task_events WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var detail, data sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Status, &detail, &data, &e.TS); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		if data.Valid {
			e.Data = data.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventByStatus returns the newest event of a given status for a task.
// Duplicate events of one status are expected; the newest wins.
func (r Repo) LatestEventByStatus(ctx context.Context, taskID string, status domain.Status) (domain.TaskEvent, error) {
	var e domain.TaskEvent
	var detail, data sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,status,detail,data,ts FROM task_events WHERE task_id=? AND status=? ORDER BY id DESC LIMIT 1`,
		taskID, string(status)).
		Scan(&e.ID, &e.TaskID, &e.Status, &detail, &data, &e.TS)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if detail.Valid {
		e.Detail = detail.String
	}
	if data.Valid {
		e.Data = data.String
	}
	return e, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, workflowID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE workflow_id=? GROUP BY status`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
