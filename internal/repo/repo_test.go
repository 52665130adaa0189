package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"renderq/internal/db"
	"renderq/internal/domain"
	"renderq/internal/migrate"
	"renderq/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedTask(t *testing.T, r repo.Repo, ctx context.Context, wfID string, status domain.Status, parentID *string, createdAt string) domain.Task {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	trigger := domain.Trigger{ID: uuid.New().String(), Type: domain.TriggerUser, RefID: "user-1", CreatedAt: createdAt}
	if err := r.InsertTrigger(ctx, tx, trigger); err != nil {
		t.Fatalf("insert trigger: %v", err)
	}
	task := domain.Task{
		ID:          uuid.New().String(),
		WorkflowID:  wfID,
		Status:      status,
		RepeatCount: 1,
		InputValues: map[string]any{},
		ParentID:    parentID,
		TriggerID:   trigger.ID,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if err := r.InsertTask(ctx, tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return task
}

func seedWorkflow(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	if err := r.InsertWorkflow(ctx, domain.Workflow{
		ID: id, Name: id, Inputs: map[string]domain.Input{}, CreatedAt: "2025-06-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	min := 1.0
	wf := domain.Workflow{
		ID:   "wf-1",
		Name: "generate",
		Inputs: map[string]domain.Input{
			"steps": {Type: domain.InputNumber, Min: &min, CostPerUnit: 2, Required: true},
		},
		BaseCost:  10,
		SeedField: "seed",
		CreatedAt: "2025-06-01T00:00:00Z",
	}
	if err := r.InsertWorkflow(ctx, wf); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != wf.Name || got.BaseCost != wf.BaseCost || got.SeedField != wf.SeedField {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	in, ok := got.Inputs["steps"]
	if !ok || in.Min == nil || *in.Min != 1 || in.CostPerUnit != 2 || !in.Required {
		t.Fatalf("inputs not preserved: %+v", got.Inputs)
	}
	if _, err := r.GetWorkflow(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing workflow err = %v", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedWorkflow(t, r, ctx, "wf-1")
	seedWorkflow(t, r, ctx, "wf-2")
	parent := seedTask(t, r, ctx, "wf-1", domain.StatusParent, nil, "2025-06-01T00:00:01Z")
	seedTask(t, r, ctx, "wf-1", domain.StatusQueuing, &parent.ID, "2025-06-01T00:00:02Z")
	seedTask(t, r, ctx, "wf-1", domain.StatusRunning, &parent.ID, "2025-06-01T00:00:03Z")
	seedTask(t, r, ctx, "wf-2", domain.StatusQueuing, nil, "2025-06-01T00:00:04Z")

	all, err := r.ListTasks(ctx, repo.TaskFilters{})
	if err != nil || len(all) != 4 {
		t.Fatalf("all = %d (%v)", len(all), err)
	}
	// newest first
	if all[0].WorkflowID != "wf-2" {
		t.Fatalf("ordering: first = %+v", all[0])
	}
	byWF, _ := r.ListTasks(ctx, repo.TaskFilters{WorkflowID: "wf-1"})
	if len(byWF) != 3 {
		t.Fatalf("workflow filter = %d", len(byWF))
	}
	byStatus, _ := r.ListTasks(ctx, repo.TaskFilters{Status: "running"})
	if len(byStatus) != 1 {
		t.Fatalf("status filter = %d", len(byStatus))
	}
	roots, _ := r.ListTasks(ctx, repo.TaskFilters{RootsOnly: true})
	if len(roots) != 2 {
		t.Fatalf("roots = %d", len(roots))
	}
	children, _ := r.ListTasks(ctx, repo.TaskFilters{ParentID: parent.ID})
	if len(children) != 2 {
		t.Fatalf("children = %d", len(children))
	}
	mine, _ := r.ListTasks(ctx, repo.TaskFilters{TriggerRefID: "user-1"})
	if len(mine) != 4 {
		t.Fatalf("trigger ref filter = %d", len(mine))
	}
	limited, _ := r.ListTasks(ctx, repo.TaskFilters{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limit = %d", len(limited))
	}
	// cursor pagination continues past the last row of the previous page
	next, _ := r.ListTasks(ctx, repo.TaskFilters{
		Limit:           2,
		CursorCreatedAt: limited[1].CreatedAt,
		CursorID:        limited[1].ID,
	})
	if len(next) != 2 {
		t.Fatalf("second page = %d", len(next))
	}
	for _, got := range next {
		for _, prev := range limited {
			if got.ID == prev.ID {
				t.Fatalf("cursor page repeated task %s", got.ID)
			}
		}
	}
}

func TestChildStatuses(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedWorkflow(t, r, ctx, "wf-1")
	parent := seedTask(t, r, ctx, "wf-1", domain.StatusParent, nil, "2025-06-01T00:00:01Z")
	seedTask(t, r, ctx, "wf-1", domain.StatusSuccess, &parent.ID, "2025-06-01T00:00:02Z")
	seedTask(t, r, ctx, "wf-1", domain.StatusRunning, &parent.ID, "2025-06-01T00:00:03Z")
	statuses, err := r.ChildStatuses(ctx, parent.ID)
	if err != nil {
		t.Fatalf("child statuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestTokenHashLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.InsertUser(ctx, domain.User{ID: "user-1", Name: "u", Role: "user", CreatedAt: "2025-06-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	secret := "s3cret"
	tok := domain.Token{
		ID: "tok-1", UserID: "user-1", KeyHash: repo.HashToken(secret), CreatedAt: "2025-06-01T00:00:00Z",
	}
	if err := r.InsertToken(ctx, tok); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	got, err := r.GetTokenByHash(ctx, repo.HashToken(secret))
	if err != nil || got.ID != "tok-1" {
		t.Fatalf("lookup by hash: %v %+v", err, got)
	}
	if _, err := r.GetTokenByHash(ctx, repo.HashToken("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong secret err = %v", err)
	}
	// hashing ignores surrounding whitespace, never stores the secret
	if repo.HashToken(" s3cret \n") != repo.HashToken(secret) {
		t.Fatalf("hash not trimmed")
	}
	if repo.HashToken(secret) == secret {
		t.Fatalf("secret stored verbatim")
	}
}

func TestDeductBalance(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.InsertUser(ctx, domain.User{ID: "u1", Name: "u", Role: "user", Balance: 10, CreatedAt: "2025-06-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertUser(ctx, domain.User{ID: "u2", Name: "v", Role: "user", Balance: domain.UnlimitedBalance, CreatedAt: "2025-06-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	deduct := func(userID string, amount float64) bool {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		ok, err := r.DeductBalance(ctx, tx, userID, amount)
		if err != nil {
			t.Fatalf("deduct: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return ok
	}
	if !deduct("u1", 6) {
		t.Fatalf("deduction within balance refused")
	}
	if deduct("u1", 6) {
		t.Fatalf("overdraft allowed")
	}
	u, _ := r.GetUser(ctx, "u1")
	if u.Balance != 4 {
		t.Fatalf("balance = %v, want 4", u.Balance)
	}
	// unlimited accounts accept any deduction and never change
	if !deduct("u2", 1e9) {
		t.Fatalf("unlimited deduction refused")
	}
	u2, _ := r.GetUser(ctx, "u2")
	if !u2.Unlimited() {
		t.Fatalf("unlimited balance mutated: %v", u2.Balance)
	}
}

func TestNotificationTargetLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.InsertUser(ctx, domain.User{ID: "u1", Name: "u", Role: "user", CreatedAt: "2025-06-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	n := domain.Notification{
		ID: "n1", UserID: "u1", Title: "Task update", TargetType: "task", TargetID: "t1",
		Value: 10, CreatedAt: "2025-06-01T00:00:00Z",
	}
	if err := r.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetNotificationByTarget(ctx, "u1", "t1")
	if err != nil || got.ID != "n1" {
		t.Fatalf("target lookup: %v %+v", err, got)
	}
	if _, err := r.GetNotificationByTarget(ctx, "u1", "t2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing target err = %v", err)
	}
	if _, err := r.GetNotificationByTarget(ctx, "other", "t1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lookup crossed users: %v", err)
	}
	if err := r.UpdateNotificationProgress(ctx, "n1", 50, "status: running", "2025-06-01T00:01:00Z"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = r.GetNotificationByTarget(ctx, "u1", "t1")
	if got.Value != 50 || got.Read {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.UpdatedAt == nil {
		t.Fatalf("updated_at not set")
	}
}
